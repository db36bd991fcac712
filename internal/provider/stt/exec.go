package stt

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// ExecOpener runs a recognizer child process per stream. The protocol is
// line-delimited JSON on both pipes: frames in, hypotheses out.
type ExecOpener struct {
	provider.Counters
	cmd        []string
	sampleRate int
	channels   int
}

type execFrame struct {
	PCMBase64  string `json:"pcm_base64"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Language   string `json:"language"`
}

type execResult struct {
	Text         string  `json:"text"`
	Final        bool    `json:"final"`
	UtteranceEnd bool    `json:"utterance_end"`
	Confidence   float64 `json:"confidence"`
	StartMS      int64   `json:"start_ms"`
	EndMS        int64   `json:"end_ms"`
}

func NewExecOpener(command string, sampleRate, channels int) (*ExecOpener, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command empty")
	}
	return &ExecOpener{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *ExecOpener) Open(ctx context.Context, language lang.Tag) (Stream, error) {
	if !lang.IsSupported(language) {
		return nil, provider.ErrLanguageUnsupported
	}
	e.RecordRequest()

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		e.RecordFailure()
		return nil, fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	e.ConnOpened()

	s := &execStream{
		opener:   e,
		language: language,
		cmd:      cmd,
		stdin:    stdin,
		results:  make(chan Result, 64),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (e *ExecOpener) Health(context.Context) error { return nil }

func (e *ExecOpener) Close() error { return nil }

type execStream struct {
	opener   *ExecOpener
	language lang.Tag
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	results  chan Result
	seg      segmenter

	mu     sync.Mutex
	closed bool
}

func (s *execStream) Push(_ context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	payload := execFrame{
		PCMBase64:  base64.StdEncoding.EncodeToString(frame.PCM),
		SampleRate: frame.SampleRate,
		Channels:   frame.Channels,
		Language:   string(s.language),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := s.stdin.Write(data); err != nil {
		return fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
	}
	return nil
}

func (s *execStream) Results() <-chan Result { return s.results }

func (s *execStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stdin.Close()
	err := s.cmd.Wait()
	s.opener.ConnClosed()
	return err
}

func (s *execStream) readLoop(stdout io.Reader) {
	defer close(s.results)
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw execResult
		if err := json.Unmarshal(line, &raw); err != nil {
			s.opener.RecordFailure()
			continue
		}
		r := Result{
			Text:         raw.Text,
			IsFinal:      raw.Final,
			UtteranceEnd: raw.UtteranceEnd,
			Confidence:   raw.Confidence,
			StartMS:      raw.StartMS,
			EndMS:        raw.EndMS,
		}
		s.seg.stamp(&r)
		s.results <- r
	}
}
