package stt

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// A non-streaming recognizer cannot produce interim results or utterance
// boundaries on its own, so it is only admitted behind this wrapper: an
// energy gate detects utterance boundaries and the batch recognizer runs
// once per utterance.
const (
	vadEnergyThreshold = 500.0
	vadMinUtteranceMS  = 200
)

// VADOpener wraps a one-shot exec recognizer with an energy-based voice
// activity detector that supplies utterance boundaries.
type VADOpener struct {
	provider.Counters
	cmd            []string
	sampleRate     int
	channels       int
	utteranceEndMS int
}

func NewVADOpener(command string, sampleRate, channels, utteranceEndMS int) (*VADOpener, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command empty")
	}
	if utteranceEndMS <= 0 || utteranceEndMS > 500 {
		utteranceEndMS = 500
	}
	return &VADOpener{
		cmd:            args,
		sampleRate:     sampleRate,
		channels:       channels,
		utteranceEndMS: utteranceEndMS,
	}, nil
}

func (o *VADOpener) Open(ctx context.Context, language lang.Tag) (Stream, error) {
	if !lang.IsSupported(language) {
		return nil, provider.ErrLanguageUnsupported
	}
	o.RecordRequest()
	o.ConnOpened()
	s := &vadStream{
		opener:   o,
		ctx:      ctx,
		language: language,
		results:  make(chan Result, 16),
	}
	return s, nil
}

func (o *VADOpener) Health(context.Context) error { return nil }

func (o *VADOpener) Close() error { return nil }

type vadStream struct {
	opener   *VADOpener
	ctx      context.Context
	language lang.Tag
	results  chan Result
	seg      segmenter

	mu          sync.Mutex
	utterance   []byte
	voiced      bool
	lastVoiceAt time.Time
	startedAt   time.Time
	closed      bool
	wg          sync.WaitGroup
}

func (s *vadStream) Push(_ context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}

	now := time.Now()
	energy := rmsEnergy(frame.PCM)

	if energy >= vadEnergyThreshold {
		if !s.voiced {
			s.voiced = true
			s.startedAt = now
			s.utterance = s.utterance[:0]
		}
		s.lastVoiceAt = now
	}
	if s.voiced {
		s.utterance = append(s.utterance, frame.PCM...)
		hangover := time.Duration(s.opener.utteranceEndMS) * time.Millisecond
		if energy < vadEnergyThreshold && now.Sub(s.lastVoiceAt) >= hangover {
			s.flushLocked(now)
		}
	}
	return nil
}

// flushLocked hands the accumulated utterance to the batch recognizer.
// Caller holds s.mu.
func (s *vadStream) flushLocked(now time.Time) {
	duration := now.Sub(s.startedAt)
	pcm := append([]byte(nil), s.utterance...)
	s.utterance = s.utterance[:0]
	s.voiced = false

	if duration < vadMinUtteranceMS*time.Millisecond {
		return
	}

	startMS := s.startedAt.UnixMilli()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.transcribe(pcm, startMS, now.UnixMilli())
	}()
}

func (s *vadStream) transcribe(pcm []byte, startMS, endMS int64) {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	payload, err := json.Marshal(execFrame{
		PCMBase64:  base64.StdEncoding.EncodeToString(pcm),
		SampleRate: s.opener.sampleRate,
		Channels:   s.opener.channels,
		Language:   string(s.language),
	})
	if err != nil {
		s.opener.RecordFailure()
		return
	}

	base := s.opener.cmd[0]
	args := append([]string{}, s.opener.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(payload)
	out, err := cmd.Output()
	if err != nil {
		s.opener.RecordFailure()
		return
	}

	var raw execResult
	if err := json.Unmarshal(bytes.TrimSpace(out), &raw); err != nil {
		s.opener.RecordFailure()
		return
	}
	if raw.Text == "" {
		return
	}

	r := Result{
		Text:       raw.Text,
		IsFinal:    true,
		Confidence: raw.Confidence,
		StartMS:    startMS,
		EndMS:      endMS,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seg.stamp(&r)
	s.mu.Unlock()

	select {
	case s.results <- r:
	default:
		// Consumer stalled; dropping the utterance beats blocking teardown.
		s.opener.RecordFailure()
	}
}

func (s *vadStream) Results() <-chan Result { return s.results }

func (s *vadStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()
	close(s.results)
	s.opener.ConnClosed()
	return nil
}

// rmsEnergy computes root-mean-square amplitude over 16-bit little-endian
// PCM samples.
func rmsEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		sum += float64(sample) * float64(sample)
	}
	return math.Sqrt(sum / float64(n))
}
