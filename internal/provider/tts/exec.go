package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/mattn/go-shellwords"

	"github.com/parlay-labs/interp-core/internal/provider"
)

// ExecSynth runs a synthesizer child process per request: one JSON request on
// stdin, line-delimited JSON chunks on stdout.
type ExecSynth struct {
	provider.Counters
	cmd        []string
	sampleRate int
	channels   int
}

type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(command string, sampleRate, channels int) (*ExecSynth, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &ExecSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *ExecSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	e.RecordRequest()

	go func() {
		defer close(chunks)
		defer close(errs)

		payload, err := json.Marshal(execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			Language:   string(req.Language),
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		})
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
			return
		}
		if err := cmd.Start(); err != nil {
			e.RecordFailure()
			errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
			return
		}
		e.ConnOpened()
		defer e.ConnClosed()

		if _, err := stdin.Write(payload); err != nil {
			errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
			cmd.Wait()
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				errs <- err
				cmd.Wait()
				return
			}
			chunk := Chunk{
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				cmd.Wait()
				return
			case chunks <- chunk:
			}
			sequence++
		}
		if err := cmd.Wait(); err != nil {
			e.RecordFailure()
			errs <- fmt.Errorf("%w: %v", provider.ErrUnavailable, err)
			return
		}
		if scanErr := scanner.Err(); scanErr != nil {
			errs <- scanErr
		}
	}()
	return chunks, errs
}

func (e *ExecSynth) Health(context.Context) error { return nil }

func (e *ExecSynth) Close() error { return nil }
