package tts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

func drain(t *testing.T, chunks <-chan Chunk, errs <-chan error) ([]Chunk, error) {
	t.Helper()
	var out []Chunk
	var failure error
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				failure = err
			}
		case <-time.After(time.Second):
			t.Fatal("timed out draining synthesizer")
		}
	}
	return out, failure
}

func TestMockSynthEmitsOrderedFrames(t *testing.T) {
	m := NewMockSynth(24000, 1)
	chunks, errs := m.Synthesize(context.Background(), Request{
		Text: "hello", Voice: "aura-apollo-en", Language: lang.English,
	})
	out, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(out))
	}
	for i, c := range out {
		if c.Sequence != i {
			t.Fatalf("chunk %d out of order (sequence %d)", i, c.Sequence)
		}
	}
	if !out[len(out)-1].Final {
		t.Fatal("last chunk must be final")
	}
}

func TestMockSynthReportsMissingVoice(t *testing.T) {
	m := NewMockSynth(24000, 1)
	chunks, errs := m.Synthesize(context.Background(), Request{Text: "x", Voice: "missing-voice"})
	out, err := drain(t, chunks, errs)
	if !errors.Is(err, provider.ErrVoiceUnavailable) {
		t.Fatalf("expected ErrVoiceUnavailable, got %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("no audio expected for a missing voice, got %d chunks", len(out))
	}
}

func TestMockSynthHonorsCancellation(t *testing.T) {
	m := NewMockSynth(24000, 1)
	m.Latency = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := m.Synthesize(ctx, Request{Text: "x", Voice: "aura-apollo-en"})
	cancel()

	_, err := drain(t, chunks, errs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExecSynthValidatesCommand(t *testing.T) {
	if _, err := NewExecSynth("", 24000, 1); err == nil {
		t.Fatal("empty command must be rejected")
	}
	if _, err := NewExecSynth("piper --model en_US", 24000, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
