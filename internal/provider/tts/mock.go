package tts

import (
	"context"
	"sync"
	"time"

	"github.com/parlay-labs/interp-core/internal/provider"
)

// MockSynth emits a fixed number of silent frames per request. Voices named
// "missing-*" report ErrVoiceUnavailable, which tests use to drive the
// failed-pipeline path.
type MockSynth struct {
	provider.Counters
	sampleRate int
	channels   int

	mu       sync.Mutex
	Latency  time.Duration
	requests []Request
}

func NewMockSynth(sampleRate, channels int) *MockSynth {
	return &MockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *MockSynth) Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 4)
	errs := make(chan error, 1)
	m.RecordRequest()

	m.mu.Lock()
	m.requests = append(m.requests, req)
	latency := m.Latency
	m.mu.Unlock()

	go func() {
		defer close(chunks)
		defer close(errs)

		if len(req.Voice) >= 8 && req.Voice[:8] == "missing-" {
			m.RecordFailure()
			errs <- provider.ErrVoiceUnavailable
			return
		}
		if latency > 0 {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(latency):
			}
		}
		for i := 0; i < 3; i++ {
			chunk := Chunk{
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, 320),
				Final:      i == 2,
			}
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunks <- chunk:
			}
		}
	}()
	return chunks, errs
}

// Requests returns every synthesis request seen so far.
func (m *MockSynth) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

func (m *MockSynth) Health(context.Context) error { return nil }

func (m *MockSynth) Close() error { return nil }
