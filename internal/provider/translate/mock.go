package translate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/parlay-labs/interp-core/internal/provider"
)

// MockTranslator returns a deterministic marker translation. Tests can
// override latency and per-call behavior.
type MockTranslator struct {
	provider.Counters
	mu      sync.Mutex
	Latency time.Duration
	// Respond, when set, overrides the default translation.
	Respond func(req Request) (string, error)
}

func NewMockTranslator() *MockTranslator {
	return &MockTranslator{}
}

func (m *MockTranslator) Translate(ctx context.Context, req Request) (string, error) {
	m.RecordRequest()
	if req.Text == "" {
		return "", provider.ErrInvalidInput
	}

	m.mu.Lock()
	latency := m.Latency
	respond := m.Respond
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(latency):
		}
	}
	if respond != nil {
		out, err := respond(req)
		if err != nil {
			m.RecordFailure()
		}
		return out, err
	}
	return fmt.Sprintf("[%s->%s] %s", req.SourceLanguage, req.TargetLanguage, req.Text), nil
}

// SetLatency adjusts the synthetic translation delay.
func (m *MockTranslator) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Latency = d
}

func (m *MockTranslator) Health(context.Context) error { return nil }

func (m *MockTranslator) Close() error { return nil }
