package stt

import (
	"context"
	"sync"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// MockOpener produces streams whose results are injected by tests via Emit.
type MockOpener struct {
	provider.Counters
	mu      sync.Mutex
	streams []*MockStream
	closed  bool
}

func NewMockOpener() *MockOpener {
	return &MockOpener{}
}

func (m *MockOpener) Open(_ context.Context, language lang.Tag) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, provider.ErrClosed
	}
	if !lang.IsSupported(language) {
		return nil, provider.ErrLanguageUnsupported
	}
	m.RecordRequest()
	m.ConnOpened()
	s := &MockStream{
		opener:   m,
		language: language,
		results:  make(chan Result, 64),
	}
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *MockOpener) Health(context.Context) error { return nil }

func (m *MockOpener) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, s := range m.streams {
		s.Close()
	}
	return nil
}

// Streams returns every stream opened so far, in open order.
func (m *MockOpener) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockStream(nil), m.streams...)
}

// MockStream records pushed frames and emits whatever the test injects.
type MockStream struct {
	opener   *MockOpener
	language lang.Tag

	mu      sync.Mutex
	frames  []Frame
	results chan Result
	seg     segmenter
	closed  bool
}

func (s *MockStream) Push(_ context.Context, frame Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return provider.ErrClosed
	}
	s.frames = append(s.frames, frame)
	return nil
}

func (s *MockStream) Results() <-chan Result { return s.results }

func (s *MockStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.results)
	s.opener.ConnClosed()
	return nil
}

// Emit injects a hypothesis, assigning segment ids the way a real backend
// would: interims share a segment until a final closes it.
func (s *MockStream) Emit(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if r.SegmentID == "" {
		s.seg.stamp(&r)
	} else if r.IsFinal || r.UtteranceEnd {
		s.seg.closeSegment()
	}
	s.results <- r
}

// Frames returns the audio pushed so far.
func (s *MockStream) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// Language returns the language the stream was opened with.
func (s *MockStream) Language() lang.Tag { return s.language }
