// Package stt wraps streaming speech-to-text backends. Every backend honors
// the same session contract: interim results on, punctuation and smart
// formatting off, profanity filter off, caller-supplied language, and an
// utterance-end window of at most 500 ms. Non-streaming backends are only
// admitted behind the VAD wrapper, which supplies utterance boundaries.
package stt

import (
	"context"

	"github.com/google/uuid"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// Frame is one chunk of PCM audio pushed into a stream.
type Frame struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Result is one recognition hypothesis. Interims carry IsFinal=false and may
// be revised; a final or an utterance-end closes the segment.
type Result struct {
	SegmentID    string
	Text         string
	IsFinal      bool
	UtteranceEnd bool
	Confidence   float64
	StartMS      int64
	EndMS        int64
}

// Stream is a live recognition session for one speaker.
type Stream interface {
	// Push submits an audio frame. It never blocks on downstream consumers.
	Push(ctx context.Context, frame Frame) error
	// Results yields hypotheses in arrival order. The channel closes when
	// the stream is closed or the backend ends the session.
	Results() <-chan Result
	Close() error
}

// Opener opens recognition streams bound to a source language.
type Opener interface {
	provider.Capabilities
	Open(ctx context.Context, language lang.Tag) (Stream, error)
}

// segmenter assigns segment ids: interims share the current segment until a
// final or utterance-end closes it.
type segmenter struct {
	current string
}

func (s *segmenter) id() string {
	if s.current == "" {
		s.current = uuid.NewString()
	}
	return s.current
}

func (s *segmenter) closeSegment() {
	s.current = ""
}

// stamp fills the segment id on r and rolls the segment over on finals.
func (s *segmenter) stamp(r *Result) {
	r.SegmentID = s.id()
	if r.IsFinal || r.UtteranceEnd {
		s.closeSegment()
	}
}
