// Package tts wraps streaming text-to-speech backends. Frames arrive on the
// chunk channel in synthesis order; cancelling the request context stops
// emission and drops buffered output.
package tts

import (
	"context"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// Request asks for one utterance in a specific voice.
type Request struct {
	Text     string
	Voice    string
	Language lang.Tag
}

// Chunk is one ordered frame of synthesized PCM.
type Chunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer produces ordered audio for a request. Both channels close when
// synthesis completes, fails, or the context is cancelled.
type Synthesizer interface {
	provider.Capabilities
	Synthesize(ctx context.Context, req Request) (<-chan Chunk, <-chan error)
}
