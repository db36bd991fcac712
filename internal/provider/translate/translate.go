// Package translate wraps text translation backends. Requests are
// cancellable through their context; the buffer cancels an in-flight
// interim translation when a final for the same segment supersedes it.
package translate

import (
	"context"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/provider"
)

// Preferences tune register and delivery of the translated text.
type Preferences struct {
	FormalTone      bool
	PreserveEmotion bool
}

// Request is one translation job.
type Request struct {
	Text           string
	SourceLanguage lang.Tag
	TargetLanguage lang.Tag
	Preferences    Preferences
}

// Translator converts text between languages.
type Translator interface {
	provider.Capabilities
	Translate(ctx context.Context, req Request) (string, error)
}
