// Package profile holds user profile snapshots and the process-local TTL
// cache that serves them to pipelines at construction time.
package profile

import (
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
)

// VoiceAvatar identifies a synthesized voice. Immutable after creation;
// VoiceID is opaque to the core and forwarded to the TTS adapter selected by
// Provider.
type VoiceAvatar struct {
	VoiceID     string
	Provider    string
	Language    lang.Tag
	DisplayName string
	Gender      string
	Accent      string
	Description string
}

// Preferences tune translation output for a user.
type Preferences struct {
	FormalTone      bool
	PreserveEmotion bool
}

// Snapshot is an immutable view of a user profile. Pipelines capture a
// snapshot at construction and never re-read it; profile changes tear the
// pipeline down and rebuild it.
type Snapshot struct {
	Identity       string
	NativeLanguage lang.Tag
	Voice          VoiceAvatar
	Preferences    Preferences
	UpdatedAt      time.Time
}

// DefaultVoice is the fallback avatar used when a profile or its configured
// voice cannot be resolved.
func DefaultVoice(language lang.Tag) VoiceAvatar {
	return VoiceAvatar{
		VoiceID:     "aura-asteria-" + string(language),
		Provider:    "http",
		Language:    language,
		DisplayName: "Asteria",
		Gender:      "female",
	}
}

// DefaultSnapshot builds the fallback profile used when lookup fails; the
// room keeps working with a sane default rather than rejecting the join.
func DefaultSnapshot(identity string) Snapshot {
	return Snapshot{
		Identity:       identity,
		NativeLanguage: lang.English,
		Voice:          DefaultVoice(lang.English),
		Preferences:    Preferences{PreserveEmotion: true},
		UpdatedAt:      time.Now().UTC(),
	}
}
