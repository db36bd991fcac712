// Package transport defines the media-transport contract the core consumes:
// participant events, per-listener subscription control, listener-private
// track publication, speaker audio intake, and the low-rate control channel.
// The transport itself (SFU, signaling, codecs) is an external collaborator.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/parlay-labs/interp-core/internal/lang"
)

var (
	// ErrNoSuchParticipant is returned for operations on an absent identity.
	ErrNoSuchParticipant = errors.New("no such participant")
	// ErrNoSuchTrack is returned for operations on an unknown track id.
	ErrNoSuchTrack = errors.New("no such track")
)

// ParticipantMeta is the typed per-participant metadata record. It is parsed
// once on join/update and stored; nothing re-parses it per frame.
type ParticipantMeta struct {
	Language lang.Tag `json:"language"`
	Avatar   string   `json:"avatar"`
	RoomType string   `json:"room_type,omitempty"`
}

// Participant is a present transport member.
type Participant struct {
	Identity string
	Meta     ParticipantMeta
	JoinedAt time.Time
}

// EventKind enumerates room session events.
type EventKind int

const (
	ParticipantJoined EventKind = iota
	ParticipantLeft
	MetadataChanged
)

// Event is one room session change.
type Event struct {
	Kind     EventKind
	Identity string
	Meta     ParticipantMeta
}

// AudioFrame is one chunk of PCM delivered from a speaker or written to a
// published track.
type AudioFrame struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// AudioFeed delivers one speaker's raw audio to the worker.
type AudioFeed interface {
	Frames() <-chan AudioFrame
	Close() error
}

// TrackWriter publishes ordered audio onto a listener-private track.
type TrackWriter interface {
	ID() string
	WriteFrame(ctx context.Context, frame AudioFrame) error
	Close() error
}

// RoomSession is the per-room transport handle the coordinator drives.
type RoomSession interface {
	// Events yields joins, leaves, and metadata changes. The channel closes
	// when the session closes.
	Events() <-chan Event
	// Participants snapshots the present members.
	Participants() []Participant

	// OpenSpeakerFeed taps a participant's raw audio for this worker.
	OpenSpeakerFeed(ctx context.Context, speaker string) (AudioFeed, error)

	// PublishTrack creates a track that only listener may subscribe to.
	PublishTrack(ctx context.Context, listener, name string) (TrackWriter, error)
	// UnpublishTrack removes a published track.
	UnpublishTrack(ctx context.Context, trackID string) error

	// Subscribe and Unsubscribe control which tracks a listener receives.
	Subscribe(ctx context.Context, listener, trackID string) error
	Unsubscribe(ctx context.Context, listener, trackID string) error
	// Subscriptions reports the track ids a listener currently receives.
	Subscriptions(listener string) []string
	// RawTrackID resolves a participant's published raw audio track.
	RawTrackID(speaker string) (string, bool)

	// SendControl delivers a diagnostic payload to one listener over the
	// transport's text channel.
	SendControl(ctx context.Context, listener string, payload []byte) error

	Close() error
}
