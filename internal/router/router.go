// Package router enforces the audio topology: who hears raw audio, who
// hears translated tracks, and the invariant that nobody ever hears both
// versions of one speaker or anything they publish themselves.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/transport"
)

// Pair is an ordered (listener, speaker) pipeline key.
type Pair struct {
	Listener string
	Speaker  string
}

// Participant is the router's view of a present member.
type Participant struct {
	Identity string
	Language lang.Tag
}

// State is the desired room topology handed to SetTopology.
type State struct {
	Participants []Participant
	// Pipelines lists every pair that should have a translated track.
	Pipelines []Pair
}

// ActionKind enumerates plan steps.
type ActionKind int

const (
	ActionPublish ActionKind = iota
	ActionUnsubscribe
	ActionSubscribe
	ActionUnpublish
)

func (k ActionKind) String() string {
	switch k {
	case ActionPublish:
		return "publish"
	case ActionUnsubscribe:
		return "unsubscribe"
	case ActionSubscribe:
		return "subscribe"
	case ActionUnpublish:
		return "unpublish"
	}
	return "unknown"
}

// Action is one executed topology step.
type Action struct {
	Kind     ActionKind
	Listener string
	Speaker  string
	TrackID  string
}

// Plan is the ordered action list one SetTopology call executed.
type Plan struct {
	Actions []Action
}

// Empty reports whether the plan was a no-op.
func (p Plan) Empty() bool { return len(p.Actions) == 0 }

// Router applies topologies against one transport session and owns the
// listener-private tracks published for pipelines.
type Router struct {
	session transport.RoomSession
	log     *slog.Logger

	mu     sync.Mutex
	tracks map[Pair]transport.TrackWriter
}

func New(session transport.RoomSession, log *slog.Logger) *Router {
	return &Router{
		session: session,
		log:     log.With(slog.String("component", "audio-router")),
		tracks:  make(map[Pair]transport.TrackWriter),
	}
}

// TrackWriter hands a pipeline the writer for its published track.
func (r *Router) TrackWriter(pair Pair) (transport.TrackWriter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.tracks[pair]
	return w, ok
}

// SetTopology drives the session toward state and returns the executed plan.
// Re-applying an identical state executes nothing: plans are diffs against
// live transport state, so the operation is idempotent. Within each listener
// the order is strict: unsubscribes before subscribes, so no listener is
// ever subscribed to both raw and translated audio of one speaker.
func (r *Router) SetTopology(ctx context.Context, state State) (Plan, error) {
	var plan Plan

	desiredPairs := make(map[Pair]bool, len(state.Pipelines))
	for _, p := range state.Pipelines {
		desiredPairs[p] = true
	}

	// Publish tracks for pipelines that lack one.
	r.mu.Lock()
	var toPublish []Pair
	for p := range desiredPairs {
		if _, ok := r.tracks[p]; !ok {
			toPublish = append(toPublish, p)
		}
	}
	var toUnpublish []Pair
	for p := range r.tracks {
		if !desiredPairs[p] {
			toUnpublish = append(toUnpublish, p)
		}
	}
	r.mu.Unlock()
	sortPairs(toPublish)
	sortPairs(toUnpublish)

	for _, p := range toPublish {
		name := fmt.Sprintf("translated-%s-for-%s", p.Speaker, p.Listener)
		writer, err := withRetry(func() (transport.TrackWriter, error) {
			return r.session.PublishTrack(ctx, p.Listener, name)
		})
		if err != nil {
			return plan, fmt.Errorf("publish track for (%s,%s): %w", p.Listener, p.Speaker, err)
		}
		r.mu.Lock()
		r.tracks[p] = writer
		r.mu.Unlock()
		plan.Actions = append(plan.Actions, Action{Kind: ActionPublish, Listener: p.Listener, Speaker: p.Speaker, TrackID: writer.ID()})
	}

	// Per-listener subscription diffs: unsubscribe first, subscribe after.
	langOf := make(map[string]lang.Tag, len(state.Participants))
	for _, p := range state.Participants {
		langOf[p.Identity] = p.Language
	}
	identities := make([]string, 0, len(state.Participants))
	for _, p := range state.Participants {
		identities = append(identities, p.Identity)
	}
	sort.Strings(identities)

	for _, listener := range identities {
		desired := r.desiredSubscriptions(listener, identities, langOf)

		current := make(map[string]bool)
		for _, id := range r.session.Subscriptions(listener) {
			current[id] = true
		}

		var unsub, sub []string
		for id := range current {
			if !desired[id] {
				unsub = append(unsub, id)
			}
		}
		for id := range desired {
			if !current[id] {
				sub = append(sub, id)
			}
		}
		sort.Strings(unsub)
		sort.Strings(sub)

		for _, id := range unsub {
			if _, err := withRetry(func() (struct{}, error) {
				return struct{}{}, r.session.Unsubscribe(ctx, listener, id)
			}); err != nil {
				return plan, fmt.Errorf("unsubscribe %s from %s: %w", listener, id, err)
			}
			plan.Actions = append(plan.Actions, Action{Kind: ActionUnsubscribe, Listener: listener, TrackID: id})
		}
		for _, id := range sub {
			if _, err := withRetry(func() (struct{}, error) {
				return struct{}{}, r.session.Subscribe(ctx, listener, id)
			}); err != nil {
				return plan, fmt.Errorf("subscribe %s to %s: %w", listener, id, err)
			}
			plan.Actions = append(plan.Actions, Action{Kind: ActionSubscribe, Listener: listener, TrackID: id})
		}
	}

	// Retire tracks whose pipeline is gone.
	for _, p := range toUnpublish {
		r.mu.Lock()
		writer := r.tracks[p]
		delete(r.tracks, p)
		r.mu.Unlock()
		if writer == nil {
			continue
		}
		trackID := writer.ID()
		if _, err := withRetry(func() (struct{}, error) {
			return struct{}{}, r.session.UnpublishTrack(ctx, trackID)
		}); err != nil {
			r.log.Warn("unpublish failed",
				slog.String("track", trackID),
				slog.String("error", err.Error()))
			continue
		}
		plan.Actions = append(plan.Actions, Action{Kind: ActionUnpublish, Listener: p.Listener, Speaker: p.Speaker, TrackID: trackID})
	}

	if !plan.Empty() {
		r.log.Debug("topology applied", slog.Int("actions", len(plan.Actions)))
	}
	return plan, nil
}

// desiredSubscriptions computes the exact track set a listener should
// receive: raw audio from same-language speakers, the listener's own
// translated tracks from different-language speakers, nothing they publish.
func (r *Router) desiredSubscriptions(listener string, identities []string, langOf map[string]lang.Tag) map[string]bool {
	desired := make(map[string]bool)
	for _, other := range identities {
		if other == listener {
			continue
		}
		if langOf[other] == langOf[listener] {
			if raw, ok := r.session.RawTrackID(other); ok {
				desired[raw] = true
			}
			continue
		}
		r.mu.Lock()
		writer, ok := r.tracks[Pair{Listener: listener, Speaker: other}]
		r.mu.Unlock()
		if ok {
			desired[writer.ID()] = true
		}
	}
	return desired
}

// withRetry runs op, retrying exactly once on failure.
func withRetry[T any](op func() (T, error)) (T, error) {
	v, err := op()
	if err == nil {
		return v, nil
	}
	return op()
}

func sortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Listener != pairs[j].Listener {
			return pairs[i].Listener < pairs[j].Listener
		}
		return pairs[i].Speaker < pairs[j].Speaker
	})
}
