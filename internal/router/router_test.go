package router

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/transport"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func join(s *transport.MemorySession, identity string, language lang.Tag) {
	s.Join(identity, transport.ParticipantMeta{Language: language, Avatar: "voice-" + identity})
}

func stateFor(participants map[string]lang.Tag) State {
	var st State
	for id, tag := range participants {
		st.Participants = append(st.Participants, Participant{Identity: id, Language: tag})
	}
	for l, lt := range participants {
		for s, st2 := range participants {
			if l != s && lt != st2 {
				st.Pipelines = append(st.Pipelines, Pair{Listener: l, Speaker: s})
			}
		}
	}
	return st
}

func subscriptionSet(s *transport.MemorySession, listener string) map[string]bool {
	out := make(map[string]bool)
	for _, id := range s.Subscriptions(listener) {
		out[id] = true
	}
	return out
}

func TestTwoUserTranslationTopology(t *testing.T) {
	session := transport.NewMemorySession("room")
	join(session, "maria", lang.Spanish)
	join(session, "john", lang.English)

	r := New(session, newLogger())
	st := stateFor(map[string]lang.Tag{"maria": lang.Spanish, "john": lang.English})

	plan, err := r.SetTopology(context.Background(), st)
	if err != nil {
		t.Fatalf("set topology: %v", err)
	}
	if plan.Empty() {
		t.Fatal("expected actions on first application")
	}

	mariaTrack, ok := r.TrackWriter(Pair{Listener: "maria", Speaker: "john"})
	if !ok {
		t.Fatal("expected track for (maria, john)")
	}
	johnTrack, ok := r.TrackWriter(Pair{Listener: "john", Speaker: "maria"})
	if !ok {
		t.Fatal("expected track for (john, maria)")
	}

	mariaSubs := subscriptionSet(session, "maria")
	if !mariaSubs[mariaTrack.ID()] {
		t.Fatal("maria must subscribe to her translated track")
	}
	if raw, _ := session.RawTrackID("john"); mariaSubs[raw] {
		t.Fatal("maria must not subscribe to john's raw audio")
	}
	if mariaSubs[johnTrack.ID()] {
		t.Fatal("maria must not subscribe to john's private translated track")
	}
	if len(mariaSubs) != 1 {
		t.Fatalf("maria should have exactly one subscription, got %v", mariaSubs)
	}

	johnSubs := subscriptionSet(session, "john")
	if !johnSubs[johnTrack.ID()] || len(johnSubs) != 1 {
		t.Fatalf("john should subscribe only to his translated track, got %v", johnSubs)
	}
}

func TestSameLanguageRoomKeepsRawAudio(t *testing.T) {
	session := transport.NewMemorySession("room")
	join(session, "alice", lang.English)
	join(session, "bob", lang.English)

	r := New(session, newLogger())
	st := stateFor(map[string]lang.Tag{"alice": lang.English, "bob": lang.English})

	if _, err := r.SetTopology(context.Background(), st); err != nil {
		t.Fatalf("set topology: %v", err)
	}

	if len(session.PublishedTracks()) != 0 {
		t.Fatal("no translated tracks should exist in a same-language room")
	}
	rawBob, _ := session.RawTrackID("bob")
	if !subscriptionSet(session, "alice")[rawBob] {
		t.Fatal("alice should hear bob's raw audio")
	}
	rawAlice, _ := session.RawTrackID("alice")
	if !subscriptionSet(session, "bob")[rawAlice] {
		t.Fatal("bob should hear alice's raw audio")
	}
}

func TestThreeLanguageRoomTopology(t *testing.T) {
	session := transport.NewMemorySession("room")
	langs := map[string]lang.Tag{"ana": lang.Spanish, "ben": lang.English, "chloe": lang.French}
	for id, tag := range langs {
		join(session, id, tag)
	}

	r := New(session, newLogger())
	if _, err := r.SetTopology(context.Background(), stateFor(langs)); err != nil {
		t.Fatalf("set topology: %v", err)
	}

	if got := len(session.PublishedTracks()); got != 6 {
		t.Fatalf("expected 6 translated tracks, got %d", got)
	}
	for listener := range langs {
		subs := subscriptionSet(session, listener)
		if len(subs) != 2 {
			t.Fatalf("%s should subscribe to exactly 2 translated tracks, got %v", listener, subs)
		}
		for id := range subs {
			if strings.HasPrefix(id, "raw-") {
				t.Fatalf("%s still subscribed to raw track %s", listener, id)
			}
		}
	}
}

func TestSetTopologyIdempotent(t *testing.T) {
	session := transport.NewMemorySession("room")
	join(session, "maria", lang.Spanish)
	join(session, "john", lang.English)

	r := New(session, newLogger())
	st := stateFor(map[string]lang.Tag{"maria": lang.Spanish, "john": lang.English})

	if _, err := r.SetTopology(context.Background(), st); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	plan, err := r.SetTopology(context.Background(), st)
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if !plan.Empty() {
		t.Fatalf("second application must be a no-op, got %d actions", len(plan.Actions))
	}
}

func TestSwitchOutOfTranslationUnsubscribesTranslatedFirst(t *testing.T) {
	session := transport.NewMemorySession("room")
	join(session, "maria", lang.Spanish)
	join(session, "john", lang.English)

	r := New(session, newLogger())
	if _, err := r.SetTopology(context.Background(), stateFor(map[string]lang.Tag{
		"maria": lang.Spanish, "john": lang.English,
	})); err != nil {
		t.Fatalf("initial apply: %v", err)
	}

	// John switches to Spanish: pipelines disappear, raw restored.
	session.UpdateMetadata("john", transport.ParticipantMeta{Language: lang.Spanish})
	plan, err := r.SetTopology(context.Background(), stateFor(map[string]lang.Tag{
		"maria": lang.Spanish, "john": lang.Spanish,
	}))
	if err != nil {
		t.Fatalf("second apply: %v", err)
	}

	// Per listener the unsubscribe of the translated track must precede the
	// raw subscribe.
	seenUnsub := map[string]int{}
	seenSub := map[string]int{}
	for i, a := range plan.Actions {
		switch a.Kind {
		case ActionUnsubscribe:
			if _, ok := seenUnsub[a.Listener]; !ok {
				seenUnsub[a.Listener] = i
			}
		case ActionSubscribe:
			seenSub[a.Listener] = i
		}
	}
	for listener, subIdx := range seenSub {
		if unsubIdx, ok := seenUnsub[listener]; ok && unsubIdx > subIdx {
			t.Fatalf("listener %s subscribed before unsubscribing", listener)
		}
	}

	if len(session.PublishedTracks()) != 0 {
		t.Fatal("translated tracks should be unpublished after language alignment")
	}
	rawMaria, _ := session.RawTrackID("maria")
	if !subscriptionSet(session, "john")[rawMaria] {
		t.Fatal("john should hear maria's raw audio after switching languages")
	}
}

func TestListenerNeverSubscribesToOwnTracks(t *testing.T) {
	session := transport.NewMemorySession("room")
	langs := map[string]lang.Tag{"ana": lang.Spanish, "ben": lang.English, "chloe": lang.French}
	for id, tag := range langs {
		join(session, id, tag)
	}

	r := New(session, newLogger())
	if _, err := r.SetTopology(context.Background(), stateFor(langs)); err != nil {
		t.Fatalf("set topology: %v", err)
	}

	for listener := range langs {
		raw, _ := session.RawTrackID(listener)
		subs := subscriptionSet(session, listener)
		if subs[raw] {
			t.Fatalf("%s subscribed to own raw track", listener)
		}
		for _, track := range session.PublishedTracks() {
			if track.Listener() != listener && subs[track.ID()] {
				t.Fatalf("%s subscribed to %s's private track", listener, track.Listener())
			}
		}
	}
}
