package transport

import (
	"context"
	"testing"

	"github.com/parlay-labs/interp-core/internal/lang"
)

func TestJoinLeaveEmitsEvents(t *testing.T) {
	s := NewMemorySession("room")
	defer s.Close()

	s.Join("maria", ParticipantMeta{Language: lang.Spanish})
	evt := <-s.Events()
	if evt.Kind != ParticipantJoined || evt.Identity != "maria" {
		t.Fatalf("unexpected event %+v", evt)
	}
	if len(s.Participants()) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(s.Participants()))
	}

	s.Leave("maria")
	evt = <-s.Events()
	if evt.Kind != ParticipantLeft {
		t.Fatalf("unexpected event %+v", evt)
	}
	if len(s.Participants()) != 0 {
		t.Fatal("participant should be gone")
	}
}

func TestSpeakerFeedDeliversFrames(t *testing.T) {
	s := NewMemorySession("room")
	defer s.Close()
	s.Join("maria", ParticipantMeta{Language: lang.Spanish})

	feed, err := s.OpenSpeakerFeed(context.Background(), "maria")
	if err != nil {
		t.Fatalf("open feed: %v", err)
	}
	s.PushSpeakerAudio("maria", AudioFrame{PCM: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	frame := <-feed.Frames()
	if len(frame.PCM) != 3 {
		t.Fatalf("unexpected frame %+v", frame)
	}

	// Feeds close when the speaker leaves.
	s.Leave("maria")
	if _, ok := <-feed.Frames(); ok {
		t.Fatal("feed should close when the speaker leaves")
	}
}

func TestOpenFeedForAbsentSpeakerFails(t *testing.T) {
	s := NewMemorySession("room")
	defer s.Close()
	if _, err := s.OpenSpeakerFeed(context.Background(), "ghost"); err != ErrNoSuchParticipant {
		t.Fatalf("expected ErrNoSuchParticipant, got %v", err)
	}
}

func TestSubscribeValidatesTrack(t *testing.T) {
	s := NewMemorySession("room")
	defer s.Close()
	s.Join("maria", ParticipantMeta{Language: lang.Spanish})

	if err := s.Subscribe(context.Background(), "maria", "no-such-track"); err != ErrNoSuchTrack {
		t.Fatalf("expected ErrNoSuchTrack, got %v", err)
	}

	s.Join("john", ParticipantMeta{Language: lang.English})
	raw, _ := s.RawTrackID("john")
	if err := s.Subscribe(context.Background(), "maria", raw); err != nil {
		t.Fatalf("subscribe raw: %v", err)
	}
	if subs := s.Subscriptions("maria"); len(subs) != 1 || subs[0] != raw {
		t.Fatalf("unexpected subscriptions %v", subs)
	}
}

func TestUnpublishRemovesSubscriptions(t *testing.T) {
	s := NewMemorySession("room")
	defer s.Close()
	s.Join("john", ParticipantMeta{Language: lang.English})

	track, err := s.PublishTrack(context.Background(), "john", "translated-maria-for-john")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := s.Subscribe(context.Background(), "john", track.ID()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := s.UnpublishTrack(context.Background(), track.ID()); err != nil {
		t.Fatalf("unpublish: %v", err)
	}
	if subs := s.Subscriptions("john"); len(subs) != 0 {
		t.Fatalf("subscription should be dropped with the track, got %v", subs)
	}
}

func TestControlMessagesRecorded(t *testing.T) {
	s := NewMemorySession("room")
	defer s.Close()
	s.Join("john", ParticipantMeta{Language: lang.English})

	if err := s.SendControl(context.Background(), "john", []byte(`{"type":"diagnostic"}`)); err != nil {
		t.Fatalf("send control: %v", err)
	}
	msgs := s.ControlMessages("john")
	if len(msgs) != 1 || string(msgs[0]) != `{"type":"diagnostic"}` {
		t.Fatalf("unexpected control messages %v", msgs)
	}
}

func TestParseMetaRoundTrip(t *testing.T) {
	meta := parseMeta(`{"language":"es","avatar":"aura-celeste-es","room_type":"translation"}`)
	if meta.Language != lang.Spanish || meta.Avatar != "aura-celeste-es" || meta.RoomType != "translation" {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if m := parseMeta("not-json"); m.Language != "" {
		t.Fatalf("invalid metadata must parse to zero meta, got %+v", m)
	}
	if m := parseMeta(`{"language":"xx"}`); m.Language != "" {
		t.Fatalf("unknown language must be dropped, got %+v", m)
	}
}
