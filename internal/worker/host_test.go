package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/provider/stt"
	"github.com/parlay-labs/interp-core/internal/provider/translate"
	"github.com/parlay-labs/interp-core/internal/provider/tts"
	"github.com/parlay-labs/interp-core/internal/transport"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type noProfiles struct{}

func (noProfiles) FetchProfile(_ context.Context, identity string) (profile.Snapshot, error) {
	return profile.Snapshot{
		Identity:       identity,
		NativeLanguage: lang.English,
		Voice:          profile.VoiceAvatar{VoiceID: "aura-apollo-en", Provider: "mock"},
	}, nil
}

func newTestHost(t *testing.T) (*Host, map[string]*transport.MemorySession) {
	t.Helper()

	cfg := config.Default()
	cfg.Worker.MaxConcurrentJobs = 2
	cfg.Worker.DrainTimeoutS = 2
	cfg.Pipeline.ReconcileEveryMS = 50

	cache, err := profile.NewCache(noProfiles{}, 30*time.Minute, 64, 0, newLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	sessions := make(map[string]*transport.MemorySession)
	factory := func(_ context.Context, roomName string) (transport.RoomSession, error) {
		s := transport.NewMemorySession(roomName)
		sessions[roomName] = s
		return s, nil
	}

	h := NewHost(cfg, HostDeps{
		Profiles:     cache,
		STT:          stt.NewMockOpener(),
		Translator:   translate.NewMockTranslator(),
		Synths:       map[string]tts.Synthesizer{"mock": tts.NewMockSynth(24000, 1)},
		DefaultSynth: "mock",
		Sessions:     factory,
		Log:          newLogger(),
	})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start host: %v", err)
	}
	t.Cleanup(h.Close)
	return h, sessions
}

func TestRunJobBindsCoordinatorToRoom(t *testing.T) {
	h, sessions := newTestHost(t)

	if err := h.RunJob(Job{RoomID: "r1", RoomName: "room-1", RoomType: "translation"}); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if h.ActiveJobs() != 1 {
		t.Fatalf("expected 1 active job, got %d", h.ActiveJobs())
	}

	session := sessions["room-1"]
	session.Join("maria", transport.ParticipantMeta{Language: lang.Spanish, Avatar: "aura-celeste-es"})
	session.Join("john", transport.ParticipantMeta{Language: lang.English, Avatar: "aura-apollo-en"})

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(session.PublishedTracks()) == 2 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected 2 translated tracks, got %d", len(session.PublishedTracks()))
}

func TestDuplicateJobRejected(t *testing.T) {
	h, _ := newTestHost(t)
	if err := h.RunJob(Job{RoomName: "room-1"}); err != nil {
		t.Fatalf("run job: %v", err)
	}
	if err := h.RunJob(Job{RoomName: "room-1"}); err == nil {
		t.Fatal("expected duplicate job rejection")
	}
}

func TestJobCapacityEnforced(t *testing.T) {
	h, _ := newTestHost(t)
	if err := h.RunJob(Job{RoomName: "room-1"}); err != nil {
		t.Fatalf("job 1: %v", err)
	}
	if err := h.RunJob(Job{RoomName: "room-2"}); err != nil {
		t.Fatalf("job 2: %v", err)
	}
	if err := h.RunJob(Job{RoomName: "room-3"}); err == nil {
		t.Fatal("expected capacity rejection")
	}
	if h.Load() != 1.0 {
		t.Fatalf("expected full load, got %f", h.Load())
	}
}

func TestStopJobTearsDown(t *testing.T) {
	h, sessions := newTestHost(t)
	if err := h.RunJob(Job{RoomName: "room-1"}); err != nil {
		t.Fatalf("run job: %v", err)
	}
	session := sessions["room-1"]
	session.Join("maria", transport.ParticipantMeta{Language: lang.Spanish})

	h.StopJob("room-1")
	if h.ActiveJobs() != 0 {
		t.Fatalf("expected 0 jobs after stop, got %d", h.ActiveJobs())
	}

	// Stopping an unknown room is a no-op.
	h.StopJob("room-missing")
}

func TestCloseRefusesNewJobs(t *testing.T) {
	h, _ := newTestHost(t)
	if err := h.RunJob(Job{RoomName: "room-1"}); err != nil {
		t.Fatalf("run job: %v", err)
	}
	h.Close()
	if err := h.RunJob(Job{RoomName: "room-2"}); err == nil {
		t.Fatal("expected rejection after close")
	}
}
