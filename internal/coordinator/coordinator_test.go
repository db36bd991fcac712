package coordinator

import (
	"context"
	"encoding/json"
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
	"github.com/parlay-labs/interp-core/internal/router"
	"github.com/parlay-labs/interp-core/internal/transport"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type staticProfiles struct{}

func (staticProfiles) FetchProfile(_ context.Context, identity string) (profile.Snapshot, error) {
	return profile.Snapshot{
		Identity:       identity,
		NativeLanguage: lang.English,
		Voice:          profile.VoiceAvatar{VoiceID: "aura-apollo-en", Provider: "mock"},
		Preferences:    profile.Preferences{PreserveEmotion: true},
	}, nil
}

type fixture struct {
	session *transport.MemorySession
	coord   *Coordinator
	synth   *tts.MockSynth
	stt     *stt.MockOpener
}

func testCoordinatorConfig() config.PipelineConfig {
	cfg := config.Default().Pipeline
	cfg.ReconcileEveryMS = 50
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	session := transport.NewMemorySession("room")
	synth := tts.NewMockSynth(24000, 1)
	sttOpener := stt.NewMockOpener()

	cache, err := profile.NewCache(staticProfiles{}, 30*time.Minute, 64, 0, newLogger())
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}

	coord := New("room", testCoordinatorConfig(), Deps{
		Session:      session,
		Router:       router.New(session, newLogger()),
		Profiles:     cache,
		STT:          sttOpener,
		Translator:   translate.NewMockTranslator(),
		Synths:       map[string]tts.Synthesizer{"mock": synth},
		DefaultSynth: "mock",
		Log:          newLogger(),
	})
	if err := coord.Start(context.Background()); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(coord.Close)

	return &fixture{session: session, coord: coord, synth: synth, stt: sttOpener}
}

func (f *fixture) waitPipelines(t *testing.T, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		snap, err := f.coord.StatsSnapshot(ctx)
		cancel()
		if err == nil && len(snap.Pipelines) == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, _ := f.coord.StatsSnapshot(ctx)
	t.Fatalf("expected %d pipelines, have %d", want, len(snap.Pipelines))
}

func join(f *fixture, identity string, tag lang.Tag) {
	f.session.Join(identity, transport.ParticipantMeta{Language: tag, Avatar: "aura-apollo-en"})
}

func TestTwoUserRoomSpawnsBothPipelines(t *testing.T) {
	f := newFixture(t)
	join(f, "maria", lang.Spanish)
	join(f, "john", lang.English)

	f.waitPipelines(t, 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	snap, err := f.coord.StatsSnapshot(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	pairs := map[string]bool{}
	for _, p := range snap.Pipelines {
		pairs[p.Listener+"/"+p.Speaker] = true
	}
	if !pairs["maria/john"] || !pairs["john/maria"] {
		t.Fatalf("unexpected pipeline set: %v", pairs)
	}
}

func TestSameLanguageRoomSpawnsNothing(t *testing.T) {
	f := newFixture(t)
	join(f, "alice", lang.English)
	join(f, "bob", lang.English)

	// Give reconciliation a couple of cycles to (incorrectly) act.
	time.Sleep(200 * time.Millisecond)
	f.waitPipelines(t, 0)
	if n := len(f.session.PublishedTracks()); n != 0 {
		t.Fatalf("expected no translated tracks, got %d", n)
	}
}

func TestThreeLanguagesSpawnSixPipelines(t *testing.T) {
	f := newFixture(t)
	join(f, "ana", lang.Spanish)
	join(f, "ben", lang.English)
	join(f, "chloe", lang.French)

	f.waitPipelines(t, 6)
}

func TestParticipantLeftTearsDownPipelines(t *testing.T) {
	f := newFixture(t)
	join(f, "maria", lang.Spanish)
	join(f, "john", lang.English)
	f.waitPipelines(t, 2)

	f.session.Leave("john")
	f.waitPipelines(t, 0)
}

func TestJoinThenImmediateLeaveLeaksNothing(t *testing.T) {
	f := newFixture(t)
	join(f, "maria", lang.Spanish)
	join(f, "john", lang.English)
	f.session.Leave("john")

	time.Sleep(300 * time.Millisecond)
	f.waitPipelines(t, 0)
	if n := len(f.session.PublishedTracks()); n != 0 {
		t.Fatalf("expected no leaked tracks, got %d", n)
	}
}

func TestLanguageChangeRebuildsPipelines(t *testing.T) {
	f := newFixture(t)
	join(f, "maria", lang.Spanish)
	join(f, "john", lang.English)
	f.waitPipelines(t, 2)

	// John aligns with maria: both pipelines must go away.
	f.session.UpdateMetadata("john", transport.ParticipantMeta{Language: lang.Spanish, Avatar: "aura-apollo-en"})
	f.waitPipelines(t, 0)

	// And diverge again: pipelines return.
	f.session.UpdateMetadata("john", transport.ParticipantMeta{Language: lang.French, Avatar: "aura-apollo-en"})
	f.waitPipelines(t, 2)
}

func TestPipelineFailureEmitsDiagnosticAndDoesNotRecreate(t *testing.T) {
	f := newFixture(t)
	join(f, "maria", lang.Spanish)
	// John's avatar is unavailable in the synthesizer.
	f.session.Join("john", transport.ParticipantMeta{Language: lang.English, Avatar: "missing-voice"})
	f.waitPipelines(t, 2)

	// Drive a segment through the (john, maria) pipeline to trip TTS.
	var johnStream *stt.MockStream
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, s := range f.stt.Streams() {
			if s.Language() == lang.Spanish {
				johnStream = s
			}
		}
		if johnStream != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if johnStream == nil {
		t.Fatal("no spanish stt stream opened")
	}
	johnStream.Emit(stt.Result{Text: "hola", IsFinal: true})

	// The (john, maria) pipeline fails and stays down; (maria, john)
	// survives.
	f.waitPipelines(t, 1)

	deadline = time.Now().Add(2 * time.Second)
	var msgs [][]byte
	for time.Now().Before(deadline) {
		msgs = f.session.ControlMessages("john")
		if len(msgs) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if len(msgs) == 0 {
		t.Fatal("expected a diagnostic on john's control channel")
	}
	var payload map[string]string
	if err := json.Unmarshal(msgs[0], &payload); err != nil {
		t.Fatalf("bad diagnostic payload: %v", err)
	}
	if payload["type"] != "diagnostic" || payload["speaker"] != "maria" {
		t.Fatalf("unexpected diagnostic %v", payload)
	}

	// Several reconcile intervals later the failed pipeline is still not
	// recreated with identical parameters.
	time.Sleep(300 * time.Millisecond)
	f.waitPipelines(t, 1)

	// A metadata change lifts the memo.
	f.session.UpdateMetadata("john", transport.ParticipantMeta{Language: lang.English, Avatar: "aura-apollo-en"})
	f.waitPipelines(t, 2)
}

func TestReplayFromEmptyMatchesRegistry(t *testing.T) {
	f := newFixture(t)

	// A churny event log...
	join(f, "ana", lang.Spanish)
	join(f, "ben", lang.English)
	join(f, "chloe", lang.French)
	f.session.Leave("ben")
	f.session.UpdateMetadata("chloe", transport.ParticipantMeta{Language: lang.Spanish, Avatar: "aura-apollo-en"})
	join(f, "ben", lang.English)

	// ...converges to the set derived from the final registry: ana and
	// chloe share Spanish; ben differs from both.
	f.waitPipelines(t, 4)
}
