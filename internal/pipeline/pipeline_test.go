package pipeline

import (
	"context"
	"io"
	"log/slog"
	"sync"
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

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MaxDelayMS:       500,
		InterimTriggerMS: 100,
		UtteranceEndMS:   2000,
		STTQueueSize:     16,
		TTSQueueSize:     8,
		RetryMaxAttempts: 3,
		RetryBudgetMS:    1000,
		DrainGraceMS:     2000,
	}
}

type fixture struct {
	session    *transport.MemorySession
	router     *router.Router
	sttOpener  *stt.MockOpener
	translator *translate.MockTranslator
	synth      *tts.MockSynth
	events     []Event
	eventMu    sync.Mutex
	pipeline   *Pipeline
}

func (f *fixture) notify(e Event) {
	f.eventMu.Lock()
	defer f.eventMu.Unlock()
	f.events = append(f.events, e)
}

func (f *fixture) eventCount() int {
	f.eventMu.Lock()
	defer f.eventMu.Unlock()
	return len(f.events)
}

// newFixture wires a (john listens to maria) pipeline over the in-memory
// transport with the router topology already applied.
func newFixture(t *testing.T, listenerVoice string) *fixture {
	t.Helper()

	f := &fixture{
		session:    transport.NewMemorySession("room"),
		sttOpener:  stt.NewMockOpener(),
		translator: translate.NewMockTranslator(),
		synth:      tts.NewMockSynth(24000, 1),
	}
	f.router = router.New(f.session, newLogger())

	f.session.Join("maria", transport.ParticipantMeta{Language: lang.Spanish, Avatar: "aura-celeste-es"})
	f.session.Join("john", transport.ParticipantMeta{Language: lang.English, Avatar: listenerVoice})

	_, err := f.router.SetTopology(context.Background(), router.State{
		Participants: []router.Participant{
			{Identity: "maria", Language: lang.Spanish},
			{Identity: "john", Language: lang.English},
		},
		Pipelines: []router.Pair{
			{Listener: "john", Speaker: "maria"},
			{Listener: "maria", Speaker: "john"},
		},
	})
	if err != nil {
		t.Fatalf("set topology: %v", err)
	}

	listener := profile.Snapshot{
		Identity:       "john",
		NativeLanguage: lang.English,
		Voice:          profile.VoiceAvatar{VoiceID: listenerVoice, Provider: "mock", Language: lang.English},
		Preferences:    profile.Preferences{PreserveEmotion: true},
	}
	f.pipeline = New(Params{
		RoomName:       "room",
		Listener:       listener,
		Speaker:        "maria",
		SourceLanguage: lang.Spanish,
	}, testPipelineConfig(), Deps{
		Session:    f.session,
		Router:     f.router,
		STT:        f.sttOpener,
		Translator: f.translator,
		TTS:        f.synth,
		Notify:     f.notify,
		Log:        newLogger(),
	})
	return f
}

func (f *fixture) sttStream(t *testing.T) *stt.MockStream {
	t.Helper()
	streams := f.sttOpener.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected 1 stt stream, got %d", len(streams))
	}
	return streams[0]
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAudioFlowsEndToEnd(t *testing.T) {
	f := newFixture(t, "aura-apollo-en")
	if err := f.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipeline.Terminate()

	if f.pipeline.State() != StateRunning {
		t.Fatalf("expected running, got %s", f.pipeline.State())
	}

	// Speaker audio reaches the STT stream.
	f.session.PushSpeakerAudio("maria", transport.AudioFrame{PCM: make([]byte, 320), SampleRate: 16000, Channels: 1})
	stream := f.sttStream(t)
	waitFor(t, time.Second, func() bool { return len(stream.Frames()) == 1 })
	if stream.Language() != lang.Spanish {
		t.Fatalf("stt opened with %s, want es", stream.Language())
	}

	// A final hypothesis produces translated audio on john's private track.
	stream.Emit(stt.Result{Text: "hola amigo", IsFinal: true})

	track, ok := f.session.Track(f.pipeline.TrackID())
	if !ok {
		t.Fatal("pipeline track not published")
	}
	waitFor(t, 2*time.Second, func() bool { return len(track.Frames()) > 0 })

	reqs := f.synth.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 synthesis, got %d", len(reqs))
	}
	if reqs[0].Voice != "aura-apollo-en" {
		t.Fatalf("synthesis used voice %q, want listener's avatar", reqs[0].Voice)
	}
	if reqs[0].Text != "[es->en] hola amigo" {
		t.Fatalf("unexpected synthesized text %q", reqs[0].Text)
	}

	stats := f.pipeline.Stats()
	if stats.SegmentsCompleted != 1 {
		t.Fatalf("expected 1 completed segment, got %d", stats.SegmentsCompleted)
	}
}

func TestSegmentsSpokenInOrder(t *testing.T) {
	f := newFixture(t, "aura-apollo-en")
	f.synth.Latency = 30 * time.Millisecond
	if err := f.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.pipeline.Terminate()

	stream := f.sttStream(t)
	stream.Emit(stt.Result{Text: "primero", IsFinal: true})
	stream.Emit(stt.Result{Text: "segundo", IsFinal: true})
	stream.Emit(stt.Result{Text: "tercero", IsFinal: true})

	waitFor(t, 3*time.Second, func() bool { return len(f.synth.Requests()) == 3 })
	reqs := f.synth.Requests()
	want := []string{"[es->en] primero", "[es->en] segundo", "[es->en] tercero"}
	for i, w := range want {
		if reqs[i].Text != w {
			t.Fatalf("synthesis order mismatch at %d: got %q want %q", i, reqs[i].Text, w)
		}
	}
}

func TestVoiceUnavailableFailsPipeline(t *testing.T) {
	f := newFixture(t, "missing-voice")
	if err := f.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stream := f.sttStream(t)
	stream.Emit(stt.Result{Text: "hola", IsFinal: true})

	waitFor(t, 2*time.Second, func() bool { return f.eventCount() == 1 })
	f.eventMu.Lock()
	evt := f.events[0]
	f.eventMu.Unlock()
	if evt.Listener != "john" || evt.Speaker != "maria" {
		t.Fatalf("unexpected event %+v", evt)
	}

	waitFor(t, 3*time.Second, func() bool { return f.pipeline.State() == StateTerminated })
}

func TestDrainFlushesAndTerminates(t *testing.T) {
	f := newFixture(t, "aura-apollo-en")
	if err := f.pipeline.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stream := f.sttStream(t)
	stream.Emit(stt.Result{Text: "adios", IsFinal: true})

	waitFor(t, 2*time.Second, func() bool { return len(f.synth.Requests()) == 1 })

	f.pipeline.Drain()
	if f.pipeline.State() != StateTerminated {
		t.Fatalf("expected terminated after drain, got %s", f.pipeline.State())
	}

	// Terminate is idempotent.
	f.pipeline.Terminate()
	if f.pipeline.State() != StateTerminated {
		t.Fatal("terminate must be idempotent")
	}
}

func TestStartWithoutPublishedTrackFails(t *testing.T) {
	session := transport.NewMemorySession("room")
	session.Join("maria", transport.ParticipantMeta{Language: lang.Spanish})
	session.Join("john", transport.ParticipantMeta{Language: lang.English})
	r := router.New(session, newLogger())

	p := New(Params{
		RoomName:       "room",
		Listener:       profile.Snapshot{Identity: "john", NativeLanguage: lang.English},
		Speaker:        "maria",
		SourceLanguage: lang.Spanish,
	}, testPipelineConfig(), Deps{
		Session:    session,
		Router:     r,
		STT:        stt.NewMockOpener(),
		Translator: translate.NewMockTranslator(),
		TTS:        tts.NewMockSynth(24000, 1),
		Log:        newLogger(),
	})
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("expected start to fail without a published track")
	}
}
