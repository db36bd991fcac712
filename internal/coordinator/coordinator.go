// Package coordinator owns the authoritative per-room registry of
// participants and pipelines. All mutation happens on a single event loop;
// pipelines hold only a notification handle back, never a reference.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parlay-labs/interp-core/internal/bus"
	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/pipeline"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/protocol"
	"github.com/parlay-labs/interp-core/internal/provider"
	"github.com/parlay-labs/interp-core/internal/provider/stt"
	"github.com/parlay-labs/interp-core/internal/provider/translate"
	"github.com/parlay-labs/interp-core/internal/provider/tts"
	"github.com/parlay-labs/interp-core/internal/router"
	"github.com/parlay-labs/interp-core/internal/store"
	"github.com/parlay-labs/interp-core/internal/transport"
)

// Deps are the room-scoped collaborators.
type Deps struct {
	Session    transport.RoomSession
	Router     *router.Router
	Profiles   *profile.Cache
	STT        stt.Opener
	Translator translate.Translator
	// Synths maps a voice avatar's provider to its synthesizer; the entry
	// under DefaultSynth serves unknown providers.
	Synths       map[string]tts.Synthesizer
	DefaultSynth string
	Bus          *bus.Client
	Store        *store.Store
	// SegmentLatency, when set, receives every pipeline's first-seen to
	// first-audio measurement.
	SegmentLatency metric.Float64Histogram
	Log            *slog.Logger
}

type participant struct {
	identity string
	meta     transport.ParticipantMeta
	joinedAt time.Time
}

// failKey memoizes failed pipeline parameters so an identical pipeline is
// not recreated until a metadata change replaces them.
type failKey struct {
	listener string
	speaker  string
	source   lang.Tag
	target   lang.Tag
	voice    string
}

type eventKind int

const (
	evtPipelineFailed eventKind = iota
	evtStats
	evtTick
)

type event struct {
	kind     eventKind
	failure  pipeline.Event
	statsOut chan protocol.StatsSnapshot
}

// Coordinator runs one room.
type Coordinator struct {
	roomName string
	cfg      config.PipelineConfig
	deps     Deps
	log      *slog.Logger

	registry  map[string]participant
	pipelines map[router.Pair]*pipeline.Pipeline
	failed    map[failKey]bool

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  func() time.Time
}

// New builds a coordinator for one room.
func New(roomName string, cfg config.PipelineConfig, deps Deps) *Coordinator {
	return &Coordinator{
		roomName:  roomName,
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log.With(slog.String("component", "coordinator"), slog.String("room", roomName)),
		registry:  make(map[string]participant),
		pipelines: make(map[router.Pair]*pipeline.Pipeline),
		failed:    make(map[failKey]bool),
		events:    make(chan event, 64),
		clock:     time.Now,
	}
}

// Start seeds the registry from present participants and launches the event
// loop.
func (c *Coordinator) Start(parent context.Context) error {
	c.ctx, c.cancel = context.WithCancel(parent)

	for _, p := range c.deps.Session.Participants() {
		c.registry[p.Identity] = participant{identity: p.Identity, meta: p.Meta, joinedAt: p.JoinedAt}
	}

	c.wg.Add(1)
	go c.run()

	c.reconcileNow()
	c.log.Info("coordinator started", slog.Int("participants", len(c.registry)))
	return nil
}

// reconcileNow queues an immediate reconciliation pass.
func (c *Coordinator) reconcileNow() {
	select {
	case c.events <- event{kind: evtTick}:
	default:
	}
}

// Close drains every pipeline and stops the loop.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

// StatsSnapshot asks the event loop for a consistent view.
func (c *Coordinator) StatsSnapshot(ctx context.Context) (protocol.StatsSnapshot, error) {
	out := make(chan protocol.StatsSnapshot, 1)
	select {
	case c.events <- event{kind: evtStats, statsOut: out}:
	case <-ctx.Done():
		return protocol.StatsSnapshot{}, ctx.Err()
	case <-c.ctx.Done():
		return protocol.StatsSnapshot{}, errors.New("coordinator closed")
	}
	select {
	case snap := <-out:
		return snap, nil
	case <-ctx.Done():
		return protocol.StatsSnapshot{}, ctx.Err()
	case <-c.ctx.Done():
		return protocol.StatsSnapshot{}, errors.New("coordinator closed")
	}
}

// notifyFailure is the handle handed to pipelines.
func (c *Coordinator) notifyFailure(e pipeline.Event) {
	select {
	case c.events <- event{kind: evtPipelineFailed, failure: e}:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()

	interval := time.Duration(c.cfg.ReconcileEveryMS) * time.Millisecond
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	transportEvents := c.deps.Session.Events()
	for {
		select {
		case <-c.ctx.Done():
			c.teardownAll()
			return
		case evt, ok := <-transportEvents:
			if !ok {
				transportEvents = nil
				continue
			}
			c.handleTransportEvent(evt)
			c.reconcile()
		case evt := <-c.events:
			switch evt.kind {
			case evtPipelineFailed:
				c.handlePipelineFailure(evt.failure)
				c.reconcile()
			case evtStats:
				evt.statsOut <- c.snapshotStats()
			case evtTick:
				c.reconcile()
			}
		case <-ticker.C:
			c.reconcile()
		}
	}
}

func (c *Coordinator) handleTransportEvent(evt transport.Event) {
	switch evt.Kind {
	case transport.ParticipantJoined:
		c.registry[evt.Identity] = participant{identity: evt.Identity, meta: evt.Meta, joinedAt: c.clock()}
		c.log.Info("participant joined",
			slog.String("identity", evt.Identity),
			slog.String("language", string(evt.Meta.Language)))
	case transport.ParticipantLeft:
		delete(c.registry, evt.Identity)
		c.log.Info("participant left", slog.String("identity", evt.Identity))
	case transport.MetadataChanged:
		p, ok := c.registry[evt.Identity]
		if !ok {
			return
		}
		p.meta = evt.Meta
		c.registry[evt.Identity] = p
		// New parameters clear the do-not-recreate memo for this identity.
		for key := range c.failed {
			if key.listener == evt.Identity || key.speaker == evt.Identity {
				delete(c.failed, key)
			}
		}
		// The predicate may hold with identical pairs but new language or
		// voice; force-replace every pipeline touching the identity.
		for pair, pl := range c.pipelines {
			if pair.Listener == evt.Identity || pair.Speaker == evt.Identity {
				delete(c.pipelines, pair)
				go pl.Drain()
			}
		}
		c.log.Info("participant metadata changed",
			slog.String("identity", evt.Identity),
			slog.String("language", string(evt.Meta.Language)))
	}
}

func (c *Coordinator) handlePipelineFailure(e pipeline.Event) {
	pair := router.Pair{Listener: e.Listener, Speaker: e.Speaker}
	if _, ok := c.pipelines[pair]; !ok {
		return
	}
	// The failed pipeline terminates itself; only the registry entry and
	// memo need updating here.
	delete(c.pipelines, pair)

	listener, lok := c.registry[e.Listener]
	speaker, sok := c.registry[e.Speaker]
	if lok && sok {
		c.failed[failKey{
			listener: e.Listener,
			speaker:  e.Speaker,
			source:   speaker.meta.Language,
			target:   listener.meta.Language,
			voice:    listener.meta.Avatar,
		}] = true
	}

	detail := e.Reason
	if e.Err != nil {
		detail = fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	c.log.Error("pipeline failed",
		slog.String("listener", e.Listener),
		slog.String("speaker", e.Speaker),
		slog.String("detail", detail))
	c.emitDiagnostic(e.Listener, e.Speaker, "pipeline_failed", detail)
}

// emitDiagnostic fans a failure out to the listener's control channel, the
// bus, and the audit store. None of these paths is load-bearing for audio.
func (c *Coordinator) emitDiagnostic(listener, speaker, kind, detail string) {
	payload, err := json.Marshal(map[string]string{
		"type":    "diagnostic",
		"kind":    kind,
		"speaker": speaker,
		"detail":  detail,
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := c.deps.Session.SendControl(ctx, listener, payload); err != nil {
			c.log.Warn("control channel send failed", slog.String("error", err.Error()))
		}
		cancel()
	}

	if c.deps.Bus != nil {
		msg := protocol.Diagnostic{
			RoomName:  c.roomName,
			Listener:  listener,
			Speaker:   speaker,
			Kind:      kind,
			Detail:    detail,
			Timestamp: c.clock().UTC(),
		}
		if data, err := json.Marshal(msg); err == nil {
			if err := c.deps.Bus.Conn().Publish(protocol.SubjectDiagnostic, data); err != nil {
				c.log.Warn("diagnostic publish failed", slog.String("error", err.Error()))
			}
		}
	}
	if c.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.deps.Store.AppendDiagnostic(ctx, c.roomName, listener, speaker, kind, detail); err != nil {
			c.log.Warn("diagnostic audit write failed", slog.String("error", err.Error()))
		}
		cancel()
	}
}

// expectedPairs derives the pipeline set from the registry: one pipeline per
// ordered pair of present participants with distinct languages, minus pairs
// memoized as failed with identical parameters.
func (c *Coordinator) expectedPairs() []router.Pair {
	var pairs []router.Pair
	for l, lp := range c.registry {
		for s, sp := range c.registry {
			if l == s || lp.meta.Language == sp.meta.Language {
				continue
			}
			key := failKey{
				listener: l,
				speaker:  s,
				source:   sp.meta.Language,
				target:   lp.meta.Language,
				voice:    lp.meta.Avatar,
			}
			if c.failed[key] {
				continue
			}
			pairs = append(pairs, router.Pair{Listener: l, Speaker: s})
		}
	}
	return pairs
}

// reconcile diffs the expected pipeline set against reality and corrects
// drift. It is the recovery path for missed events, so it must be safe to
// run at any time.
func (c *Coordinator) reconcile() {
	expected := c.expectedPairs()
	expectedSet := make(map[router.Pair]bool, len(expected))
	for _, p := range expected {
		expectedSet[p] = true
	}

	// Tear down pipelines whose predicate no longer holds.
	for pair, pl := range c.pipelines {
		if !expectedSet[pair] {
			delete(c.pipelines, pair)
			go pl.Drain()
		}
	}

	// Topology first so new pipelines find their published tracks and
	// listeners never hear untranslated audio while a pipeline spins up.
	state := router.State{Pipelines: expected}
	for _, p := range c.registry {
		state.Participants = append(state.Participants, router.Participant{
			Identity: p.identity,
			Language: p.meta.Language,
		})
	}
	if _, err := c.deps.Router.SetTopology(c.ctx, state); err != nil {
		c.log.Warn("topology apply failed", slog.String("error", err.Error()))
	}

	for _, pair := range expected {
		if _, ok := c.pipelines[pair]; ok {
			continue
		}
		c.spawnPipeline(pair)
	}
}

func (c *Coordinator) spawnPipeline(pair router.Pair) {
	listener, ok := c.registry[pair.Listener]
	if !ok {
		return
	}
	speaker, ok := c.registry[pair.Speaker]
	if !ok {
		return
	}

	snapshot := c.listenerSnapshot(listener)
	synth := c.synthFor(snapshot.Voice.Provider)

	pl := pipeline.New(pipeline.Params{
		RoomName:       c.roomName,
		Listener:       snapshot,
		Speaker:        pair.Speaker,
		SourceLanguage: speaker.meta.Language,
	}, c.cfg, pipeline.Deps{
		Session:    c.deps.Session,
		Router:     c.deps.Router,
		STT:        c.deps.STT,
		Translator: c.deps.Translator,
		TTS:        synth,
		Notify:     c.notifyFailure,
		Latency:    c.deps.SegmentLatency,
		Log:        c.deps.Log,
	})

	if err := pl.Start(c.ctx); err != nil {
		if provider.Permanent(err) {
			c.failed[failKey{
				listener: pair.Listener,
				speaker:  pair.Speaker,
				source:   speaker.meta.Language,
				target:   listener.meta.Language,
				voice:    listener.meta.Avatar,
			}] = true
			c.emitDiagnostic(pair.Listener, pair.Speaker, "pipeline_start_failed", err.Error())
		}
		c.log.Warn("pipeline start failed",
			slog.String("listener", pair.Listener),
			slog.String("speaker", pair.Speaker),
			slog.String("error", err.Error()))
		return
	}
	c.pipelines[pair] = pl
}

// listenerSnapshot merges the authoritative transport metadata (language,
// avatar) over the cached profile (preferences, voice details). The result
// is captured into the pipeline and never re-read.
func (c *Coordinator) listenerSnapshot(p participant) profile.Snapshot {
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	snapshot := c.deps.Profiles.Get(ctx, p.identity)

	if p.meta.Language != "" {
		snapshot.NativeLanguage = p.meta.Language
	}
	if p.meta.Avatar != "" && p.meta.Avatar != snapshot.Voice.VoiceID {
		snapshot.Voice = profile.VoiceAvatar{
			VoiceID:  p.meta.Avatar,
			Provider: snapshot.Voice.Provider,
			Language: snapshot.NativeLanguage,
		}
	}
	return snapshot
}

func (c *Coordinator) synthFor(providerName string) tts.Synthesizer {
	if s, ok := c.deps.Synths[providerName]; ok {
		return s
	}
	return c.deps.Synths[c.deps.DefaultSynth]
}

// snapshotStats runs on the event loop, so it reads a consistent registry.
func (c *Coordinator) snapshotStats() protocol.StatsSnapshot {
	snap := protocol.StatsSnapshot{
		RoomName:     c.roomName,
		Participants: len(c.registry),
		GeneratedAt:  c.clock().UTC(),
	}
	for _, pl := range c.pipelines {
		snap.Pipelines = append(snap.Pipelines, pl.Stats())
	}
	return snap
}

// teardownAll drains every pipeline on shutdown.
func (c *Coordinator) teardownAll() {
	var wg sync.WaitGroup
	for pair, pl := range c.pipelines {
		delete(c.pipelines, pair)
		wg.Add(1)
		go func(pl *pipeline.Pipeline) {
			defer wg.Done()
			pl.Drain()
		}(pl)
	}
	wg.Wait()
	c.log.Info("coordinator stopped")
}

// PipelineCount reports how many pipelines are live.
func (c *Coordinator) PipelineCount(ctx context.Context) int {
	snap, err := c.StatsSnapshot(ctx)
	if err != nil {
		return 0
	}
	return len(snap.Pipelines)
}
