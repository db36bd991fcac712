// Package pipeline runs one (listener, speaker) translation unit: speaker
// audio in, listener-private translated audio out. Three cooperative tasks
// (STT reader, buffer worker, TTS writer) are joined by two bounded queues;
// the buffer's segment map is the only shared state and is single-writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/parlay-labs/interp-core/internal/buffer"
	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/lang"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/protocol"
	"github.com/parlay-labs/interp-core/internal/provider"
	"github.com/parlay-labs/interp-core/internal/provider/stt"
	"github.com/parlay-labs/interp-core/internal/provider/translate"
	"github.com/parlay-labs/interp-core/internal/provider/tts"
	"github.com/parlay-labs/interp-core/internal/router"
	"github.com/parlay-labs/interp-core/internal/transport"
)

// State is the pipeline lifecycle position.
type State int32

const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateFailed
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateFailed:
		return "failed"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Event is the structured failure notice sent back to the coordinator
// through its handle.
type Event struct {
	Listener string
	Speaker  string
	Reason   string
	Err      error
}

// Deps are the collaborators a pipeline borrows; it owns none of them except
// the speaker feed and STT stream it opens.
type Deps struct {
	Session    transport.RoomSession
	Router     *router.Router
	STT        stt.Opener
	Translator translate.Translator
	TTS        tts.Synthesizer
	// Notify is the opaque handle back to the coordinator; never a direct
	// reference.
	Notify func(Event)
	// Latency, when set, receives per-segment first-audio latencies.
	Latency metric.Float64Histogram
	Log     *slog.Logger
}

// Params fix the pair this pipeline serves. The listener snapshot is
// immutable; profile changes replace the pipeline.
type Params struct {
	RoomName       string
	Listener       profile.Snapshot
	Speaker        string
	SourceLanguage lang.Tag
}

// Pipeline is one directional translation unit.
type Pipeline struct {
	params Params
	cfg    config.PipelineConfig
	deps   Deps
	log    *slog.Logger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	feed      transport.AudioFeed
	sttStream stt.Stream
	track     transport.TrackWriter
	buf       *buffer.Buffer

	wg          sync.WaitGroup
	releaseOnce sync.Once
	failOnce    sync.Once
}

// New builds a pipeline; Start performs all I/O.
func New(params Params, cfg config.PipelineConfig, deps Deps) *Pipeline {
	p := &Pipeline{
		params: params,
		cfg:    cfg,
		deps:   deps,
		log: deps.Log.With(
			slog.String("component", "pipeline"),
			slog.String("listener", params.Listener.Identity),
			slog.String("speaker", params.Speaker),
		),
	}
	p.state.Store(int32(StateInitializing))
	return p
}

// Pair returns the router key for this pipeline.
func (p *Pipeline) Pair() router.Pair {
	return router.Pair{Listener: p.params.Listener.Identity, Speaker: p.params.Speaker}
}

// State reports the current lifecycle position.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// TrackID returns the outbound track id once running.
func (p *Pipeline) TrackID() string {
	if p.track == nil {
		return ""
	}
	return p.track.ID()
}

// Start opens the speaker feed, the STT stream, and the outbound track, then
// launches the three stage tasks. The router must have published the
// pipeline's track before Start is called.
func (p *Pipeline) Start(parent context.Context) error {
	if State(p.state.Load()) != StateInitializing {
		return fmt.Errorf("start from state %s", p.State())
	}
	p.ctx, p.cancel = context.WithCancel(parent)

	track, ok := p.deps.Router.TrackWriter(p.Pair())
	if !ok {
		p.cancel()
		return fmt.Errorf("no published track for (%s,%s)", p.params.Listener.Identity, p.params.Speaker)
	}
	p.track = track

	feed, err := p.deps.Session.OpenSpeakerFeed(p.ctx, p.params.Speaker)
	if err != nil {
		p.cancel()
		return fmt.Errorf("open speaker feed: %w", err)
	}
	p.feed = feed

	stream, err := p.deps.STT.Open(p.ctx, p.params.SourceLanguage)
	if err != nil {
		feed.Close()
		p.cancel()
		return fmt.Errorf("open stt stream: %w", err)
	}
	p.sttStream = stream

	p.buf = buffer.New(buffer.Config{
		MaxDelay:       time.Duration(p.cfg.MaxDelayMS) * time.Millisecond,
		InterimTrigger: time.Duration(p.cfg.InterimTriggerMS) * time.Millisecond,
		UtteranceEnd:   time.Duration(p.cfg.UtteranceEndMS) * time.Millisecond,
		OutCapacity:    p.cfg.TTSQueueSize,
		Retry: provider.RetryPolicy{
			MaxAttempts: p.cfg.RetryMaxAttempts,
			Budget:      time.Duration(p.cfg.RetryBudgetMS) * time.Millisecond,
		},
		Source:      p.params.SourceLanguage,
		Target:      p.params.Listener.NativeLanguage,
		Preferences: translate.Preferences(p.params.Listener.Preferences),
	}, p.deps.Translator, p.log)

	sttOut := make(chan stt.Result, p.cfg.STTQueueSize)

	p.wg.Add(3)
	go p.runReader(sttOut)
	go func() {
		defer p.wg.Done()
		p.buf.Run(p.ctx, sttOut)
	}()
	go p.runTTSWriter()

	p.state.Store(int32(StateRunning))
	p.log.Info("pipeline running",
		slog.String("source", string(p.params.SourceLanguage)),
		slog.String("target", string(p.params.Listener.NativeLanguage)),
		slog.String("track", p.track.ID()))
	return nil
}

// runReader pumps speaker audio into STT and forwards hypotheses into the
// bounded STT-out queue. Ingress is never blocked by downstream slowness:
// when the queue is full the hypothesis is dropped.
func (p *Pipeline) runReader(sttOut chan<- stt.Result) {
	defer p.wg.Done()
	defer close(sttOut)

	frames := p.feed.Frames()
	results := p.sttStream.Results()
	for {
		select {
		case <-p.ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				// Speaker feed ended; close the STT stream so remaining
				// hypotheses flush and the results channel closes.
				frames = nil
				p.sttStream.Close()
				continue
			}
			if err := p.sttStream.Push(p.ctx, stt.Frame{
				PCM:        frame.PCM,
				SampleRate: frame.SampleRate,
				Channels:   frame.Channels,
			}); err != nil {
				if errors.Is(err, provider.ErrClosed) {
					continue
				}
				p.log.Warn("stt push failed", slog.String("error", err.Error()))
			}
		case r, ok := <-results:
			if !ok {
				return
			}
			select {
			case sttOut <- r:
			default:
				p.log.Warn("stt queue full, hypothesis dropped",
					slog.String("segment", r.SegmentID))
			}
		}
	}
}

// runTTSWriter consumes speak jobs strictly in order; segment k's first
// audio is written before segment k+1 is synthesized at all.
func (p *Pipeline) runTTSWriter() {
	defer p.wg.Done()

	for job := range p.buf.Out() {
		if err := p.speak(job); err != nil {
			if provider.Permanent(err) {
				p.failAsync("tts", err)
				return
			}
			p.log.Warn("segment dropped after tts failure",
				slog.String("segment", job.SegmentID),
				slog.String("error", err.Error()))
		}
	}
}

// speak synthesizes one job and writes its frames to the outbound track.
// Transient errors are retried only while no audio has been written.
func (p *Pipeline) speak(job buffer.SpeakJob) error {
	var lastErr error
	for attempt := 0; attempt < p.cfg.RetryMaxAttempts; attempt++ {
		wrote, err := p.synthesizeOnce(job)
		if err == nil {
			return nil
		}
		lastErr = err
		if wrote || !provider.Transient(err) || p.ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (p *Pipeline) synthesizeOnce(job buffer.SpeakJob) (bool, error) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	chunks, errs := p.deps.TTS.Synthesize(ctx, tts.Request{
		Text:     job.Text,
		Voice:    p.params.Listener.Voice.VoiceID,
		Language: p.params.Listener.NativeLanguage,
	})

	wrote := false
	for {
		select {
		case <-p.ctx.Done():
			return wrote, p.ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				if errs == nil {
					return wrote, nil
				}
				continue
			}
			if !wrote {
				now := time.Now()
				p.buf.RecordFirstAudio(job, now)
				if p.deps.Latency != nil {
					p.deps.Latency.Record(p.ctx, float64(now.Sub(job.FirstSeenAt).Milliseconds()))
				}
				wrote = true
			}
			if err := p.track.WriteFrame(p.ctx, transport.AudioFrame{
				PCM:        chunk.PCM,
				SampleRate: chunk.SampleRate,
				Channels:   chunk.Channels,
			}); err != nil {
				return wrote, err
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				if chunks == nil {
					return wrote, nil
				}
				continue
			}
			if err != nil {
				return wrote, err
			}
		}
	}
}

// failAsync records a permanent failure once, notifies the coordinator, and
// terminates.
func (p *Pipeline) failAsync(stage string, err error) {
	p.failOnce.Do(func() {
		p.state.Store(int32(StateFailed))
		p.log.Error("pipeline failed",
			slog.String("stage", stage),
			slog.String("error", err.Error()))
		if p.deps.Notify != nil {
			p.deps.Notify(Event{
				Listener: p.params.Listener.Identity,
				Speaker:  p.params.Speaker,
				Reason:   stage,
				Err:      err,
			})
		}
		go p.Terminate()
	})
}

// Drain stops intake and lets in-flight work finish: STT closes, the buffer
// flushes segments whose deadline has not passed, TTS completes, then
// resources are released. Returns when done or after the grace window.
func (p *Pipeline) Drain() {
	if !p.state.CompareAndSwap(int32(StateRunning), int32(StateDraining)) {
		p.Terminate()
		return
	}
	p.log.Info("pipeline draining")

	if p.feed != nil {
		p.feed.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	grace := time.Duration(p.cfg.DrainGraceMS) * time.Millisecond
	select {
	case <-done:
	case <-time.After(grace):
		p.log.Warn("drain grace exceeded, forcing teardown")
	}
	p.Terminate()
}

// Terminate cancels everything and releases resources. Idempotent.
func (p *Pipeline) Terminate() {
	p.releaseOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		grace := time.Duration(p.cfg.DrainGraceMS) * time.Millisecond
		if grace <= 0 {
			grace = 2 * time.Second
		}
		select {
		case <-done:
		case <-time.After(grace):
			p.log.Warn("tasks did not acknowledge cancellation in time")
		}

		if p.sttStream != nil {
			p.sttStream.Close()
		}
		if p.feed != nil {
			p.feed.Close()
		}
		p.state.Store(int32(StateTerminated))
		p.log.Info("pipeline terminated")
	})
}

// Stats summarizes the pipeline for coordinator snapshots.
func (p *Pipeline) Stats() protocol.PipelineStats {
	stats := protocol.PipelineStats{
		Listener:       p.params.Listener.Identity,
		Speaker:        p.params.Speaker,
		SourceLanguage: string(p.params.SourceLanguage),
		TargetLanguage: string(p.params.Listener.NativeLanguage),
		State:          p.State().String(),
	}
	if p.buf != nil {
		snap := p.buf.StatsSnapshot()
		stats.SegmentsCompleted = snap.Completed
		stats.SegmentsFailed = snap.Failed
		stats.SegmentsDropped = snap.Missed
		stats.PendingSegments = snap.Pending
		stats.AvgLatencyMS = snap.AvgLatencyMS
		stats.P95LatencyMS = snap.P95LatencyMS
	}
	return stats
}
