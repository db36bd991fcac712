// Package worker runs room-assignment jobs: each job binds a coordinator to
// one room and owns its lifecycle. A single host process runs many jobs
// concurrently, each isolated.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/metric"

	"github.com/parlay-labs/interp-core/internal/bus"
	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/coordinator"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/protocol"
	"github.com/parlay-labs/interp-core/internal/provider/stt"
	"github.com/parlay-labs/interp-core/internal/provider/translate"
	"github.com/parlay-labs/interp-core/internal/provider/tts"
	"github.com/parlay-labs/interp-core/internal/router"
	"github.com/parlay-labs/interp-core/internal/store"
	"github.com/parlay-labs/interp-core/internal/transport"
)

// ErrDraining rejects new jobs while the host shuts down.
var ErrDraining = errors.New("worker draining")

// SessionFactory opens a transport session for a room.
type SessionFactory func(ctx context.Context, roomName string) (transport.RoomSession, error)

// Job describes one room assignment.
type Job struct {
	RoomID       string
	RoomName     string
	RoomType     string
	SeedMetadata map[string]string
}

// HostDeps are process-wide collaborators shared by all jobs.
type HostDeps struct {
	Bus          *bus.Client
	Store        *store.Store
	Profiles     *profile.Cache
	STT          stt.Opener
	Translator   translate.Translator
	Synths       map[string]tts.Synthesizer
	DefaultSynth string
	Sessions     SessionFactory
	Log          *slog.Logger
	// Optional instruments; nil disables reporting.
	JobsGauge      metric.Int64UpDownCounter
	SegmentLatency metric.Float64Histogram
}

// Host accepts jobs from the dispatcher and runs one coordinator per room.
type Host struct {
	cfg      config.Config
	deps     HostDeps
	log      *slog.Logger
	workerID string

	mu       sync.Mutex
	jobs     map[string]*roomJob
	draining bool

	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type roomJob struct {
	job      Job
	session  transport.RoomSession
	coord    *coordinator.Coordinator
	statsSub *nats.Subscription
	cancel   context.CancelFunc
	done     chan struct{}
	started  time.Time
}

// NewHost builds a host; Start wires the dispatch inputs.
func NewHost(cfg config.Config, deps HostDeps) *Host {
	return &Host{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Log.With(slog.String("component", "worker-host")),
		workerID: cfg.WorkerName + "-" + uuid.NewString()[:8],
		jobs:     make(map[string]*roomJob),
	}
}

// WorkerID returns the fleet-unique id of this host.
func (h *Host) WorkerID() string { return h.workerID }

// Start subscribes to bus dispatch subjects when configured. The LiveKit
// dispatch socket is run separately by the agent worker.
func (h *Host) Start(parent context.Context) error {
	h.ctx, h.cancel = context.WithCancel(parent)

	if h.cfg.Worker.DispatchMode == "bus" && h.deps.Bus != nil {
		conn := h.deps.Bus.Conn()

		created, err := conn.Subscribe(protocol.SubjectRoomCreated, h.handleRoomCreated)
		if err != nil {
			return fmt.Errorf("subscribe room created: %w", err)
		}
		h.subs = append(h.subs, created)

		closed, err := conn.Subscribe(protocol.SubjectRoomClosed, h.handleRoomClosed)
		if err != nil {
			return fmt.Errorf("subscribe room closed: %w", err)
		}
		h.subs = append(h.subs, closed)
	}

	if h.deps.Bus != nil {
		invalidated, err := h.deps.Bus.Conn().Subscribe(protocol.SubjectProfileUpdated, h.handleProfileUpdated)
		if err != nil {
			return fmt.Errorf("subscribe profile updates: %w", err)
		}
		h.subs = append(h.subs, invalidated)
	}

	h.log.Info("worker host started",
		slog.String("worker_id", h.workerID),
		slog.String("dispatch_mode", h.cfg.Worker.DispatchMode))
	return nil
}

func (h *Host) handleRoomCreated(msg *nats.Msg) {
	var evt protocol.RoomCreated
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		h.log.Warn("bad room created event", slogError(err))
		return
	}
	job := Job{
		RoomID:       evt.RoomID,
		RoomName:     evt.RoomName,
		RoomType:     evt.RoomType,
		SeedMetadata: evt.SeedMetadata,
	}
	if err := h.RunJob(job); err != nil {
		h.log.Warn("job start rejected",
			slog.String("room", evt.RoomName),
			slogError(err))
	}
}

func (h *Host) handleRoomClosed(msg *nats.Msg) {
	var evt protocol.RoomClosed
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		h.log.Warn("bad room closed event", slogError(err))
		return
	}
	h.StopJob(evt.RoomName)
}

func (h *Host) handleProfileUpdated(msg *nats.Msg) {
	var evt protocol.ProfileUpdated
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		h.log.Warn("bad profile update event", slogError(err))
		return
	}
	h.deps.Profiles.Invalidate(evt.Identity)
}

// RunJob binds a coordinator to the room and supervises it until the job is
// cancelled, the room closes, or the room stays empty past the timeout.
func (h *Host) RunJob(job Job) error {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return ErrDraining
	}
	if _, exists := h.jobs[job.RoomName]; exists {
		h.mu.Unlock()
		return fmt.Errorf("job for room %s already running", job.RoomName)
	}
	if len(h.jobs) >= h.cfg.Worker.MaxConcurrentJobs {
		h.mu.Unlock()
		return fmt.Errorf("at capacity (%d jobs)", h.cfg.Worker.MaxConcurrentJobs)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithCancel(h.ctx)

	session, err := h.deps.Sessions(ctx, job.RoomName)
	if err != nil {
		cancel()
		return fmt.Errorf("open transport session: %w", err)
	}

	coord := coordinator.New(job.RoomName, h.cfg.Pipeline, coordinator.Deps{
		Session:        session,
		Router:         router.New(session, h.deps.Log),
		Profiles:       h.deps.Profiles,
		STT:            h.deps.STT,
		Translator:     h.deps.Translator,
		Synths:         h.deps.Synths,
		DefaultSynth:   h.deps.DefaultSynth,
		Bus:            h.deps.Bus,
		Store:          h.deps.Store,
		SegmentLatency: h.deps.SegmentLatency,
		Log:            h.deps.Log,
	})
	if err := coord.Start(ctx); err != nil {
		session.Close()
		cancel()
		return fmt.Errorf("start coordinator: %w", err)
	}

	rj := &roomJob{
		job:     job,
		session: session,
		coord:   coord,
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}

	if h.deps.Bus != nil {
		sub, err := h.deps.Bus.Conn().Subscribe(protocol.StatsSubject(job.RoomName), func(msg *nats.Msg) {
			reqCtx, reqCancel := context.WithTimeout(h.ctx, 2*time.Second)
			defer reqCancel()
			snap, err := coord.StatsSnapshot(reqCtx)
			if err != nil {
				return
			}
			if data, err := json.Marshal(snap); err == nil {
				_ = msg.Respond(data)
			}
		})
		if err != nil {
			h.log.Warn("stats subscription failed", slogError(err))
		} else {
			rj.statsSub = sub
		}
	}

	h.mu.Lock()
	h.jobs[job.RoomName] = rj
	h.mu.Unlock()
	if h.deps.JobsGauge != nil {
		h.deps.JobsGauge.Add(h.ctx, 1)
	}

	h.wg.Add(1)
	go h.superviseJob(ctx, rj)

	h.log.Info("job started",
		slog.String("room", job.RoomName),
		slog.String("room_type", job.RoomType))
	return nil
}

// superviseJob watches for cancellation and the empty-room timeout.
func (h *Host) superviseJob(ctx context.Context, rj *roomJob) {
	defer h.wg.Done()
	defer close(rj.done)

	emptyTimeout := time.Duration(h.cfg.Worker.EmptyRoomTimeoutS) * time.Second
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var emptySince time.Time
	for {
		select {
		case <-ctx.Done():
			h.finishJob(rj, "cancelled")
			return
		case <-ticker.C:
			if len(rj.session.Participants()) == 0 {
				if emptySince.IsZero() {
					emptySince = time.Now()
				}
				if emptyTimeout > 0 && time.Since(emptySince) >= emptyTimeout {
					h.finishJob(rj, "empty room timeout")
					return
				}
			} else {
				emptySince = time.Time{}
			}
		}
	}
}

func (h *Host) finishJob(rj *roomJob, reason string) {
	h.mu.Lock()
	delete(h.jobs, rj.job.RoomName)
	h.mu.Unlock()
	if h.deps.JobsGauge != nil {
		h.deps.JobsGauge.Add(context.Background(), -1)
	}

	if rj.statsSub != nil {
		_ = rj.statsSub.Drain()
	}
	rj.coord.Close()
	rj.session.Close()
	rj.cancel()

	if h.deps.Store != nil && rj.job.RoomID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := h.deps.Store.SetRoomActive(ctx, rj.job.RoomID, false); err != nil {
			h.log.Warn("room deactivation failed", slogError(err))
		}
		cancel()
	}

	h.log.Info("job finished",
		slog.String("room", rj.job.RoomName),
		slog.String("reason", reason),
		slog.Duration("uptime", time.Since(rj.started)))
}

// StopJob cancels the job for a room, if any, and waits for it to finish.
func (h *Host) StopJob(roomName string) {
	h.mu.Lock()
	rj, ok := h.jobs[roomName]
	h.mu.Unlock()
	if !ok {
		return
	}
	rj.cancel()
	<-rj.done
}

// ActiveJobs reports how many rooms this host currently serves.
func (h *Host) ActiveJobs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

// Load is the 0..1 occupancy fraction reported to the dispatcher.
func (h *Host) Load() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	load := float64(len(h.jobs)) / float64(h.cfg.Worker.MaxConcurrentJobs)
	if load > 1 {
		load = 1
	}
	return load
}

// Draining reports whether the host refuses new jobs.
func (h *Host) Draining() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.draining
}

// Close drains: no new jobs, existing jobs get the configured window to
// finish, then everything is cancelled.
func (h *Host) Close() {
	h.mu.Lock()
	h.draining = true
	jobs := make([]*roomJob, 0, len(h.jobs))
	for _, rj := range h.jobs {
		jobs = append(jobs, rj)
	}
	h.mu.Unlock()

	for _, sub := range h.subs {
		_ = sub.Drain()
	}

	for _, rj := range jobs {
		rj.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	drain := time.Duration(h.cfg.Worker.DrainTimeoutS) * time.Second
	if drain <= 0 {
		drain = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(drain):
		h.log.Warn("drain timeout exceeded, forcing shutdown")
	}

	h.cancel()
	h.log.Info("worker host stopped")
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
