package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/parlay-labs/interp-core/internal/bus"
	"github.com/parlay-labs/interp-core/internal/protocol"
)

// WorkerInfo is the registry's view of one host in the fleet.
type WorkerInfo struct {
	WorkerID  string
	AgentName string
	Namespace string
	MaxJobs   int
	Load      float64
	Draining  bool
	LastSeen  time.Time
	Healthy   bool
}

// Registry tracks the worker fleet over the bus: every host announces on
// start and heartbeats with its load; peers mark silent hosts unhealthy.
type Registry struct {
	host      *Host
	interval  time.Duration
	timeout   time.Duration
	log       *slog.Logger
	bus       *bus.Client
	mu        sync.RWMutex
	workers   map[string]*WorkerInfo
	heartbeat *time.Ticker
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
	gauge     metric.Int64ObservableGauge
}

// NewRegistry subscribes, announces this host, and begins heartbeating.
func NewRegistry(ctx context.Context, host *Host, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		host:     host,
		interval: 2 * time.Second,
		timeout:  6 * time.Second,
		log:      log.With(slog.String("component", "worker-registry")),
		bus:      busClient,
		workers:  make(map[string]*WorkerInfo),
		meter:    otel.Meter("github.com/parlay-labs/interp-core/worker"),
		cancel:   cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	r.heartbeat = time.NewTicker(r.interval)
	go r.runHeartbeat(ctx)
	go r.monitorHealth(ctx)

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce worker", slogError(err))
	}

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("interp.workers.healthy",
		metric.WithDescription("Healthy worker hosts visible on the bus"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			var healthy int64
			for _, w := range r.workers {
				if w.Healthy {
					healthy++
				}
			}
			o.Observe(healthy)
			return nil
		}))
	if err != nil {
		return err
	}
	r.gauge = gauge
	return nil
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()

	announceSub, err := conn.Subscribe(protocol.SubjectWorkerAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectWorkerHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) announce() error {
	msg := protocol.WorkerAnnounce{
		WorkerID:  r.host.WorkerID(),
		AgentName: r.host.cfg.Worker.AgentName,
		Namespace: r.host.cfg.Worker.Namespace,
		MaxJobs:   r.host.cfg.Worker.MaxConcurrentJobs,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectWorkerAnnounce, data)
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		}
	}
}

func (r *Registry) publishHeartbeat() error {
	msg := protocol.WorkerHeartbeat{
		WorkerID:   r.host.WorkerID(),
		ActiveJobs: r.host.ActiveJobs(),
		Load:       r.host.Load(),
		Draining:   r.host.Draining(),
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectWorkerHeartbeat, data)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var evt protocol.WorkerAnnounce
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		r.log.Warn("bad worker announce", slogError(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[evt.WorkerID] = &WorkerInfo{
		WorkerID:  evt.WorkerID,
		AgentName: evt.AgentName,
		Namespace: evt.Namespace,
		MaxJobs:   evt.MaxJobs,
		LastSeen:  time.Now(),
		Healthy:   true,
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var evt protocol.WorkerHeartbeat
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		r.log.Warn("bad worker heartbeat", slogError(err))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[evt.WorkerID]
	if !ok {
		w = &WorkerInfo{WorkerID: evt.WorkerID}
		r.workers[evt.WorkerID] = w
	}
	w.Load = evt.Load
	w.Draining = evt.Draining
	w.LastSeen = time.Now()
	w.Healthy = true
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for _, w := range r.workers {
				if time.Since(w.LastSeen) > r.timeout && w.Healthy {
					w.Healthy = false
					r.log.Warn("worker went silent", slog.String("worker_id", w.WorkerID))
				}
			}
			r.mu.Unlock()
		}
	}
}

// Workers snapshots the known fleet.
func (r *Registry) Workers() []WorkerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}
