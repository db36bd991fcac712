package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parlay-labs/interp-core/internal/bus"
	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/httpapi"
	"github.com/parlay-labs/interp-core/internal/natsserver"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/provider"
	"github.com/parlay-labs/interp-core/internal/store"
	"github.com/parlay-labs/interp-core/internal/transport"
	"github.com/parlay-labs/interp-core/internal/worker"
)

// Sentinel errors mapped to worker host exit codes by main.
var (
	// ErrTransportAuth means the media transport rejected our credentials.
	ErrTransportAuth = errors.New("transport auth failure")
	// ErrProviderOutage means a provider stayed unavailable past the grace
	// window.
	ErrProviderOutage = errors.New("provider outage exceeded grace window")
)

// Runtime assembles the worker host process: telemetry, bus, store, cache,
// providers, the host, and the HTTP surface.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *Telemetry
	ready      atomic.Bool
	wg         sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	st, err := store.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	cache, err := profile.NewCache(st,
		time.Duration(r.cfg.ProfileCache.TTLMinutes)*time.Minute,
		r.cfg.ProfileCache.MaxEntries,
		time.Duration(r.cfg.ProfileCache.SweepMinutes)*time.Minute,
		r.logger)
	if err != nil {
		return fmt.Errorf("failed to build profile cache: %w", err)
	}
	cache.Start(ctx)
	defer cache.Close()

	sttOpener, err := buildSTT(r.cfg.STT)
	if err != nil {
		return err
	}
	defer sttOpener.Close()

	translator, err := buildTranslator(r.cfg.Translator)
	if err != nil {
		return err
	}
	defer translator.Close()

	synths, defaultSynth, err := buildSynths(r.cfg.TTS)
	if err != nil {
		return err
	}

	sessions := r.sessionFactory()

	host := worker.NewHost(r.cfg, worker.HostDeps{
		Bus:            busClient,
		Store:          st,
		Profiles:       cache,
		STT:            sttOpener,
		Translator:     translator,
		Synths:         synths,
		DefaultSynth:   defaultSynth,
		Sessions:       sessions,
		Log:            r.logger,
		JobsGauge:      tel.ActiveJobs,
		SegmentLatency: tel.SegmentLatency,
	})
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("failed to start worker host: %w", err)
	}
	defer host.Close()

	registry, err := worker.NewRegistry(ctx, host, busClient, r.logger)
	if err != nil {
		r.logger.Warn("worker registry unavailable", slog.String("error", err.Error()))
	} else {
		defer registry.Close()
	}

	errCh := make(chan error, 2)

	if r.cfg.Worker.DispatchMode == "livekit" {
		agentWorker := worker.NewAgentWorker(r.cfg, host, r.logger)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := agentWorker.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("%w: %v", ErrTransportAuth, err)
			}
		}()
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watchProviders(ctx, errCh, sttOpener, translator)
	}()

	api := httpapi.New(r.cfg, st, cache, busClient, r.ready.Load, r.logger)
	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	if tel.Metrics != nil {
		mux.Handle("/metrics", tel.Metrics)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("worker runtime started", slog.String("addr", addr))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		r.logger.Error("runtime error", slog.String("error", runErr.Error()))
	}

	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return runErr
}

// sessionFactory builds room sessions per the configured transport mode.
func (r *Runtime) sessionFactory() worker.SessionFactory {
	switch r.cfg.Transport.Mode {
	case "livekit":
		return func(ctx context.Context, roomName string) (transport.RoomSession, error) {
			return transport.DialLiveKit(ctx, r.cfg.Transport, roomName, r.logger)
		}
	default:
		return func(_ context.Context, roomName string) (transport.RoomSession, error) {
			return transport.NewMemorySession(roomName), nil
		}
	}
}

// watchProviders polls adapter health; a provider that stays unavailable for
// the full grace window makes the process exit with the outage code.
func (r *Runtime) watchProviders(ctx context.Context, errCh chan<- error, checks ...provider.Capabilities) {
	grace := time.Duration(r.cfg.Worker.ProviderGraceS) * time.Second
	if grace <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			healthy := true
			for _, c := range checks {
				probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := c.Health(probeCtx)
				cancel()
				if err != nil {
					healthy = false
					r.logger.Warn("provider health check failed", slog.String("error", err.Error()))
					break
				}
			}
			if healthy {
				downSince = time.Time{}
				continue
			}
			if downSince.IsZero() {
				downSince = time.Now()
			}
			if time.Since(downSince) >= grace {
				select {
				case errCh <- ErrProviderOutage:
				default:
				}
				return
			}
		}
	}
}
