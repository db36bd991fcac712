package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlay-labs/interp-core/internal/bus"
	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/httpapi"
	"github.com/parlay-labs/interp-core/internal/profile"
	"github.com/parlay-labs/interp-core/internal/store"
)

// interp-api serves only the management surface; worker hosts run
// separately and receive room jobs over the bus.

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "interp.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busClient, err := bus.Connect(cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to connect to bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer busClient.Close()

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()

	cache, err := profile.NewCache(st,
		time.Duration(cfg.ProfileCache.TTLMinutes)*time.Minute,
		cfg.ProfileCache.MaxEntries,
		time.Duration(cfg.ProfileCache.SweepMinutes)*time.Minute,
		logger)
	if err != nil {
		logger.Error("failed to build profile cache", slog.String("error", err.Error()))
		os.Exit(1)
	}
	cache.Start(ctx)
	defer cache.Close()

	api := httpapi.New(cfg, st, cache, busClient, nil, logger)
	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Bind, cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api server started", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	logger.Info("api stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("shutdown complete")
}
