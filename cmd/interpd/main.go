package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parlay-labs/interp-core/internal/config"
	"github.com/parlay-labs/interp-core/internal/runtime"
)

var version = "0.1.0-dev"

const (
	exitOK             = 0
	exitConfigError    = 1
	exitTransportAuth  = 2
	exitProviderOutage = 3
)

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
		os.Exit(exitConfigError)
	}

	rt := runtime.New(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		switch {
		case errors.Is(err, runtime.ErrTransportAuth):
			os.Exit(exitTransportAuth)
		case errors.Is(err, runtime.ErrProviderOutage):
			os.Exit(exitProviderOutage)
		default:
			os.Exit(exitConfigError)
		}
	}

	logger.Info("shutdown complete")
	os.Exit(exitOK)
}
