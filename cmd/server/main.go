// Package main provides the entry point for the ego-cse HTTP server.
// It serves personal Google Custom Search Engines built from FriendFeed
// profiles.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlet99/ego-cse/internal/config"
	"github.com/atlet99/ego-cse/internal/monitoring"
	"github.com/atlet99/ego-cse/internal/server"
	"github.com/atlet99/ego-cse/internal/version"
	"github.com/atlet99/ego-cse/pkg/logger"
)

// Deadline for draining in-flight requests on shutdown
const shutdownTimeout = 30 * time.Second

func main() {
	// Initialize logger
	log := logger.NewLogger()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log = logger.New(cfg.LogLevel, os.Stdout)

	info := version.Get()
	log.Info("Starting ego-cse",
		"version", info.Version,
		"commit", info.ShortCommit(),
		"environment", cfg.Environment,
		"dev_mode", cfg.DevMode,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Server error", "error", err)
		os.Exit(1)
	}

	log.Info("Server exited")
}

// run serves until ctx is done, then shuts the server down gracefully
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	tracer, err := monitoring.NewTracer(&monitoring.TracingConfig{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    version.AppName,
		ServiceVersion: version.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	}, log)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg, log, server.WithTracer(tracer))
	if err != nil {
		return err
	}

	// Start server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		if shutdownErr := srv.Shutdown(context.Background()); shutdownErr != nil {
			log.Debug("Failed to release server resources", "error", shutdownErr)
		}
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Attempt graceful shutdown
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush traces", "error", err)
	}

	return nil
}
