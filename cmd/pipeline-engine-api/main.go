// Package main provides the pipeline engine API server entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spherical-ai/pipeline-engine/internal/config"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

func main() {
	// Process-strategy tasks re-execute this binary as "worker".
	if len(os.Args) > 1 && os.Args[1] == "worker" {
		os.Exit(runWorker(os.Args[2:]))
	}

	// Load configuration
	cfgPath := configPath(os.Args[1:])
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfgPath != "" && cfg.Workers.ProcessCommand == "" && len(cfg.Workers.ProcessArgs) == 1 {
		if abs, err := filepath.Abs(cfgPath); err == nil {
			cfg.Workers.ProcessArgs = append(cfg.Workers.ProcessArgs, "--config", abs)
		}
	}

	logger := engine.NewLogger(cfg)

	logger.Info().
		Str("host", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Str("checkpoint", cfg.Checkpoint.Driver).
		Int("cooperative_workers", cfg.Workers.Cooperative).
		Int("thread_workers", cfg.Workers.Thread).
		Int("process_workers", cfg.Workers.Process).
		Msg("Starting pipeline engine API")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize engine")
		os.Exit(1)
	}
	eng.Start(ctx)

	router := NewRouter(logger, eng, AppConfig{
		RequestTimeout: cfg.Server.ReadTimeout,
		APIKey:         cfg.Server.APIKey,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("HTTP server listening")
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Server error")
		}
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Graceful shutdown failed")
		if err := srv.Close(); err != nil {
			logger.Error().Err(err).Msg("Forced shutdown failed")
		}
	}
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Engine shutdown failed")
	}

	logger.Info().Msg("Server stopped")
}

func configPath(args []string) string {
	if len(args) > 1 && args[0] == "--config" {
		return args[1]
	}
	return os.Getenv("CONFIG_PATH")
}

// runWorker answers one task on stdin/stdout. Logs go to stderr so they
// never mix with the response.
func runWorker(args []string) int {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		Output:      os.Stderr,
		ServiceName: cfg.Observability.ServiceName,
	}).WithComponent("worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.ServeWorker(ctx, cfg, os.Stdin, os.Stdout, engine.WithLogger(logger)); err != nil {
		logger.Error().Err(err).Msg("Worker failed")
		return 1
	}
	return 0
}
