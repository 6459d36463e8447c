// Package main provides the API router setup.
package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-engine-api/handlers"
	"github.com/spherical-ai/pipeline-engine/cmd/pipeline-engine-api/middleware"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// Engine is what the router serves. *engine.Engine implements it.
type Engine interface {
	handlers.RunService
	handlers.HealthService
	MetricsHandler() http.Handler
}

// AppConfig holds router configuration.
type AppConfig struct {
	RequestTimeout time.Duration
	APIKey         string
	AllowedOrigins []string
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, eng Engine, cfg AppConfig) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimiddleware.Timeout(cfg.RequestTimeout))

	healthHandler := handlers.NewHealthHandler(eng)
	runHandler := handlers.NewRunHandler(logger.WithComponent("api"), eng)

	// Probes and metrics (unauthenticated)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", eng.MetricsHandler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", runHandler.Submit)
			r.Get("/", runHandler.List)
			r.Get("/{runId}", runHandler.Get)
			r.Post("/{runId}/cancel", runHandler.Cancel)
		})
		r.Get("/processors", runHandler.Processors)
	})

	return r
}
