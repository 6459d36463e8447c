package handlers

import (
	"context"
	"net/http"

	"github.com/spherical-ai/pipeline-engine/internal/monitoring"
)

// HealthService reports engine health.
type HealthService interface {
	Health(ctx context.Context) monitoring.Health
	Live() bool
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	service HealthService
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(service HealthService) *HealthHandler {
	return &HealthHandler{service: service}
}

// Health handles GET /health. Unhealthy engines answer 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	health := h.service.Health(r.Context())
	status := http.StatusOK
	if health.Status == monitoring.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// Ready handles GET /ready.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.service.Live() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
