package monitoring

import (
	"context"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

// Health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ProcessorProbe checks registered processors. *processor.Registry
// implements it.
type ProcessorProbe interface {
	HealthCheck(ctx context.Context) map[string]error
}

// Health is the result of a health check.
type Health struct {
	Status     string               `json:"status"`
	Pool       workerpool.PoolStats `json:"pool"`
	Resources  *resource.Snapshot   `json:"resources,omitempty"`
	Processors map[string]string    `json:"processors,omitempty"`
	ActiveRuns int                  `json:"active_runs"`
	Timestamp  time.Time            `json:"timestamp"`
}

// HealthChecker reports pool liveness and resource usage.
type HealthChecker struct {
	pool       PoolSource
	resources  ResourceSource
	processors ProcessorProbe
	activeRuns func() int
}

// NewHealthChecker creates a checker. resources, processors and activeRuns
// may be nil.
func NewHealthChecker(pool PoolSource, resources ResourceSource, processors ProcessorProbe, activeRuns func() int) *HealthChecker {
	return &HealthChecker{pool: pool, resources: resources, processors: processors, activeRuns: activeRuns}
}

// Check runs every probe. A stopped pool is unhealthy; throttling or a
// failing processor is degraded.
func (h *HealthChecker) Check(ctx context.Context) Health {
	out := Health{Status: StatusHealthy, Timestamp: time.Now()}

	if h.pool != nil {
		out.Pool = h.pool.PoolStats()
		if out.Pool.Stopped || out.Pool.Capacity == 0 {
			out.Status = StatusUnhealthy
		} else if out.Pool.Throttling {
			out.Status = StatusDegraded
		}
	}

	if h.resources != nil {
		snap := h.resources.Snapshot()
		out.Resources = &snap
		if snap.Throttled && out.Status == StatusHealthy {
			out.Status = StatusDegraded
		}
	}

	if h.processors != nil {
		out.Processors = map[string]string{}
		for name, err := range h.processors.HealthCheck(ctx) {
			if err != nil {
				out.Processors[name] = err.Error()
				if out.Status == StatusHealthy {
					out.Status = StatusDegraded
				}
				continue
			}
			out.Processors[name] = "ok"
		}
	}

	if h.activeRuns != nil {
		out.ActiveRuns = h.activeRuns()
	}
	return out
}

// Live reports whether the pool accepts work.
func (h *HealthChecker) Live() bool {
	if h.pool == nil {
		return false
	}
	ps := h.pool.PoolStats()
	return !ps.Stopped && ps.Capacity > 0
}
