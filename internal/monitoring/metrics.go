// Package monitoring exposes engine health, Prometheus metrics and an audit
// trail of stage and run outcomes.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

const metricsNamespace = "pipeline_engine"

// PoolSource reports live pool statistics. *workerpool.Pool implements it.
type PoolSource interface {
	PoolStats() workerpool.PoolStats
}

// ResourceSource reports resource usage. *resource.Monitor implements it.
type ResourceSource interface {
	Snapshot() resource.Snapshot
}

// Metrics holds the engine's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted prometheus.Counter
	tasksSucceeded prometheus.Counter
	tasksFailed    prometheus.Counter
	tasksCancelled prometheus.Counter
	tasksRetried   prometheus.Counter
	tasksStarted   *prometheus.CounterVec
	stagesTotal    *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	runsTotal      *prometheus.CounterVec
}

// NewMetrics registers the engine collectors. pool and resources may be nil;
// their gauges are then omitted.
func NewMetrics(pool PoolSource, resources ResourceSource) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks submitted to the worker pool",
		}),
		tasksSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_succeeded_total",
			Help:      "Tasks that completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_failed_total",
			Help:      "Tasks that failed, timed out or panicked",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_cancelled_total",
			Help:      "Queued tasks cancelled by a forced stop",
		}),
		tasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_retried_total",
			Help:      "Failed attempts that were retried",
		}),
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tasks_started_total",
			Help:      "Tasks started by execution strategy",
		}, []string{"strategy"}),
		stagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stages_total",
			Help:      "Stages reaching a terminal state",
		}, []string{"state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stage_duration_seconds",
			Help:      "Stage duration including retries",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"state"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "runs_total",
			Help:      "Pipeline runs reaching a terminal state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.tasksSubmitted, m.tasksSucceeded, m.tasksFailed, m.tasksCancelled, m.tasksRetried,
		m.tasksStarted, m.stagesTotal, m.stageDuration, m.runsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if pool != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "queue_depth",
				Help:      "Tasks waiting for a worker",
			}, func() float64 { return float64(pool.PoolStats().Queued) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "active_workers",
				Help:      "Tasks currently executing",
			}, func() float64 { return float64(pool.PoolStats().Active) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "worker_utilization_ratio",
				Help:      "Active workers over total worker capacity",
			}, func() float64 { return pool.PoolStats().Utilization }),
		)
	}
	if resources != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "cpu_percent",
				Help:      "Last sampled system CPU usage",
			}, func() float64 { return resources.Snapshot().CPUPercent }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "memory_percent",
				Help:      "Last sampled system memory usage",
			}, func() float64 { return resources.Snapshot().MemoryPercent }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "throttled",
				Help:      "1 while admission is being denied",
			}, func() float64 {
				if resources.Snapshot().Throttled {
					return 1
				}
				return 0
			}),
		)
	}
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Attach feeds the metrics from bus events and returns the detach function.
func (m *Metrics) Attach(bus *events.Bus) func() {
	return bus.Subscribe(m.Observe)
}

// Observe updates the counters from one event.
func (m *Metrics) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.ProgressEvent:
		switch ev.Phase {
		case events.PhaseQueued:
			m.tasksSubmitted.Inc()
		case events.PhaseStarted:
			m.tasksStarted.WithLabelValues(ev.Strategy).Inc()
		case events.PhaseSucceeded:
			m.tasksSucceeded.Inc()
		case events.PhaseFailed:
			m.tasksFailed.Inc()
		case events.PhaseCancelled:
			m.tasksCancelled.Inc()
		case events.PhaseRetrying:
			m.tasksRetried.Inc()
		}
	case events.StageEvent:
		if ev.Restored {
			return
		}
		m.stagesTotal.WithLabelValues(ev.State).Inc()
		m.stageDuration.WithLabelValues(ev.State).Observe(ev.Duration.Seconds())
	case events.RunEvent:
		if pipeline.RunState(ev.State).Terminal() {
			m.runsTotal.WithLabelValues(ev.State).Inc()
		}
	}
}
