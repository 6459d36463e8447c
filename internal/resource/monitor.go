// Package resource samples host resource usage and makes admission
// decisions for the worker pool.
package resource

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/observability"
)

// ErrResourceExhausted signals that a task cannot be admitted right now. It
// delays dispatch and is never reported as a task failure.
var ErrResourceExhausted = errors.New("resource exhausted")

// ExhaustionError describes which limit denied admission.
type ExhaustionError struct {
	Resource string
	Value    float64
	Limit    float64
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("%s: %s at %.1f exceeds limit %.1f", ErrResourceExhausted, e.Resource, e.Value, e.Limit)
}

func (e *ExhaustionError) Is(target error) bool {
	return target == ErrResourceExhausted
}

// Hint is the expected cost of a task.
type Hint struct {
	// CPU in cores.
	CPU      float64
	MemoryMB int64
	Strategy string
}

// Limits are the admission thresholds. Zero disables a limit.
type Limits struct {
	MaxCPUPercent    float64
	MaxMemoryPercent float64
	MaxActive        int
	SampleInterval   time.Duration
}

// DefaultLimits returns conservative thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxCPUPercent:    90,
		MaxMemoryPercent: 85,
		SampleInterval:   time.Second,
	}
}

// Counter reports live pool occupancy.
type Counter interface {
	ActiveWorkers() int
	QueuedTasks() int
}

// Snapshot is a point-in-time view of resource usage and pool occupancy.
type Snapshot struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	MemoryUsedMB  uint64    `json:"memory_used_mb"`
	MemoryTotalMB uint64    `json:"memory_total_mb"`
	HeapAllocMB   uint64    `json:"heap_alloc_mb"`
	Goroutines    int       `json:"goroutines"`
	ActiveWorkers int       `json:"active_workers"`
	QueuedTasks   int       `json:"queued_tasks"`
	MaxActive     int       `json:"max_active"`
	Throttled     bool      `json:"throttled"`
	Denials       uint64    `json:"denials"`
	SampleErrors  uint64    `json:"sample_errors"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Monitor combines periodic resource samples with the pool's live worker
// count. Its sample is written only by its own sampling loop.
type Monitor struct {
	limits  Limits
	sampler Sampler
	logger  *observability.Logger

	sample    atomic.Pointer[Sample]
	sampledAt atomic.Int64
	counter   atomic.Pointer[counterBox]
	override  atomic.Pointer[overrideBox]
	throttled atomic.Bool
	denials   atomic.Uint64
	errs      atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

type counterBox struct{ c Counter }

type overrideBox struct{ fn func(Hint) bool }

// NewMonitor creates a monitor. A nil sampler uses the system sampler.
func NewMonitor(limits Limits, sampler Sampler, logger *observability.Logger) *Monitor {
	if sampler == nil {
		sampler = NewSystemSampler()
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if limits.SampleInterval <= 0 {
		limits.SampleInterval = time.Second
	}
	return &Monitor{
		limits:  limits,
		sampler: sampler,
		logger:  logger.WithComponent("resource_monitor"),
	}
}

// Limits returns the configured thresholds.
func (m *Monitor) Limits() Limits { return m.limits }

// Attach sets the source of live worker counts.
func (m *Monitor) Attach(c Counter) {
	if c == nil {
		m.counter.Store(nil)
		return
	}
	m.counter.Store(&counterBox{c: c})
}

// SetAdmissionOverride replaces the admission decision with fn. Passing nil
// restores normal behaviour.
func (m *Monitor) SetAdmissionOverride(fn func(Hint) bool) {
	if fn == nil {
		m.override.Store(nil)
		return
	}
	m.override.Store(&overrideBox{fn: fn})
}

// Start launches the sampling loop. It takes one sample synchronously so
// the first admission decision sees real data.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	m.refresh(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx, m.done)

	m.logger.Debug().
		Dur("interval", m.limits.SampleInterval).
		Float64("max_cpu_percent", m.limits.MaxCPUPercent).
		Float64("max_memory_percent", m.limits.MaxMemoryPercent).
		Msg("Resource monitor started")
}

// Stop ends the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.limits.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

// Refresh takes one sample immediately.
func (m *Monitor) Refresh(ctx context.Context) error {
	return m.refresh(ctx)
}

func (m *Monitor) refresh(ctx context.Context) error {
	s, err := m.sampler.Sample(ctx)
	if err != nil {
		m.errs.Add(1)
		m.logger.Warn().Err(err).Msg("Resource sample failed")
		return err
	}
	m.sample.Store(&s)
	m.sampledAt.Store(time.Now().UnixNano())
	return nil
}

// CanAdmit reports whether a task with hint h may be dispatched now.
func (m *Monitor) CanAdmit(h Hint) bool {
	return m.Check(h) == nil
}

// Check returns nil when h may be dispatched, or an *ExhaustionError naming
// the limit that denies it. When no worker is active the task is always
// admitted so a single expensive task can never starve.
func (m *Monitor) Check(h Hint) error {
	if o := m.override.Load(); o != nil {
		if o.fn(h) {
			m.throttled.Store(false)
			return nil
		}
		return m.deny(&ExhaustionError{Resource: "admission", Value: 1, Limit: 0})
	}

	active := 0
	if c := m.counter.Load(); c != nil {
		active = c.c.ActiveWorkers()
	}
	if m.limits.MaxActive > 0 && active >= m.limits.MaxActive {
		return m.deny(&ExhaustionError{Resource: "workers", Value: float64(active), Limit: float64(m.limits.MaxActive)})
	}
	if active == 0 {
		m.throttled.Store(false)
		return nil
	}

	s := m.sample.Load()
	if s == nil {
		m.throttled.Store(false)
		return nil
	}

	if m.limits.MaxCPUPercent > 0 {
		projected := s.CPUPercent + h.CPU/float64(runtime.NumCPU())*100
		if projected > m.limits.MaxCPUPercent {
			return m.deny(&ExhaustionError{Resource: "cpu", Value: projected, Limit: m.limits.MaxCPUPercent})
		}
	}
	if m.limits.MaxMemoryPercent > 0 {
		projected := s.MemoryPercent
		if s.MemoryTotalMB > 0 && h.MemoryMB > 0 {
			projected += float64(h.MemoryMB) / float64(s.MemoryTotalMB) * 100
		}
		if projected > m.limits.MaxMemoryPercent {
			return m.deny(&ExhaustionError{Resource: "memory", Value: projected, Limit: m.limits.MaxMemoryPercent})
		}
	}

	m.throttled.Store(false)
	return nil
}

func (m *Monitor) deny(err *ExhaustionError) error {
	m.denials.Add(1)
	if !m.throttled.Swap(true) {
		m.logger.Info().
			Str("resource", err.Resource).
			Float64("value", err.Value).
			Float64("limit", err.Limit).
			Msg("Admission throttled")
	}
	return err
}

// Snapshot returns the latest sample combined with live pool counters.
func (m *Monitor) Snapshot() Snapshot {
	snap := Snapshot{
		MaxActive:    m.limits.MaxActive,
		Throttled:    m.throttled.Load(),
		Denials:      m.denials.Load(),
		SampleErrors: m.errs.Load(),
	}
	if s := m.sample.Load(); s != nil {
		snap.CPUPercent = s.CPUPercent
		snap.MemoryPercent = s.MemoryPercent
		snap.MemoryUsedMB = s.MemoryUsedMB
		snap.MemoryTotalMB = s.MemoryTotalMB
		snap.HeapAllocMB = s.HeapAllocMB
		snap.Goroutines = s.Goroutines
	}
	if ts := m.sampledAt.Load(); ts > 0 {
		snap.SampledAt = time.Unix(0, ts)
	}
	if c := m.counter.Load(); c != nil {
		snap.ActiveWorkers = c.c.ActiveWorkers()
		snap.QueuedTasks = c.c.QueuedTasks()
	}
	return snap
}
