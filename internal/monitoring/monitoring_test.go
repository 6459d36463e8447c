package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pipeline-engine/internal/events"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

type fakePool struct{ stats workerpool.PoolStats }

func (f *fakePool) PoolStats() workerpool.PoolStats { return f.stats }

type fakeResources struct{ snap resource.Snapshot }

func (f *fakeResources) Snapshot() resource.Snapshot { return f.snap }

type fakeProcessors map[string]error

func (f fakeProcessors) HealthCheck(context.Context) map[string]error { return f }

func TestMetrics_ObserveEvents(t *testing.T) {
	pool := &fakePool{stats: workerpool.PoolStats{Queued: 3, Active: 2, Capacity: 4, Utilization: 0.5}}
	m := NewMetrics(pool, &fakeResources{snap: resource.Snapshot{CPUPercent: 42}})
	bus := events.NewBus(nil)
	m.Attach(bus)

	for _, phase := range []events.Phase{events.PhaseQueued, events.PhaseQueued, events.PhaseStarted, events.PhaseSucceeded, events.PhaseFailed, events.PhaseRetrying} {
		bus.Publish(events.ProgressEvent{TaskID: "t", Stage: "s", Phase: phase, Strategy: "cooperative", Timestamp: time.Now()})
	}
	bus.Publish(events.StageEvent{RunID: "r", Stage: "s", State: "succeeded", Duration: time.Second})
	bus.Publish(events.StageEvent{RunID: "r", Stage: "s0", State: "succeeded", Reason: "restored from checkpoint", Restored: true})
	bus.Publish(events.RunEvent{RunID: "r", State: "running"})
	bus.Publish(events.RunEvent{RunID: "r", State: "failed"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksSubmitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksSucceeded))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksRetried))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksStarted.WithLabelValues("cooperative")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagesTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("failed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("running")))
}

func TestMetrics_Handler(t *testing.T) {
	pool := &fakePool{stats: workerpool.PoolStats{Queued: 7, Capacity: 4, Utilization: 0.25}}
	m := NewMetrics(pool, nil)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "pipeline_engine_queue_depth 7")
	assert.Contains(t, body, "pipeline_engine_worker_utilization_ratio 0.25")
	assert.Contains(t, body, "pipeline_engine_tasks_submitted_total 0")
	assert.False(t, strings.Contains(body, "pipeline_engine_cpu_percent"))
}

func TestHealthChecker(t *testing.T) {
	pool := &fakePool{stats: workerpool.PoolStats{Capacity: 4}}
	res := &fakeResources{}

	h := NewHealthChecker(pool, res, fakeProcessors{"parse": nil}, func() int { return 3 })
	got := h.Check(context.Background())
	assert.Equal(t, StatusHealthy, got.Status)
	assert.Equal(t, "ok", got.Processors["parse"])
	assert.Equal(t, 3, got.ActiveRuns)
	require.NotNil(t, got.Resources)
	assert.True(t, h.Live())

	res.snap.Throttled = true
	assert.Equal(t, StatusDegraded, h.Check(context.Background()).Status)
	res.snap.Throttled = false

	h = NewHealthChecker(pool, nil, fakeProcessors{"parse": errors.New("library missing")}, nil)
	got = h.Check(context.Background())
	assert.Equal(t, StatusDegraded, got.Status)
	assert.Equal(t, "library missing", got.Processors["parse"])

	pool.stats.Stopped = true
	assert.Equal(t, StatusUnhealthy, h.Check(context.Background()).Status)
	assert.False(t, h.Live())
}

type memoryAuditStore struct {
	mu      sync.Mutex
	events  []AuditEvent
	batches int
}

func (s *memoryAuditStore) SaveAuditEvent(_ context.Context, e *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *e)
	return nil
}

func (s *memoryAuditStore) BatchSaveAuditEvents(_ context.Context, events []AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	s.batches++
	return nil
}

func TestAuditWriter_FlushesOnStop(t *testing.T) {
	store := &memoryAuditStore{}
	w := NewAuditWriter(nil, store, AuditConfig{EnableAsync: true, FlushInterval: time.Hour, BatchSize: 100, IncludePayload: true})
	bus := events.NewBus(nil)
	w.Attach(bus)

	bus.Publish(events.ProgressEvent{TaskID: "t", Phase: events.PhaseStarted})
	bus.Publish(events.StageEvent{RunID: "r1", Stage: "validate", State: "succeeded", Restored: true, Timestamp: time.Now()})
	bus.Publish(events.StageEvent{RunID: "r1", Stage: "parse", State: "failed", Attempts: 2, Error: "boom", Timestamp: time.Now()})
	bus.Publish(events.RunEvent{RunID: "r1", Pipeline: "p", State: "failed", Counts: map[string]int{"failed": 1}, Timestamp: time.Now()})

	w.Stop()
	w.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.events, 2, "progress events and restored stages are not audited")
	assert.Equal(t, 1, store.batches)
	assert.Equal(t, events.KindStage, store.events[0].Kind)
	assert.Equal(t, 2, store.events[0].Attempts)
	assert.Equal(t, events.KindRun, store.events[1].Kind)
	assert.JSONEq(t, `{"counts":{"failed":1},"progress":0}`, string(store.events[1].Payload))
}

func TestAuditWriter_SyncWithoutStore(t *testing.T) {
	w := NewAuditWriter(nil, nil, AuditConfig{EnableAsync: false})
	require.NoError(t, w.Record(context.Background(), AuditEvent{RunID: "r", Kind: events.KindRun, State: "succeeded"}))
	w.Stop()
}

func TestSQLAuditStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLAuditStore(ctx, "sqlite3", ":memory:")
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	w := NewAuditWriter(nil, store, AuditConfig{EnableAsync: true, FlushInterval: time.Hour, IncludePayload: true})
	require.NoError(t, w.Record(ctx, AuditEvent{RunID: "r1", Stage: "a", Kind: events.KindStage, State: "succeeded", Attempts: 1, OccurredAt: base}))
	require.NoError(t, w.Record(ctx, AuditEvent{RunID: "r1", Stage: "b", Kind: events.KindStage, State: "skipped", Reason: "disabled", OccurredAt: base.Add(time.Second)}))
	require.NoError(t, w.Record(ctx, AuditEvent{RunID: "r2", Kind: events.KindRun, State: "succeeded", Payload: []byte(`{"x":1}`), OccurredAt: base}))
	w.Stop()

	require.NoError(t, store.SaveAuditEvent(ctx, &AuditEvent{ID: mustUUID(t), RunID: "r1", Pipeline: "p", Kind: events.KindRun, State: "succeeded", OccurredAt: base.Add(2 * time.Second)}))

	trail, err := store.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, "a", trail[0].Stage)
	assert.Equal(t, "disabled", trail[1].Reason)
	assert.Equal(t, events.KindRun, trail[2].Kind)
	assert.Equal(t, "p", trail[2].Pipeline)

	other, err := store.ListByRun(ctx, "r2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.JSONEq(t, `{"x":1}`, string(other[0].Payload))

	_, err = OpenSQLAuditStore(ctx, "mysql", "")
	assert.Error(t, err)
}

func mustUUID(t *testing.T) uuid.UUID {
	t.Helper()
	id, err := uuid.NewRandom()
	require.NoError(t, err)
	return id
}
