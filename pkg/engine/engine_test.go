package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pipeline-engine/internal/config"
	"github.com/spherical-ai/pipeline-engine/internal/dag"
	"github.com/spherical-ai/pipeline-engine/internal/monitoring"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/internal/workerpool"
)

const diamondYAML = `
name: docs
stages:
  - name: validate
    processor: passthrough
  - name: left
    processor: passthrough
    depends_on: [validate]
  - name: right
    processor: count
    depends_on: [validate]
  - name: merge
    processor: passthrough
    depends_on: [left, right]
`

var idleSampler = resource.SamplerFunc(func(context.Context) (resource.Sample, error) {
	return resource.Sample{CPUPercent: 5, MemoryPercent: 10}, nil
})

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workers.Cooperative = 4
	cfg.Workers.Thread = 1
	cfg.Workers.Process = 0
	cfg.Workers.StopGrace = time.Second
	cfg.Resources.SampleInterval = 10 * time.Millisecond
	cfg.Checkpoint.Driver = "file"
	cfg.Checkpoint.Dir = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithSampler(idleSampler)}, opts...)
	e, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	e.Start(context.Background())
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

func mustParse(t *testing.T, doc string) *dag.PipelineConfig {
	t.Helper()
	cfg, err := dag.ParseConfig([]byte(doc), "yaml")
	require.NoError(t, err)
	return cfg
}

func countProcessor(calls *atomic.Int32, fail *atomic.Bool) processor.Processor {
	return processor.NewFunc("count", func(ctx context.Context, pc *processor.Context) (*processor.Result, error) {
		calls.Add(1)
		if fail != nil && fail.Load() {
			return nil, errors.New("backend unavailable")
		}
		return processor.Succeeded(map[string]any{"chars": len(pc.Source())}), nil
	})
}

func TestEngine_RunPipeline(t *testing.T) {
	var calls atomic.Int32
	e := newTestEngine(t, testConfig(t), WithProcessor(countProcessor(&calls, nil)))
	ctx := context.Background()

	runID, err := e.RunPipeline(ctx, mustParse(t, diamondYAML), pipeline.Inputs{DocumentID: "doc-1", Source: "memory://doc"})
	require.NoError(t, err)

	report, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, report.State)
	assert.Equal(t, 4, report.Succeeded)
	assert.EqualValues(t, 1, calls.Load())

	status, err := e.GetRunStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, status.State)
	assert.InDelta(t, 100, status.Progress, 0.001)
	require.Len(t, status.Stages, 4)
	assert.Len(t, e.ListRuns(), 1)

	assert.ErrorIs(t, e.CancelRun(runID), pipeline.ErrRunFinished)
	_, err = e.GetRunStatus("missing")
	assert.ErrorIs(t, err, pipeline.ErrRunNotFound)

	rec := httptest.NewRecorder()
	e.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "pipeline_engine_tasks_succeeded_total 4")
	assert.Contains(t, rec.Body.String(), `pipeline_engine_runs_total{state="succeeded"} 1`)

	health := e.Health(ctx)
	assert.Equal(t, monitoring.StatusHealthy, health.Status)
	assert.Equal(t, "ok", health.Processors["count"])
	assert.True(t, e.Live())

	summaries, err := e.Checkpoints(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, runID, summaries[0].RunID)
	require.NoError(t, e.DeleteCheckpoint(ctx, runID))
}

func TestEngine_ResumeAfterFailure(t *testing.T) {
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)
	e := newTestEngine(t, testConfig(t), WithProcessor(countProcessor(&calls, &fail)))
	ctx := context.Background()
	cfg := mustParse(t, diamondYAML)

	report, err := e.Run(ctx, cfg, pipeline.Inputs{DocumentID: "doc-2"})
	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, pipeline.RunFailed, report.State)
	assert.Equal(t, []string{"right"}, report.FailedStages())
	assert.Equal(t, []string{"merge"}, report.SkippedStages())

	fail.Store(false)
	runID, err := e.Resume(ctx, report.RunID, cfg)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, runID)

	resumed, err := e.Wait(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.RunSucceeded, resumed.State)
	assert.Equal(t, pipeline.ReasonRestored, resumed.Stages["validate"].Reason)
	assert.Equal(t, pipeline.ReasonRestored, resumed.Stages["left"].Reason)
	assert.EqualValues(t, 2, calls.Load())

	status, err := e.GetRunStatus(runID)
	require.NoError(t, err)
	assert.True(t, status.Resumed)
}

func TestEngine_CheckpointingDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Driver = "none"
	e := newTestEngine(t, cfg)

	_, err := e.Checkpoints(context.Background())
	assert.ErrorIs(t, err, ErrNoCheckpointStore)
	_, err = e.Resume(context.Background(), "run-1", mustParse(t, diamondYAML))
	assert.ErrorIs(t, err, ErrNoCheckpointStore)
	_, err = e.AuditTrail(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrNoAuditStore)
}

func TestEngine_AuditTrail(t *testing.T) {
	cfg := testConfig(t)
	cfg.Audit.Enabled = true
	cfg.Audit.Driver = "sqlite"
	cfg.Audit.DSN = ":memory:"
	cfg.Audit.FlushInterval = 10 * time.Millisecond
	var calls atomic.Int32
	e := newTestEngine(t, cfg, WithProcessor(countProcessor(&calls, nil)))
	ctx := context.Background()

	report, err := e.Run(ctx, mustParse(t, diamondYAML), pipeline.Inputs{DocumentID: "doc-3"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		trail, err := e.AuditTrail(ctx, report.RunID)
		return err == nil && len(trail) == 5
	}, 2*time.Second, 20*time.Millisecond, "four stage events and one run event")
}

func TestEngine_UnknownProcessor(t *testing.T) {
	e := newTestEngine(t, testConfig(t))

	_, err := e.Plan(mustParse(t, diamondYAML))
	assert.ErrorIs(t, err, dag.ErrUnknownProcessor)

	names := make([]string, 0)
	for _, d := range e.Processors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"document.metadata", "document.parse", "document.validate", "passthrough"}, names)
}

func TestEngine_ShutdownRejectsRuns(t *testing.T) {
	e, err := New(context.Background(), testConfig(t), WithSampler(idleSampler))
	require.NoError(t, err)
	e.Start(context.Background())

	require.NoError(t, e.Shutdown(context.Background()))
	require.NoError(t, e.Shutdown(context.Background()))

	_, err = e.RunPipeline(context.Background(), mustParse(t, `
name: one
stages:
  - name: echo
    processor: passthrough
`), pipeline.Inputs{})
	assert.ErrorIs(t, err, pipeline.ErrManagerClosed)
	assert.False(t, e.Live())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Checkpoint.Driver = "s3"
	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid checkpoint driver")
}

func TestServeWorker(t *testing.T) {
	req := workerpool.ProcessRequest{
		TaskID:    "task-1",
		Processor: "passthrough",
		Context:   processor.Snapshot{RunID: "run-1", Stage: "echo", DocumentID: "doc-4", Source: "a.txt"},
	}
	in, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, ServeWorker(context.Background(), nil, bytes.NewReader(in), &out))

	var resp workerpool.ProcessResponse
	require.NoError(t, json.NewDecoder(strings.NewReader(out.String())).Decode(&resp))
	assert.Equal(t, "task-1", resp.TaskID)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)
	assert.Equal(t, "doc-4", resp.Result.Payload.(map[string]any)["document_id"])
}
