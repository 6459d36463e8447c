package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pipeline-engine/internal/config"
	"github.com/spherical-ai/pipeline-engine/internal/monitoring"
	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/pipeline"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
	"github.com/spherical-ai/pipeline-engine/pkg/engine"
)

const echoPipeline = `
name: echo
stages:
  - name: first
    processor: passthrough
  - name: second
    processor: passthrough
    depends_on: [first]
`

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *engine.Engine) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workers.Cooperative = 2
	cfg.Workers.Process = 0
	cfg.Checkpoint.Driver = "none"

	sampler := resource.SamplerFunc(func(context.Context) (resource.Sample, error) {
		return resource.Sample{CPUPercent: 1, MemoryPercent: 1}, nil
	})
	eng, err := engine.New(context.Background(), cfg, engine.WithSampler(sampler), engine.WithLogger(observability.NewNopLogger()))
	require.NoError(t, err)
	eng.Start(context.Background())

	srv := httptest.NewServer(NewRouter(observability.NewNopLogger(), eng, AppConfig{APIKey: apiKey, AllowedOrigins: []string{"*"}}))
	t.Cleanup(func() {
		srv.Close()
		_ = eng.Shutdown(context.Background())
	})
	return srv, eng
}

func newClient(t *testing.T, srv *httptest.Server, key string) *engine.Client {
	t.Helper()
	c, err := engine.NewClient(engine.ClientConfig{BaseURL: srv.URL, APIKey: key})
	require.NoError(t, err)
	return c
}

func waitForState(t *testing.T, c *engine.Client, runID string, want pipeline.RunState) *pipeline.Status {
	t.Helper()
	var last *pipeline.Status
	require.Eventually(t, func() bool {
		st, err := c.GetRun(context.Background(), runID)
		if err != nil {
			return false
		}
		last = st
		return st.State == want
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestRunLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")
	c := newClient(t, srv, "")
	ctx := context.Background()

	resp, err := c.SubmitRun(ctx, engine.RunRequest{
		PipelineYAML: echoPipeline,
		Inputs:       pipeline.Inputs{DocumentID: "doc-1", Source: "a.txt"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RunID)
	assert.Equal(t, "echo", resp.Status.Pipeline)

	status := waitForState(t, c, resp.RunID, pipeline.RunSucceeded)
	assert.InDelta(t, 100, status.Progress, 0.001)
	require.Len(t, status.Stages, 2)
	assert.Equal(t, pipeline.StageSucceeded, status.Stages[1].State)

	runs, err := c.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	err = c.CancelRun(ctx, resp.RunID)
	var apiErr *engine.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)

	_, err = c.GetRun(ctx, "missing")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestSubmitRejectsBadPipelines(t *testing.T) {
	srv, _ := newTestServer(t, "")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed json", `{`, http.StatusBadRequest},
		{"missing pipeline", `{"inputs":{}}`, http.StatusBadRequest},
		{"unknown processor", `{"pipeline":{"name":"x","stages":[{"name":"a","processor":"nope"}]}}`, http.StatusUnprocessableEntity},
		{"cycle", `{"pipeline":{"name":"x","stages":[{"name":"a","processor":"passthrough","depends_on":["b"]},{"name":"b","processor":"passthrough","depends_on":["a"]}]}}`, http.StatusUnprocessableEntity},
		{"bad yaml", `{"pipeline_yaml":"stages: ["}`, http.StatusUnprocessableEntity},
		{"unknown stage field", `{"pipeline":{"name":"x","stages":[{"name":"a","processor":"passthrough","depend_on":["b"]}]}}`, http.StatusUnprocessableEntity},
		{"unknown pipeline field", `{"pipeline":{"name":"x","stagez":[]}}`, http.StatusUnprocessableEntity},
		{"both forms", `{"pipeline":{"name":"x","stages":[{"name":"a","processor":"passthrough"}]},"pipeline_yaml":"name: x"}`, http.StatusBadRequest},
		{"null pipeline", `{"pipeline":null}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)

			var body engine.ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestListFiltersByState(t *testing.T) {
	srv, eng := newTestServer(t, "")
	c := newClient(t, srv, "")

	resp, err := c.SubmitRun(context.Background(), engine.RunRequest{PipelineYAML: echoPipeline})
	require.NoError(t, err)
	_, err = eng.Wait(context.Background(), resp.RunID)
	require.NoError(t, err)

	res, err := http.Get(srv.URL + "/api/v1/runs?state=failed")
	require.NoError(t, err)
	defer res.Body.Close()
	var body struct {
		Runs  []pipeline.Status `json:"runs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, 0, body.Count)
	assert.Empty(t, body.Runs)
}

func TestProbesAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	c := newClient(t, srv, "secret")

	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitoring.StatusHealthy, health.Status)
	assert.Equal(t, "ok", health.Processors["passthrough"])

	res, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pipeline_engine_queue_depth")

	procs, err := c.Processors(context.Background())
	require.NoError(t, err)
	assert.Len(t, procs, 4)
}

func TestAPIKeyRequired(t *testing.T) {
	srv, _ := newTestServer(t, "secret")

	_, err := newClient(t, srv, "").ListRuns(context.Background())
	var apiErr *engine.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = newClient(t, srv, "wrong").ListRuns(context.Background())
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	runs, err := newClient(t, srv, "secret").ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)
}
