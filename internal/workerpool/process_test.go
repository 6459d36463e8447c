package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

const helperEnv = "WORKERPOOL_TEST_WORKER"

func helperRegistry() *processor.Registry {
	reg := processor.NewRegistry(nil)
	_ = reg.RegisterInstance(processor.NewFunc("echo", func(_ context.Context, pc *processor.Context) (*processor.Result, error) {
		return processor.Succeeded(map[string]any{"source": pc.Source(), "pid": os.Getpid()}), nil
	}))
	_ = reg.RegisterInstance(processor.NewFunc("hang", func(context.Context, *processor.Context) (*processor.Result, error) {
		time.Sleep(time.Minute)
		return processor.Succeeded(nil), nil
	}))
	_ = reg.RegisterInstance(processor.NewFunc("reject", func(context.Context, *processor.Context) (*processor.Result, error) {
		return nil, processor.InputError("unsupported document", nil)
	}))
	reg.Seal()
	return reg
}

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) == "1" {
		if err := ServeProcess(context.Background(), helperRegistry(), os.Stdin, os.Stdout); err != nil {
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func newProcessPool(t *testing.T) *Pool {
	t.Helper()
	exec, err := NewProcessExecutor(ProcessConfig{
		Command:   os.Args[0],
		Env:       []string{helperEnv + "=1"},
		KillGrace: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return newTestPool(t, Config{CooperativeWorkers: 1, ProcessWorkers: 2}, WithProcessExecutor(exec))
}

func processTask(name string) *Task {
	return &Task{
		ProcessorName: name,
		Strategy:      StrategyProcess,
		Context: processor.NewContext(processor.ContextParams{
			RunID:  "run-1",
			Stage:  "parse",
			Source: "/data/brochure.pdf",
		}),
	}
}

func TestProcessStrategy_RunsInChild(t *testing.T) {
	pool := newProcessPool(t)

	h, err := pool.Submit(processTask("echo"))
	require.NoError(t, err)

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, res.Success)

	payload, ok := res.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/data/brochure.pdf", payload["source"])
	assert.NotEqual(t, float64(os.Getpid()), payload["pid"])
}

func TestProcessStrategy_ChildFailures(t *testing.T) {
	pool := newProcessPool(t)

	h, err := pool.Submit(processTask("reject"))
	require.NoError(t, err)
	res, err := h.Wait(context.Background())
	var eerr *processor.ExecutionError
	require.True(t, errors.As(err, &eerr))
	assert.Equal(t, processor.ErrorKindInput, res.Error.Kind)

	h, err = pool.Submit(processTask("missing"))
	require.NoError(t, err)
	res, _ = h.Wait(context.Background())
	assert.Equal(t, processor.ErrorKindNotFound, res.Error.Kind)
}

func TestProcessStrategy_TimeoutKillsChild(t *testing.T) {
	pool := newProcessPool(t)

	tk := processTask("hang")
	tk.Timeout = 200 * time.Millisecond
	h, err := pool.Submit(tk)
	require.NoError(t, err)

	start := time.Now()
	_, err = h.Wait(context.Background())
	var terr *TaskTimeoutError
	require.True(t, errors.As(err, &terr))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestServeProcess(t *testing.T) {
	req := ProcessRequest{
		TaskID:    "t-1",
		Processor: "echo",
		Context:   processor.Snapshot{Source: "a.pdf", Attempt: 2},
	}
	in, err := json.Marshal(req)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, ServeProcess(context.Background(), helperRegistry(), bytes.NewReader(in), &out))

	var resp ProcessResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "t-1", resp.TaskID)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)

	err = ServeProcess(context.Background(), helperRegistry(), strings.NewReader("not json"), &out)
	assert.Error(t, err)
}
