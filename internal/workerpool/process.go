package workerpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/observability"
	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// ProcessRequest is written to a worker process's stdin.
type ProcessRequest struct {
	TaskID    string             `json:"task_id"`
	Processor string             `json:"processor"`
	Context   processor.Snapshot `json:"context"`
	Timeout   time.Duration      `json:"timeout,omitempty"`
}

// ProcessResponse is read from a worker process's stdout.
type ProcessResponse struct {
	TaskID string            `json:"task_id"`
	Result *processor.Result `json:"result"`
}

// ProcessConfig describes how to launch a worker process.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env is appended to the parent environment.
	Env []string
	// KillGrace is the delay between SIGTERM and SIGKILL on termination.
	KillGrace time.Duration
}

// ProcessExecutor runs each task in a fresh worker process speaking JSON
// over stdin and stdout.
type ProcessExecutor struct {
	cfg    ProcessConfig
	logger *observability.Logger
}

// NewProcessExecutor creates an executor. An empty command re-executes the
// current binary with the given args.
func NewProcessExecutor(cfg ProcessConfig, logger *observability.Logger) (*ProcessExecutor, error) {
	if cfg.Command == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		cfg.Command = self
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ProcessExecutor{cfg: cfg, logger: logger.WithComponent("process_executor")}, nil
}

// Execute implements Executor. When ctx ends the whole process group is
// terminated.
func (e *ProcessExecutor) Execute(ctx context.Context, t *Task) (*processor.Result, error) {
	req := ProcessRequest{
		TaskID:    t.ID,
		Processor: t.name(),
		Context:   t.Context.Snapshot(),
		Timeout:   t.Timeout,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal process request: %w", err)
	}

	cmd := exec.Command(e.cfg.Command, e.cfg.Args...)
	cmd.Env = append(os.Environ(), e.cfg.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	configureWorkerProcess(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}
	e.logger.Debug().
		Str("task_id", t.ID).
		Int("pid", cmd.Process.Pid).
		Msg("Worker process started")

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case err := <-waitCh:
		if err != nil {
			return nil, fmt.Errorf("worker process: %w: %s", err, tail(stderr.String(), 512))
		}
	case <-ctx.Done():
		terminateWorkerProcess(cmd, e.cfg.KillGrace)
		<-waitCh
		return nil, ctx.Err()
	}

	var resp ProcessResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode worker response: %w", err)
	}
	if resp.Result == nil {
		return nil, errors.New("worker response has no result")
	}
	if !resp.Result.Success {
		return resp.Result, resp.Result.Err()
	}
	return resp.Result, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Resolver looks processors up by name.
type Resolver interface {
	Resolve(name string) (processor.Processor, error)
}

// ServeProcess is the worker side of the process strategy: it reads one
// request from r, runs it and writes the response to w. Processor failures
// are reported in the response; only I/O problems return an error.
func ServeProcess(ctx context.Context, resolver Resolver, r io.Reader, w io.Writer) error {
	var req ProcessRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return fmt.Errorf("decode process request: %w", err)
	}

	res := serve(ctx, resolver, req)
	if err := json.NewEncoder(w).Encode(ProcessResponse{TaskID: req.TaskID, Result: res}); err != nil {
		return fmt.Errorf("encode process response: %w", err)
	}
	return nil
}

func serve(ctx context.Context, resolver Resolver, req ProcessRequest) (res *processor.Result) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = processor.Failed(processor.ErrorKindPanic, &PanicError{Value: r, Stack: debug.Stack()})
		}
		res.Stamp(started, time.Now())
	}()

	p, err := resolver.Resolve(req.Processor)
	if err != nil {
		return processor.Failed(processor.ErrorKindNotFound, err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	out, err := p.Execute(ctx, processor.FromSnapshot(req.Context))
	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return processor.Failed(processor.ErrorKindTimeout, err)
	case err != nil && processor.IsInputError(err):
		return processor.Failed(processor.ErrorKindInput, err)
	case err != nil:
		return processor.Failed(processor.ErrorKindExecution, err)
	case out == nil:
		return processor.Failed(processor.ErrorKindExecution, errors.New("processor returned no result"))
	}
	return out
}
