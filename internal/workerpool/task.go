// Package workerpool executes processor invocations concurrently across
// cooperative, thread and process workers under priority ordering and
// resource admission.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
	"github.com/spherical-ai/pipeline-engine/internal/resource"
)

// Strategy selects the kind of worker a task runs on.
type Strategy string

const (
	// StrategyCooperative runs the task on a goroutine. Suited to I/O bound
	// processors.
	StrategyCooperative Strategy = "cooperative"
	// StrategyThread runs the task on a goroutine locked to its own OS
	// thread. Suited to blocking calls into C libraries.
	StrategyThread Strategy = "thread"
	// StrategyProcess runs the task in a separate worker process.
	StrategyProcess Strategy = "process"
)

var strategies = []Strategy{StrategyCooperative, StrategyThread, StrategyProcess}

// ParseStrategy maps a configuration value to a Strategy. The empty string
// selects the cooperative strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyCooperative:
		return StrategyCooperative, nil
	case StrategyThread:
		return StrategyThread, nil
	case StrategyProcess:
		return StrategyProcess, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedStrategy, s)
}

// Pool errors.
var (
	ErrPoolShutdown        = errors.New("worker pool is shut down")
	ErrStopTimeout         = errors.New("worker pool stop timed out")
	ErrQueueFull           = errors.New("worker pool queue is full")
	ErrUnsupportedStrategy = errors.New("unsupported execution strategy")
	ErrInvalidTask         = errors.New("invalid task")

	// ErrResourceExhausted delays dispatch. It never fails a task.
	ErrResourceExhausted = resource.ErrResourceExhausted
)

// TaskTimeoutError reports a task that exceeded its timeout.
type TaskTimeoutError struct {
	TaskID  string
	Stage   string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s (stage %q) timed out after %s", e.TaskID, e.Stage, e.Timeout)
}

func (e *TaskTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// PanicError reports a processor that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panicked: %v", e.Value)
}

// Task is a queued invocation of a processor.
type Task struct {
	ID string
	// Processor runs in-process tasks. Process tasks only need
	// ProcessorName, the child resolves it from its own registry.
	Processor     processor.Processor
	ProcessorName string
	Context       *processor.Context
	// Priority orders the queue; higher runs first.
	Priority int
	Timeout  time.Duration
	Strategy Strategy
	Hint     resource.Hint
}

func (t *Task) name() string {
	if t.ProcessorName != "" {
		return t.ProcessorName
	}
	if t.Processor != nil {
		return t.Processor.Name()
	}
	return ""
}

func (t *Task) stage() string {
	if t.Context == nil {
		return ""
	}
	return t.Context.Stage()
}

func (t *Task) runID() string {
	if t.Context == nil {
		return ""
	}
	return t.Context.RunID()
}

// Handle is the future for a submitted task. It resolves exactly once.
type Handle struct {
	id          string
	submittedAt time.Time

	done   chan struct{}
	once   sync.Once
	result *processor.Result
	err    error
}

func newHandle(id string) *Handle {
	return &Handle{id: id, submittedAt: time.Now(), done: make(chan struct{})}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Done is closed when the task resolves.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task resolves or ctx ends. The result is never nil
// once the task resolved; err carries the typed failure.
func (h *Handle) Wait(ctx context.Context) (*processor.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while the task
// is still pending.
func (h *Handle) Result() (res *processor.Result, ok bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return nil, false
	}
}

// Err returns the typed failure of a resolved task, or nil.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) resolve(res *processor.Result, err error) bool {
	resolved := false
	h.once.Do(func() {
		h.result = res
		h.err = err
		resolved = true
		close(h.done)
	})
	return resolved
}
