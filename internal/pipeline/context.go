package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// Inputs are the document-level inputs of a run.
type Inputs struct {
	DocumentID string         `json:"document_id,omitempty"`
	Source     string         `json:"source,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RunContext is the run-scoped state. Only the manager goroutine driving the
// run writes to it; readers get copies.
type RunContext struct {
	runID     string
	startedAt time.Time
	inputs    Inputs
	cancelled atomic.Bool

	mu      sync.RWMutex
	results map[string]StageResult
}

func newRunContext(runID string, in Inputs, startedAt time.Time) *RunContext {
	return &RunContext{
		runID:     runID,
		startedAt: startedAt,
		inputs:    in,
		results:   make(map[string]StageResult),
	}
}

// RunID returns the run id.
func (c *RunContext) RunID() string { return c.runID }

// StartedAt returns when the run began.
func (c *RunContext) StartedAt() time.Time { return c.startedAt }

// Inputs returns the run inputs.
func (c *RunContext) Inputs() Inputs { return c.inputs }

// Cancelled reports whether cancellation was requested.
func (c *RunContext) Cancelled() bool { return c.cancelled.Load() }

func (c *RunContext) cancel() bool { return c.cancelled.CompareAndSwap(false, true) }

// Result returns the recorded result of a stage.
func (c *RunContext) Result(stage string) (StageResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stage]
	return r, ok
}

// Results returns a copy of all recorded stage results.
func (c *RunContext) Results() map[string]StageResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StageResult, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

func (c *RunContext) set(r StageResult) {
	c.mu.Lock()
	c.results[r.Stage] = r
	c.mu.Unlock()
}

func (c *RunContext) state(stage string) StageState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.results[stage]; ok {
		return r.State
	}
	return StagePending
}

// upstream collects the successful results of deps for a processor context.
func (c *RunContext) upstream(deps []string) map[string]processor.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]processor.Result, len(deps))
	for _, d := range deps {
		if r, ok := c.results[d]; ok && r.State == StageSucceeded && r.Result != nil {
			out[d] = *r.Result
		}
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
