// Package pipeline executes validated stage graphs level by level on the
// worker pool, with retries, failure propagation, cancellation and
// checkpoint/resume.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// RunState is the lifecycle state of a pipeline run.
type RunState string

const (
	RunInitialized RunState = "initialized"
	RunRunning     RunState = "running"
	RunSucceeded   RunState = "succeeded"
	RunFailed      RunState = "failed"
	RunCancelled   RunState = "cancelled"
)

// Terminal reports whether the run has finished.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StageState is the lifecycle state of a stage within a run.
type StageState string

const (
	StagePending   StageState = "pending"
	StageReady     StageState = "ready"
	StageRunning   StageState = "running"
	StageSucceeded StageState = "succeeded"
	StageFailed    StageState = "failed"
	StageSkipped   StageState = "skipped"
)

// Terminal reports whether the stage has reached a final state.
func (s StageState) Terminal() bool {
	return s == StageSucceeded || s == StageFailed || s == StageSkipped
}

// Skip reasons.
const (
	ReasonDisabled  = "disabled"
	ReasonCancelled = "cancelled"
	ReasonRestored  = "restored from checkpoint"
)

// Manager errors.
var (
	ErrRunNotFound        = errors.New("run not found")
	ErrRunFinished        = errors.New("run already finished")
	ErrRunActive          = errors.New("run is still active")
	ErrCheckpointMismatch = errors.New("checkpoint does not match pipeline configuration")
	ErrManagerClosed      = errors.New("pipeline manager is closed")
)

// StageResult is the outcome of a stage, including all attempts.
type StageResult struct {
	Stage      string            `json:"stage"`
	State      StageState        `json:"state"`
	Attempts   int               `json:"attempts"`
	Result     *processor.Result `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Duration   time.Duration     `json:"duration"`
}

// Report summarizes a finished run. Succeeded+Failed+Skipped equals Total.
type Report struct {
	RunID      string                 `json:"run_id"`
	Pipeline   string                 `json:"pipeline"`
	State      RunState               `json:"state"`
	Total      int                    `json:"total"`
	Succeeded  int                    `json:"succeeded"`
	Failed     int                    `json:"failed"`
	Skipped    int                    `json:"skipped"`
	Stages     map[string]StageResult `json:"stages"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Duration   time.Duration          `json:"duration"`
}

// FailedStages returns the names of failed stages.
func (r *Report) FailedStages() []string {
	return r.stagesIn(StageFailed)
}

// SkippedStages returns the names of skipped stages.
func (r *Report) SkippedStages() []string {
	return r.stagesIn(StageSkipped)
}

func (r *Report) stagesIn(state StageState) []string {
	var out []string
	for _, name := range sortedNames(r.Stages) {
		if r.Stages[name].State == state {
			out = append(out, name)
		}
	}
	return out
}

// Counts returns the per-state stage counts.
func (r *Report) Counts() map[string]int {
	return map[string]int{
		string(StageSucceeded): r.Succeeded,
		string(StageFailed):    r.Failed,
		string(StageSkipped):   r.Skipped,
	}
}

// RunError is returned by Wait for runs that did not succeed.
type RunError struct {
	RunID  string
	State  RunState
	Failed []string
}

func (e *RunError) Error() string {
	if len(e.Failed) == 0 {
		return fmt.Sprintf("run %s %s", e.RunID, e.State)
	}
	return fmt.Sprintf("run %s %s: failed stages %v", e.RunID, e.State, e.Failed)
}

// StageStatus is the live view of a stage.
type StageStatus struct {
	Name     string     `json:"name"`
	State    StageState `json:"state"`
	Level    int        `json:"level"`
	Attempts int        `json:"attempts"`
	Percent  float64    `json:"percent"`
	Error    string     `json:"error,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

// Status is the live view of a run.
type Status struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	State      RunState      `json:"state"`
	Progress   float64       `json:"progress"`
	Level      int           `json:"level"`
	Levels     int           `json:"levels"`
	Stages     []StageStatus `json:"stages"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Resumed    bool          `json:"resumed,omitempty"`
}
