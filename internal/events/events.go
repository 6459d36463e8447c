// Package events defines the process-wide event bus carrying task progress
// and stage/run completion events.
package events

import (
	"time"
)

// Kind identifies the type of an event.
type Kind string

const (
	KindProgress Kind = "progress"
	KindStage    Kind = "stage"
	KindRun      Kind = "run"
)

// Phase is a task lifecycle phase.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseStarted   Phase = "started"
	PhaseProgress  Phase = "progress"
	PhaseSucceeded Phase = "succeeded"
	PhaseFailed    Phase = "failed"
	PhaseRetrying  Phase = "retrying"
	PhaseSkipped   Phase = "skipped"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether no further phase follows p for the same task.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseSucceeded, PhaseFailed, PhaseSkipped, PhaseCancelled:
		return true
	}
	return false
}

// Event is anything published on the bus.
type Event interface {
	Kind() Kind
	Run() string
	Time() time.Time
}

// ProgressEvent reports a task phase transition.
type ProgressEvent struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id,omitempty"`
	Stage     string    `json:"stage"`
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	// Percent is set only for PhaseProgress events.
	Percent  *float64 `json:"percent,omitempty"`
	Attempt  int      `json:"attempt,omitempty"`
	Strategy string   `json:"strategy,omitempty"`
	Error    string   `json:"error,omitempty"`
}

func (e ProgressEvent) Kind() Kind      { return KindProgress }
func (e ProgressEvent) Run() string     { return e.RunID }
func (e ProgressEvent) Time() time.Time { return e.Timestamp }

// StageEvent reports a stage reaching a terminal state. Restored marks
// stages replayed from a checkpoint on resume; they did not run again.
type StageEvent struct {
	RunID     string        `json:"run_id"`
	Stage     string        `json:"stage"`
	State     string        `json:"state"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Restored  bool          `json:"restored,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e StageEvent) Kind() Kind      { return KindStage }
func (e StageEvent) Run() string     { return e.RunID }
func (e StageEvent) Time() time.Time { return e.Timestamp }

// RunEvent reports a run state transition.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	State     string         `json:"state"`
	Progress  float64        `json:"progress"`
	Counts    map[string]int `json:"counts,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (e RunEvent) Kind() Kind      { return KindRun }
func (e RunEvent) Run() string     { return e.RunID }
func (e RunEvent) Time() time.Time { return e.Timestamp }

// Publisher accepts events.
type Publisher interface {
	Publish(e Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(e Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) { f(e) }

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
