// Package processor defines the contract every unit of pipeline work
// satisfies and the registry used to discover processors by name.
package processor

import (
	"context"
	"time"
)

// Processor is a pluggable unit of document-processing work.
//
// Execute must not mutate anything outside the Result it returns. It may
// block; the worker pool bounds it with the task timeout carried by ctx.
type Processor interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, pctx *Context) (*Result, error)
	// HealthCheck is a cheap readiness probe.
	HealthCheck(ctx context.Context) error
}

// Capabilities declares the input and output types a processor handles.
type Capabilities struct {
	Accepts  []string `json:"accepts,omitempty"`
	Produces []string `json:"produces,omitempty"`
}

// AcceptsType reports whether the processor declares the given input type.
func (c Capabilities) AcceptsType(t string) bool {
	for _, a := range c.Accepts {
		if a == t || a == "*" {
			return true
		}
	}
	return false
}

// ProducesType reports whether the processor declares the given output type.
func (c Capabilities) ProducesType(t string) bool {
	for _, p := range c.Produces {
		if p == t {
			return true
		}
	}
	return false
}

// Result is the outcome of one processor invocation.
type Result struct {
	Success    bool          `json:"success"`
	Payload    any           `json:"payload,omitempty"`
	Error      *ErrorInfo    `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
}

// Succeeded builds a successful result carrying payload.
func Succeeded(payload any) *Result {
	return &Result{Success: true, Payload: payload}
}

// Failed builds a failed result from err.
func Failed(kind ErrorKind, err error) *Result {
	return &Result{Success: false, Error: NewErrorInfo(kind, err)}
}

// Err returns the structured error as a Go error, or nil on success.
func (r *Result) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// Stamp records timing metadata on the result.
func (r *Result) Stamp(started, finished time.Time) {
	r.StartedAt = started
	r.FinishedAt = finished
	r.Duration = finished.Sub(started)
}
