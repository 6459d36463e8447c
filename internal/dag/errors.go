package dag

import (
	"errors"
	"fmt"
	"strings"
)

// Validation errors.
var (
	ErrEmptyPipeline      = errors.New("pipeline has no stages")
	ErrDuplicateStage     = errors.New("duplicate stage name")
	ErrUnknownDependency  = errors.New("dependency references unknown stage")
	ErrSelfDependency     = errors.New("stage depends on itself")
	ErrUnknownProcessor   = errors.New("stage references unknown processor")
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")
	ErrInvalidSchema      = errors.New("pipeline config failed schema validation")
	ErrUnknownStage       = errors.New("unknown stage")
)

// ConfigurationError is raised for any malformed pipeline before execution
// starts. It is always fatal for the run.
type ConfigurationError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("pipeline configuration")
	if e.Stage != "" {
		fmt.Fprintf(&b, " (stage %q)", e.Stage)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// CyclicPipelineError names the stages forming a dependency cycle. Cycle
// starts and ends with the same stage.
type CyclicPipelineError struct {
	Cycle []string
}

// NewCycleError builds a CyclicPipelineError from a DFS path.
func NewCycleError(cycle []string) *CyclicPipelineError {
	c := make([]string, len(cycle))
	copy(c, cycle)
	return &CyclicPipelineError{Cycle: c}
}

func (e *CyclicPipelineError) Error() string {
	return "cyclic pipeline: " + strings.Join(e.Cycle, " -> ")
}

// Stages returns the distinct stages taking part in the cycle.
func (e *CyclicPipelineError) Stages() []string {
	if len(e.Cycle) <= 1 {
		return e.Cycle
	}
	return e.Cycle[:len(e.Cycle)-1]
}

// IsConfigurationError reports whether err is a pipeline configuration error.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
