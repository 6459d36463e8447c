package processor

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrProcessorNotFound  = errors.New("processor not found")
	ErrDuplicateProcessor = errors.New("processor already registered")
	ErrRegistrySealed     = errors.New("processor registry is sealed")
	ErrInvalidFactory     = errors.New("invalid processor factory")
)

// ErrorKind classifies a failed invocation.
type ErrorKind string

const (
	ErrorKindExecution ErrorKind = "execution"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindPanic     ErrorKind = "panic"
	ErrorKindCancelled ErrorKind = "cancelled"
	ErrorKindShutdown  ErrorKind = "shutdown"
	ErrorKindNotFound  ErrorKind = "not_found"
	ErrorKindInput     ErrorKind = "input"
)

// ErrorInfo is the structured, serializable error carried by a Result.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// NewErrorInfo converts err into an ErrorInfo of the given kind.
func NewErrorInfo(kind ErrorKind, err error) *ErrorInfo {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &ErrorInfo{Kind: kind, Message: msg}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// ExecutionError reports that a processor raised or returned a failure.
type ExecutionError struct {
	Processor string
	Stage     string
	Err       error
}

func (e *ExecutionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("processor %q failed in stage %q: %v", e.Processor, e.Stage, e.Err)
	}
	return fmt.Sprintf("processor %q failed: %v", e.Processor, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// InputError marks a failure caused by bad input rather than by the
// processor itself.
func InputError(message string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", errInput, message)
	}
	return fmt.Errorf("%w: %s: %w", errInput, message, err)
}

var errInput = errors.New("invalid input")

// IsInputError reports whether err was built by InputError.
func IsInputError(err error) bool {
	return errors.Is(err, errInput)
}
