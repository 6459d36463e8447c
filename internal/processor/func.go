package processor

import (
	"context"
	"fmt"
)

// ExecuteFunc is the signature of a processor body.
type ExecuteFunc func(ctx context.Context, pctx *Context) (*Result, error)

// FuncProcessor adapts a plain function into a Processor.
//
// Example:
//
//	p := processor.NewFunc("uppercase", func(ctx context.Context, pc *processor.Context) (*processor.Result, error) {
//	    return processor.Succeeded(strings.ToUpper(pc.Source())), nil
//	})
type FuncProcessor struct {
	name string
	caps Capabilities
	fn   ExecuteFunc
}

// NewFunc creates a processor from a function.
func NewFunc(name string, fn ExecuteFunc) *FuncProcessor {
	return &FuncProcessor{name: name, fn: fn}
}

// WithCapabilities sets the declared capabilities.
func (p *FuncProcessor) WithCapabilities(caps Capabilities) *FuncProcessor {
	p.caps = caps
	return p
}

// Name implements Processor.
func (p *FuncProcessor) Name() string { return p.name }

// Capabilities implements Processor.
func (p *FuncProcessor) Capabilities() Capabilities { return p.caps }

// Execute implements Processor.
func (p *FuncProcessor) Execute(ctx context.Context, pctx *Context) (*Result, error) {
	if p.fn == nil {
		return nil, fmt.Errorf("processor %q has no body", p.name)
	}
	return p.fn(ctx, pctx)
}

// HealthCheck implements Processor.
func (p *FuncProcessor) HealthCheck(context.Context) error {
	if p.fn == nil {
		return fmt.Errorf("processor %q has no body", p.name)
	}
	return nil
}
