package builtin

import (
	"context"

	"github.com/spherical-ai/pipeline-engine/internal/processor"
)

// Passthrough echoes its inputs. It is useful for wiring tests and as a
// join point in pipelines.
type Passthrough struct{}

// NewPassthrough creates a passthrough processor.
func NewPassthrough() *Passthrough { return &Passthrough{} }

// Name implements processor.Processor.
func (p *Passthrough) Name() string { return PassthroughName }

// Capabilities implements processor.Processor.
func (p *Passthrough) Capabilities() processor.Capabilities {
	return processor.Capabilities{Accepts: []string{"*"}, Produces: []string{"passthrough"}}
}

// HealthCheck implements processor.Processor.
func (p *Passthrough) HealthCheck(context.Context) error { return nil }

// Execute implements processor.Processor.
func (p *Passthrough) Execute(ctx context.Context, pc *processor.Context) (*processor.Result, error) {
	upstream := make(map[string]any, len(pc.UpstreamNames()))
	for _, name := range pc.UpstreamNames() {
		r, _ := pc.Upstream(name)
		upstream[name] = r.Payload
	}
	return processor.Succeeded(map[string]any{
		"document_id": pc.DocumentID(),
		"source":      pc.Source(),
		"upstream":    upstream,
	}), nil
}
