package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name used for all engine spans.
const InstrumentationName = "github.com/spherical-ai/pipeline-engine"

// Tracer returns the engine tracer from the globally installed provider.
// Without a configured provider this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
