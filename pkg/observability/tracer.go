package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// GetTracer returns a tracer from the global provider. Without an installed
// provider spans are no-ops, so call sites stay unconditional.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
