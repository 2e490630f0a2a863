package module

import (
	"context"

	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/entropool/entropool/module/trace"
)

var (
	_ Tracer = (*trace.Tracer)(nil)
	_ Tracer = (*trace.NoopTracer)(nil)
)

// Tracer creates spans for the service's request paths. Span identities and
// options come from otel; Done flushes buffered spans to the exporter.
type Tracer interface {
	ReadyDoneAware

	// StartSpanFromContext opens a span as a child of whatever span the
	// context carries, and returns the context to pass to nested calls.
	StartSpanFromContext(
		ctx context.Context,
		operationName trace.SpanName,
		opts ...otelTrace.SpanStartOption,
	) (otelTrace.Span, context.Context)
}
