// Package trace wires the service's spans into OpenTelemetry.
package trace

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// flushTimeout bounds how long Done waits for buffered spans to reach the
// collector.
const flushTimeout = 5 * time.Second

// Tracer ships spans to an OTLP collector over gRPC. Exporter connection
// parameters come from the standard OTEL environment variables, e.g.
// OTEL_EXPORTER_OTLP_ENDPOINT.
type Tracer struct {
	log      zerolog.Logger
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NewTracer builds a Tracer reporting under the given service name. Exporter
// errors are demoted to debug logs so a flaky collector cannot drag the
// service down with it.
func NewTracer(log zerolog.Logger, serviceName string) (*Tracer, error) {
	ctx := context.TODO()
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(provider)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		log.Debug().Err(err).Msg("tracing error")
	}))

	return &Tracer{
		log:      log,
		tracer:   provider.Tracer(""),
		shutdown: provider.Shutdown,
	}, nil
}

// Ready closes immediately; the batch exporter connects lazily.
func (t *Tracer) Ready() <-chan struct{} {
	ready := make(chan struct{})
	close(ready)
	return ready
}

// Done flushes buffered spans, giving up after flushTimeout.
func (t *Tracer) Done() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		if err := t.shutdown(ctx); err != nil {
			t.log.Error().Err(err).Msg("could not flush spans")
		}
	}()
	return done
}

// StartSpanFromContext opens a span as a child of whatever span the context
// carries.
func (t *Tracer) StartSpanFromContext(
	ctx context.Context,
	operationName SpanName,
	opts ...trace.SpanStartOption,
) (trace.Span, context.Context) {
	ctx, span := t.tracer.Start(ctx, string(operationName), opts...)
	return span, ctx
}
