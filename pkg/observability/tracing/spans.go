package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/jobstore"

// SpanOption adds attributes to a store span.
type SpanOption func(*[]attribute.KeyValue)

// WithBackend tags the span with the storage engine name.
func WithBackend(backend string) SpanOption {
	return func(attrs *[]attribute.KeyValue) {
		*attrs = append(*attrs, attribute.String("jobstore.backend", backend))
	}
}

// WithWorker tags the span with the claiming worker.
func WithWorker(workerID string) SpanOption {
	return func(attrs *[]attribute.KeyValue) {
		if workerID != "" {
			*attrs = append(*attrs, attribute.String("jobstore.worker", workerID))
		}
	}
}

// WithJobID tags the span with a job identifier.
func WithJobID(id string) SpanOption {
	return func(attrs *[]attribute.KeyValue) {
		if id != "" {
			*attrs = append(*attrs, attribute.String("jobstore.job_id", id))
		}
	}
}

// StartStoreSpan starts a client span named "jobstore.<operation>".
func StartStoreSpan(ctx context.Context, operation string, opts ...SpanOption) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("jobstore.operation", operation)}
	for _, opt := range opts {
		opt(&attrs)
	}
	return otel.Tracer(instrumentationName).Start(ctx, "jobstore."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
