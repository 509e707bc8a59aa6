package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for fleetcore spans.
var (
	AttrSessionID     = attribute.Key("fleetcore.session.id")
	AttrContainerID   = attribute.Key("fleetcore.container.id")
	AttrWorkerState   = attribute.Key("fleetcore.worker.state_from")
	AttrWorkerStateTo = attribute.Key("fleetcore.worker.state_to")
	AttrStreamID      = attribute.Key("fleetcore.stream.id")
	AttrSeq           = attribute.Key("fleetcore.stream.seq")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (container driver, executor RPC).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
