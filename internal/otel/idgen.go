package otel

import (
	"context"
	"crypto/rand"

	"go.opentelemetry.io/otel/trace"
)

type traceIDKey struct{}

// ContextWithTraceID asks IDGenerator to use id for the next root span started with ctx.
func ContextWithTraceID(ctx context.Context, id trace.TraceID) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}

// IDGenerator generates random IDs, except for root spans whose context
// carries a trace ID from ContextWithTraceID.
type IDGenerator struct{}

// NewIDs returns the trace ID and span ID of a new root span.
func (IDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	if id, ok := ctx.Value(traceIDKey{}).(trace.TraceID); ok && id.IsValid() {
		return id, RandomSpanID()
	}
	return RandomTraceID(), RandomSpanID()
}

// NewSpanID returns a span ID for a child span.
func (IDGenerator) NewSpanID(context.Context, trace.TraceID) trace.SpanID {
	return RandomSpanID()
}

// RandomTraceID returns a random non-zero trace ID.
func RandomTraceID() trace.TraceID {
	var id trace.TraceID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}

// RandomSpanID returns a random non-zero span ID.
func RandomSpanID() trace.SpanID {
	var id trace.SpanID
	for !id.IsValid() {
		_, _ = rand.Read(id[:])
	}
	return id
}
