package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ledger spans.
var (
	AttrUserID     = attribute.Key("memledger.user.id")
	AttrAgentID    = attribute.Key("memledger.agent.id")
	AttrEntryID    = attribute.Key("memledger.entry.id")
	AttrEntryType  = attribute.Key("memledger.entry.type")
	AttrBatchID    = attribute.Key("memledger.batch.id")
	AttrEntryCount = attribute.Key("memledger.batch.entry_count")
	AttrErrorCode  = attribute.Key("memledger.error.code")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
