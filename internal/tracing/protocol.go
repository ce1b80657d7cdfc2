package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName      = "codexrt/protocol"
	maxAttrValueLen = 8192
)

// TraceRequest starts a client span for an outgoing request. The caller ends it.
func TraceRequest(ctx context.Context, method, id string) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "codex."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("rpc.system", "codex"),
		attribute.String("rpc.method", method),
		attribute.String("rpc.id", id),
	)
	return ctx, span
}

// TraceServerRequest starts a server span for a request initiated by the agent.
func TraceServerRequest(ctx context.Context, method, id string, params []byte) (context.Context, trace.Span) {
	ctx, span := Tracer(tracerName).Start(ctx, "codex."+method, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("rpc.system", "codex"),
		attribute.String("rpc.method", method),
		attribute.String("rpc.id", id),
	)
	if len(params) > 0 {
		span.AddEvent("params", trace.WithAttributes(
			attribute.String("data", truncate(string(params), maxAttrValueLen)),
		))
	}
	return ctx, span
}

// EndSpan records err, if any, and ends span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}
