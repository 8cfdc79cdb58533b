package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "agentor-sessions"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceSpawn creates a span for session creation.
func TraceSpawn(ctx context.Context, projectID, issueID string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("project_id", projectID),
		attribute.String("issue_id", issueID),
	)
	return ctx, span
}

// TraceTick creates a span for one lifecycle poll pass.
func TraceTick(ctx context.Context, sessionCount int) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "lifecycle.tick",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.Int("session_count", sessionCount))
	return ctx, span
}

// RecordResult sets the span's error status from the operation outcome.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
