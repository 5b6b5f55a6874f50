package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	daemonTracerName = "minion-daemon"
	taskTracerName   = "minion-task"
)

// StartTurn creates a span for one provider invocation in the poll loop.
func StartTurn(ctx context.Context, agent, promptKind string, generation int) (context.Context, trace.Span) {
	ctx, span := Tracer(daemonTracerName).Start(ctx, "daemon.turn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent", agent),
		attribute.String("prompt_kind", promptKind),
		attribute.Int("generation", generation),
	)
	return ctx, span
}

// StartTransition creates a span for a task stage operation.
func StartTransition(ctx context.Context, taskID int64, op string) (context.Context, trace.Span) {
	ctx, span := Tracer(taskTracerName).Start(ctx, "task."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.Int64("task_id", taskID),
		attribute.String("operation", op),
	)
	return ctx, span
}

// RecordResult records the outcome of the spanned operation.
func RecordResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
