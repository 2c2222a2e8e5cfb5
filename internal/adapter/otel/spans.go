package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentd"

// StartExecutionSpan starts a span for a plan-and-execute run.
func StartExecutionSpan(ctx context.Context, stateID, specialist string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "execution",
		trace.WithAttributes(
			attribute.String("execution.id", stateID),
			attribute.String("execution.specialist", specialist),
		),
	)
}

// StartStepSpan starts a span for one tool step within an execution.
func StartStepSpan(ctx context.Context, stateID, tool string, index int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "step",
		trace.WithAttributes(
			attribute.String("execution.id", stateID),
			attribute.String("step.tool", tool),
			attribute.Int("step.index", index),
		),
	)
}

// StartClassifySpan starts a span for an intent classification.
func StartClassifySpan(ctx context.Context, strategy string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "classify",
		trace.WithAttributes(
			attribute.String("intent.strategy", strategy),
		),
	)
}
