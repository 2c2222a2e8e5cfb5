package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentd"

// Metrics holds all agentd metric instruments.
type Metrics struct {
	ExecutionsStarted   metric.Int64Counter
	ExecutionsCompleted metric.Int64Counter
	ExecutionsFailed    metric.Int64Counter
	ExecutionsPaused    metric.Int64Counter
	ApprovalsResolved   metric.Int64Counter
	ToolCalls           metric.Int64Counter
	IntentClassified    metric.Int64Counter
	BreakerTransitions  metric.Int64Counter
	StepDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ExecutionsStarted, err = meter.Int64Counter("agentd.executions.started",
		metric.WithDescription("Number of executions started"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsCompleted, err = meter.Int64Counter("agentd.executions.completed",
		metric.WithDescription("Number of executions completed"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsFailed, err = meter.Int64Counter("agentd.executions.failed",
		metric.WithDescription("Number of executions failed"))
	if err != nil {
		return nil, err
	}

	m.ExecutionsPaused, err = meter.Int64Counter("agentd.executions.paused",
		metric.WithDescription("Number of executions paused for approval"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("agentd.approvals.resolved",
		metric.WithDescription("Number of approvals resolved"))
	if err != nil {
		return nil, err
	}

	m.ToolCalls, err = meter.Int64Counter("agentd.toolcalls",
		metric.WithDescription("Number of tool calls"))
	if err != nil {
		return nil, err
	}

	m.IntentClassified, err = meter.Int64Counter("agentd.intent.classified",
		metric.WithDescription("Number of intent classifications"))
	if err != nil {
		return nil, err
	}

	m.BreakerTransitions, err = meter.Int64Counter("agentd.breaker.transitions",
		metric.WithDescription("Number of circuit breaker state transitions"))
	if err != nil {
		return nil, err
	}

	m.StepDuration, err = meter.Float64Histogram("agentd.step.duration_seconds",
		metric.WithDescription("Tool step duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
