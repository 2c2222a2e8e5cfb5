package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	adotel "github.com/cscx-ai/agentd/internal/adapter/otel"
	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/port/toolexec"
	"github.com/cscx-ai/agentd/internal/resilience"
)

// ToolRunner validates tool inputs against the registry schema and
// dispatches them to the configured executor. Calls to out-of-process
// backends go through a circuit breaker keyed by the backend name;
// in-process execution does not involve the breaker at all.
type ToolRunner struct {
	registry *tool.Registry
	exec     toolexec.Executor
	breakers *resilience.Registry
	metrics  *adotel.Metrics
}

// NewToolRunner wires the registry, executor and breaker registry together.
func NewToolRunner(registry *tool.Registry, exec toolexec.Executor, breakers *resilience.Registry) *ToolRunner {
	return &ToolRunner{
		registry: registry,
		exec:     exec,
		breakers: breakers,
	}
}

// SetMetrics attaches the meter instruments. Optional.
func (t *ToolRunner) SetMetrics(m *adotel.Metrics) { t.metrics = m }

// Run validates input and executes the named tool. Validation failures
// surface before any side effect. Transient backend failures are
// retried once inside the breaker window so a single blip does not
// count against the circuit.
func (t *ToolRunner) Run(ctx context.Context, name tool.Name, input map[string]any) (map[string]any, error) {
	if err := t.registry.ValidateInput(name, input); err != nil {
		return nil, err
	}

	start := time.Now()
	var result map[string]any
	var err error

	if dep := t.exec.Backend(); dep != "" {
		err = t.breakers.Call("tool:"+dep, func() error {
			var callErr error
			result, callErr = t.exec.Execute(ctx, name, input)
			if callErr != nil && errors.Is(callErr, domain.ErrTransientProvider) {
				slog.Debug("transient tool failure, retrying once", "tool", name, "backend", dep)
				result, callErr = t.exec.Execute(ctx, name, input)
			}
			return callErr
		})
	} else {
		result, err = t.exec.Execute(ctx, name, input)
	}

	t.record(ctx, name, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (t *ToolRunner) record(ctx context.Context, name tool.Name, elapsed time.Duration, err error) {
	if t.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	t.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", string(name)),
		attribute.String("outcome", outcome),
	))
	t.metrics.StepDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("tool", string(name)),
	))
}
