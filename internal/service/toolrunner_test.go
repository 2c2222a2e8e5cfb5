package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
	"github.com/cscx-ai/agentd/internal/resilience"
)

func newTestRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	registry, err := tool.NewRegistry(tool.Builtins())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return registry
}

func TestRunRejectsInvalidInputBeforeExecuting(t *testing.T) {
	exec := &fakeExec{}
	runner := NewToolRunner(newTestRegistry(t), exec, resilience.NewRegistry(5, time.Minute))

	_, err := runner.Run(context.Background(), tool.ScheduleMeeting, map[string]any{
		"customer_id": "acme",
		// title and start_time missing
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation failure", err)
	}
	if got := exec.count(tool.ScheduleMeeting); got != 0 {
		t.Fatalf("executor called %d times for invalid input", got)
	}
}

func TestRunUnknownTool(t *testing.T) {
	exec := &fakeExec{}
	runner := NewToolRunner(newTestRegistry(t), exec, resilience.NewRegistry(5, time.Minute))

	if _, err := runner.Run(context.Background(), tool.Name("drop_tables"), nil); err == nil {
		t.Fatal("expected error for unknown tool")
	}
	if len(exec.calls) != 0 {
		t.Fatal("executor called for unknown tool")
	}
}

func TestRunInProcessSkipsBreaker(t *testing.T) {
	boom := errors.New("calendar unavailable")
	exec := &fakeExec{run: func(tool.Name, map[string]any) (map[string]any, error) {
		return nil, boom
	}}
	breakers := resilience.NewRegistry(2, time.Minute)
	runner := NewToolRunner(newTestRegistry(t), exec, breakers)

	input := map[string]any{"filter": "plan = enterprise"}
	for i := 0; i < 5; i++ {
		_, err := runner.Run(context.Background(), tool.QueryCustomers, input)
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}
	if snaps := breakers.Status(); len(snaps) != 0 {
		t.Fatalf("in-process execution created %d breakers", len(snaps))
	}
	if got := exec.count(tool.QueryCustomers); got != 5 {
		t.Fatalf("executor called %d times, want 5", got)
	}
}

func TestRunRemoteBackendTripsBreaker(t *testing.T) {
	boom := errors.New("mcp server down")
	exec := &fakeExec{backend: "mcp", run: func(tool.Name, map[string]any) (map[string]any, error) {
		return nil, boom
	}}
	breakers := resilience.NewRegistry(2, time.Minute)
	runner := NewToolRunner(newTestRegistry(t), exec, breakers)

	input := map[string]any{"filter": "stage = renewal"}
	for i := 0; i < 2; i++ {
		if _, err := runner.Run(context.Background(), tool.QueryCustomers, input); !errors.Is(err, boom) {
			t.Fatalf("call %d: err = %v, want backend error", i, err)
		}
	}

	_, err := runner.Run(context.Background(), tool.QueryCustomers, input)
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want circuit open", err)
	}
	if got := exec.count(tool.QueryCustomers); got != 2 {
		t.Fatalf("executor called %d times, want 2 (open circuit sheds calls)", got)
	}
}

func TestRunRemoteTransientRetriedOnce(t *testing.T) {
	attempts := 0
	exec := &fakeExec{backend: "mcp", run: func(tool.Name, map[string]any) (map[string]any, error) {
		attempts++
		if attempts == 1 {
			return nil, fmt.Errorf("%w: connection reset", domain.ErrTransientProvider)
		}
		return map[string]any{"rows": 3}, nil
	}}
	breakers := resilience.NewRegistry(2, time.Minute)
	runner := NewToolRunner(newTestRegistry(t), exec, breakers)

	result, err := runner.Run(context.Background(), tool.QueryCustomers, map[string]any{"filter": "all"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result["rows"] != 3 {
		t.Fatalf("result = %v, want rows from second attempt", result)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	for _, snap := range breakers.Status() {
		if snap.ConsecutiveFailures != 0 {
			t.Fatalf("breaker %s counted %d failures after recovered call", snap.Name, snap.ConsecutiveFailures)
		}
	}
}
