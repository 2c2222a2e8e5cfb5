// Package localtool implements the tool executor port in-process with
// deterministic canned results. It backs dev mode and tests, where no MCP
// server is available.
package localtool

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// Executor resolves every builtin tool locally.
type Executor struct {
	now func() time.Time
}

// New creates a local executor.
func New() *Executor {
	return &Executor{now: time.Now}
}

// NewWithClock creates a local executor with an injected clock for tests.
func NewWithClock(now func() time.Time) *Executor {
	return &Executor{now: now}
}

// Execute returns a canned result shaped like the real backend's response.
func (e *Executor) Execute(ctx context.Context, name tool.Name, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch name {
	case tool.ScheduleMeeting:
		return map[string]any{
			"meeting_id":  uuid.NewString(),
			"customer_id": input["customer_id"],
			"title":       input["title"],
			"start_time":  input["start_time"],
			"status":      "scheduled",
		}, nil

	case tool.SendEmail:
		return map[string]any{
			"message_id": uuid.NewString(),
			"recipients": input["recipients"],
			"status":     "sent",
			"sent_at":    e.now().UTC().Format(time.RFC3339),
		}, nil

	case tool.CreateDocument:
		return map[string]any{
			"document_id": uuid.NewString(),
			"title":       input["title"],
			"url":         fmt.Sprintf("https://docs.cscx.local/%s", uuid.NewString()),
		}, nil

	case tool.QueryCustomers:
		return map[string]any{
			"filter": input["filter"],
			"customers": []any{
				map[string]any{"customer_id": "cus_8841", "name": "Northwind Logistics", "health_score": 62, "renewal_date": "2026-10-01"},
				map[string]any{"customer_id": "cus_2190", "name": "Fabrikam Robotics", "health_score": 48, "renewal_date": "2026-09-12"},
			},
			"total": 2,
		}, nil

	case tool.UpdateCRM:
		return map[string]any{
			"customer_id": input["customer_id"],
			"field":       input["field"],
			"value":       input["value"],
			"updated_at":  e.now().UTC().Format(time.RFC3339),
		}, nil

	case tool.SearchKnowledge:
		return map[string]any{
			"query": input["query"],
			"results": []any{
				map[string]any{"title": "Renewal playbook", "snippet": "Start outreach 90 days before the renewal date.", "score": 0.92},
				map[string]any{"title": "Escalation guide", "snippet": "Route critical accounts to the assigned CSM.", "score": 0.81},
			},
		}, nil

	default:
		return nil, fmt.Errorf("tool %s: %w", name, domain.ErrNotFound)
	}
}

// Backend returns empty: local execution needs no circuit breaker.
func (e *Executor) Backend() string { return "" }
