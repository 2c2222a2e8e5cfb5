// Package event defines the immutable envelopes published on the message
// queue and fanned out to websocket clients.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of event. The value doubles as the queue
// subject.
type Type string

const (
	TypeExecutionStarted   Type = "executions.started"
	TypeExecutionPaused    Type = "executions.paused"
	TypeExecutionResumed   Type = "executions.resumed"
	TypeExecutionCompleted Type = "executions.completed"
	TypeExecutionFailed    Type = "executions.failed"

	TypeApprovalRequested Type = "approvals.requested"
	TypeApprovalResolved  Type = "approvals.resolved"
	TypeApprovalExpired   Type = "approvals.expired"

	TypeBreakerStateChanged Type = "breakers.state_changed"

	TypeIntentClassified Type = "intent.classified"
)

// Envelope is a single immutable event. Payload carries the type-specific
// body; consumers decode it by Type.
type Envelope struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	StateID   string          `json:"state_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"request_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
