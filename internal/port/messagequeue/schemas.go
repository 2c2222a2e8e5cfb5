package messagequeue

import "time"

// ExecutionLifecyclePayload is the schema for executions.* envelopes.
type ExecutionLifecyclePayload struct {
	StateID    string `json:"state_id"`
	UserID     string `json:"user_id"`
	Goal       string `json:"goal"`
	Specialist string `json:"specialist"`
	Status     string `json:"status"`
	StepCount  int    `json:"step_count"`
	Error      string `json:"error,omitempty"`
}

// ApprovalRequestedPayload is the schema for approvals.requested envelopes.
type ApprovalRequestedPayload struct {
	ApprovalID string    `json:"approval_id"`
	StateID    string    `json:"state_id"`
	UserID     string    `json:"user_id"`
	Tool       string    `json:"tool"`
	Risk       string    `json:"risk"`
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ApprovalResolvedPayload is the schema for approvals.resolved and
// approvals.expired envelopes.
type ApprovalResolvedPayload struct {
	ApprovalID string `json:"approval_id"`
	StateID    string `json:"state_id"`
	UserID     string `json:"user_id"`
	Approved   bool   `json:"approved"`
	Reason     string `json:"reason,omitempty"`
}

// BreakerStatePayload is the schema for breakers.state_changed envelopes.
type BreakerStatePayload struct {
	Dependency string `json:"dependency"`
	From       string `json:"from"`
	To         string `json:"to"`
}

// IntentClassifiedPayload is the schema for intent.classified envelopes.
type IntentClassifiedPayload struct {
	UserID     string  `json:"user_id"`
	Specialist string  `json:"specialist"`
	Confidence float64 `json:"confidence"`
	Strategy   string  `json:"strategy"`
}
