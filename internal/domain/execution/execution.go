// Package execution defines the durable record of a multi-step goal: its
// plan, its append-only step log, and the status machine the loop drives.
// The record is a serialized continuation; everything needed to resume
// after a restart lives on the struct and survives JSON round-trips.
package execution

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/approval"
	"github.com/cscx-ai/agentd/internal/domain/risk"
	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// Status is the lifecycle phase of an execution.
type Status string

const (
	StatusPlanning          Status = "PLANNING"
	StatusExecuting         Status = "EXECUTING"
	StatusPausedForApproval Status = "PAUSED_FOR_APPROVAL"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var transitions = map[Status][]Status{
	StatusPlanning:          {StatusExecuting, StatusFailed},
	StatusExecuting:         {StatusPausedForApproval, StatusCompleted, StatusFailed},
	StatusPausedForApproval: {StatusExecuting, StatusFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome records how an executed step ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePending Outcome = "pending"
)

// PlannedStep is one entry of the plan produced in PLANNING.
type PlannedStep struct {
	Tool   tool.Name      `json:"tool"`
	Input  map[string]any `json:"input"`
	Reason string         `json:"reason,omitempty"`
}

// Step is one executed entry of the append-only log. Never mutated after
// being appended.
type Step struct {
	Index      int            `json:"index"`
	Tool       tool.Name      `json:"tool"`
	Input      map[string]any `json:"input"`
	Risk       risk.Level     `json:"risk"`
	Outcome    Outcome        `json:"outcome"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// State is the durable execution record. Writers must persist through the
// state store, which owns the version counter.
type State struct {
	ID         uuid.UUID         `json:"id"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Goal       string            `json:"goal"`
	Specialist string            `json:"specialist"`
	Status     Status            `json:"status"`
	Plan       []PlannedStep     `json:"plan"`
	Cursor     int               `json:"cursor"`
	Steps      []Step            `json:"steps"`
	Context    map[string]any    `json:"context"`
	Pending    *approval.Pending `json:"pending_approval,omitempty"`
	Error      string            `json:"error,omitempty"`
	Version    int               `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// New creates a fresh record in PLANNING for the given goal.
func New(userID, sessionID, goal, specialist string, goalContext map[string]any) *State {
	if goalContext == nil {
		goalContext = map[string]any{}
	}
	return &State{
		ID:         uuid.New(),
		UserID:     userID,
		SessionID:  sessionID,
		Goal:       goal,
		Specialist: specialist,
		Status:     StatusPlanning,
		Plan:       []PlannedStep{},
		Steps:      []Step{},
		Context:    goalContext,
		Version:    1,
	}
}

// Transition moves the record to next, rejecting illegal moves.
func (s *State) Transition(next Status) error {
	if !CanTransition(s.Status, next) {
		return fmt.Errorf("%w: cannot transition %s execution from %s to %s", domain.ErrValidation, s.ID, s.Status, next)
	}
	s.Status = next
	return nil
}

// AppendStep adds a step to the log. The index is assigned here so the log
// stays gapless and ordered.
func (s *State) AppendStep(st Step) {
	st.Index = len(s.Steps)
	s.Steps = append(s.Steps, st)
}

// NextPlanned returns the step the cursor points at, if any remain.
func (s *State) NextPlanned() (PlannedStep, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Plan) {
		return PlannedStep{}, false
	}
	return s.Plan[s.Cursor], true
}

// Advance moves the cursor past the step that just resolved.
func (s *State) Advance() {
	s.Cursor++
}

// PlanExhausted reports whether every planned step has been consumed.
func (s *State) PlanExhausted() bool {
	return s.Cursor >= len(s.Plan)
}

// Fail marks the record FAILED with reason, clearing any pending approval.
func (s *State) Fail(reason string) error {
	if err := s.Transition(StatusFailed); err != nil {
		return err
	}
	s.Error = reason
	s.Pending = nil
	return nil
}

// ReplayContext rebuilds the derived context from the step log. It starts
// from the goal context and layers each successful step's result on top,
// keyed by position, without re-executing anything.
func (s *State) ReplayContext() map[string]any {
	ctx := make(map[string]any, len(s.Context)+len(s.Steps)+1)
	for k, v := range s.Context {
		ctx[k] = v
	}
	for _, st := range s.Steps {
		if st.Outcome != OutcomeSuccess {
			continue
		}
		ctx[fmt.Sprintf("step_%d_result", st.Index)] = st.Result
		ctx["last_result"] = st.Result
	}
	return ctx
}
