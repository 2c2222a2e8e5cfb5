// Package approval holds the human-in-the-loop gate: the pending-approval
// record attached to a paused execution and the policy that decides which
// risk levels may proceed without a human.
package approval

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/risk"
	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// DefaultExpiry is how long a pending approval stays resolvable. Past it
// the approval counts as rejected the next time anything touches it.
const DefaultExpiry = 24 * time.Hour

// Pending is the approval attached to a paused execution. An execution
// carries at most one at a time.
type Pending struct {
	ID            uuid.UUID      `json:"id"`
	StateID       uuid.UUID      `json:"state_id"`
	Tool          tool.Name      `json:"tool"`
	Risk          risk.Level     `json:"risk"`
	Reason        string         `json:"reason"`
	ProposedInput map[string]any `json:"proposed_input"`
	RequestedAt   time.Time      `json:"requested_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

// NewPending builds the approval record for a step that must pause.
func NewPending(stateID uuid.UUID, name tool.Name, level risk.Level, reason string, input map[string]any, now time.Time, expiry time.Duration) *Pending {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Pending{
		ID:            uuid.New(),
		StateID:       stateID,
		Tool:          name,
		Risk:          level,
		Reason:        reason,
		ProposedInput: input,
		RequestedAt:   now,
		ExpiresAt:     now.Add(expiry),
	}
}

// Expired reports whether the approval is past its window at now.
func (p *Pending) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AutoApproveLevel names how much the policy trusts the agent.
type AutoApproveLevel string

const (
	AutoApproveNone              AutoApproveLevel = "none"
	AutoApproveLowRisk           AutoApproveLevel = "low_risk"
	AutoApproveAllExceptCritical AutoApproveLevel = "all_except_critical"
)

// ParseAutoApproveLevel validates a wire-level auto-approve level.
func ParseAutoApproveLevel(s string) (AutoApproveLevel, error) {
	switch AutoApproveLevel(s) {
	case AutoApproveNone, AutoApproveLowRisk, AutoApproveAllExceptCritical:
		return AutoApproveLevel(s), nil
	}
	return "", fmt.Errorf("%w: unknown auto-approve level %q", domain.ErrValidation, s)
}

// Policy is supplied per user or session and stays fixed for the lifetime
// of one execution.
type Policy struct {
	AutoApprove     AutoApproveLevel `yaml:"auto_approve" json:"auto_approve"`
	PauseOnHighRisk bool             `yaml:"pause_on_high_risk" json:"pause_on_high_risk"`
	ActiveHours     *Schedule        `yaml:"-" json:"-"`
}

// DefaultPolicy trusts nothing: every step pauses for a human.
func DefaultPolicy() Policy {
	return Policy{AutoApprove: AutoApproveNone}
}

// Allows reports whether a step at the given risk level may execute
// without a human decision. Critical never passes. Outside the policy's
// active hours nothing passes.
func (p Policy) Allows(level risk.Level, now time.Time) bool {
	if level == risk.LevelCritical {
		return false
	}
	if p.ActiveHours != nil && !p.ActiveHours.Contains(now) {
		return false
	}
	switch p.AutoApprove {
	case AutoApproveLowRisk:
		return level == risk.LevelLow
	case AutoApproveAllExceptCritical:
		if level == risk.LevelHigh && p.PauseOnHighRisk {
			return false
		}
		return true
	default:
		return false
	}
}
