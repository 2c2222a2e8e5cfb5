// Package intent defines the specialists a request can be routed to and
// the pure scoring rules the router runs before falling back to a model.
package intent

import (
	"fmt"
	"strings"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/tool"
)

// Specialist identifies a domain handler. The set is closed; the
// model-based strategy is constrained to return one of these.
type Specialist string

const (
	Renewals Specialist = "renewals"
	Health   Specialist = "health"
	Meetings Specialist = "meetings"
	Outreach Specialist = "outreach"
	Insights Specialist = "insights"
	General  Specialist = "general"
)

// AllSpecialists returns every specialist in priority order. Earlier wins
// keyword-score ties.
func AllSpecialists() []Specialist {
	return []Specialist{Renewals, Health, Meetings, Outreach, Insights, General}
}

// ParseSpecialist validates a wire-level specialist identifier.
func ParseSpecialist(s string) (Specialist, error) {
	sp := Specialist(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSpecialists() {
		if sp == known {
			return sp, nil
		}
	}
	return "", fmt.Errorf("%w: unknown specialist %q", domain.ErrValidation, s)
}

// Strategy names which router stage produced a classification.
type Strategy string

const (
	StrategyContinuation Strategy = "continuation"
	StrategyKeyword      Strategy = "keyword"
	StrategyContext      Strategy = "context"
	StrategyModel        Strategy = "model"
)

// Classification is the router's answer for one message.
type Classification struct {
	Specialist Specialist `json:"specialist"`
	Confidence float64    `json:"confidence"`
	Reasoning  string     `json:"reasoning"`
	Strategy   Strategy   `json:"strategy"`
}

// Profile declares one specialist: its tie-break priority, its weighted
// keyword lexicon, and the tools it may plan.
type Profile struct {
	Specialist Specialist
	Priority   int
	Keywords   map[string]float64
	Tools      []tool.Name
}

// Allowed reports whether the specialist may plan the given tool.
func (p Profile) Allowed(name tool.Name) bool {
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

// Profiles returns the built-in specialist table in priority order.
func Profiles() []Profile {
	return []Profile{
		{
			Specialist: Renewals,
			Priority:   0,
			Keywords: map[string]float64{
				"renewal":    0.5,
				"renew":      0.4,
				"contract":   0.4,
				"expiry":     0.4,
				"expiration": 0.4,
				"churn":      0.3,
				"upsell":     0.3,
				"quote":      0.3,
			},
			Tools: []tool.Name{tool.QueryCustomers, tool.UpdateCRM, tool.ScheduleMeeting, tool.SendEmail, tool.SearchKnowledge},
		},
		{
			Specialist: Health,
			Priority:   1,
			Keywords: map[string]float64{
				"health":     0.5,
				"usage":      0.4,
				"adoption":   0.4,
				"escalation": 0.4,
				"engagement": 0.3,
				"risk":       0.3,
				"score":      0.3,
			},
			Tools: []tool.Name{tool.QueryCustomers, tool.SearchKnowledge, tool.CreateDocument},
		},
		{
			Specialist: Meetings,
			Priority:   2,
			Keywords: map[string]float64{
				"meeting":  0.5,
				"schedule": 0.5,
				"qbr":      0.5,
				"call":     0.4,
				"calendar": 0.4,
				"kickoff":  0.4,
				"demo":     0.3,
				"invite":   0.3,
			},
			Tools: []tool.Name{tool.ScheduleMeeting, tool.QueryCustomers, tool.SendEmail},
		},
		{
			Specialist: Outreach,
			Priority:   3,
			Keywords: map[string]float64{
				"email":     0.5,
				"outreach":  0.5,
				"send":      0.4,
				"draft":     0.4,
				"follow-up": 0.4,
				"followup":  0.4,
				"reach out": 0.4,
				"reply":     0.3,
			},
			Tools: []tool.Name{tool.SendEmail, tool.QueryCustomers, tool.SearchKnowledge, tool.CreateDocument},
		},
		{
			Specialist: Insights,
			Priority:   4,
			Keywords: map[string]float64{
				"report":    0.5,
				"query":     0.4,
				"dashboard": 0.4,
				"show me":   0.4,
				"data":      0.3,
				"list":      0.3,
				"document":  0.3,
				"metrics":   0.3,
			},
			Tools: []tool.Name{tool.QueryCustomers, tool.SearchKnowledge, tool.CreateDocument},
		},
		{
			Specialist: General,
			Priority:   5,
			Keywords:   map[string]float64{},
			Tools:      []tool.Name{tool.SearchKnowledge},
		},
	}
}

// ProfileFor returns the profile for a specialist.
func ProfileFor(s Specialist) (Profile, error) {
	for _, p := range Profiles() {
		if p.Specialist == s {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: specialist %q", domain.ErrNotFound, s)
}

// followupKey is the context key a prior turn sets when it leaves an open
// follow-up for a specific specialist.
const followupKey = "followup_specialist"

// ContinuationFrom reads the open follow-up marker out of conversation
// context, if the prior turn left one.
func ContinuationFrom(ctx map[string]any) (Specialist, bool) {
	raw, ok := ctx[followupKey]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	sp, err := ParseSpecialist(s)
	if err != nil {
		return "", false
	}
	return sp, true
}

// MarkFollowup records an open follow-up marker for the next turn.
func MarkFollowup(ctx map[string]any, s Specialist) {
	ctx[followupKey] = string(s)
}

// ScoreKeywords scores each specialist's lexicon against the message and
// returns the best specialist with its capped confidence. Ties go to the
// higher-priority profile. ok is false when the best score is below floor.
func ScoreKeywords(message string, floor float64) (Specialist, float64, bool) {
	msg := strings.ToLower(message)

	best := General
	bestScore := 0.0

	// Profiles iterate in priority order, so a strict > keeps ties with
	// the higher-priority specialist.
	for _, p := range Profiles() {
		score := 0.0
		for kw, weight := range p.Keywords {
			if strings.Contains(msg, kw) {
				score += weight
			}
		}
		if score > bestScore {
			best = p.Specialist
			bestScore = score
		}
	}

	if bestScore < floor {
		return "", 0, false
	}
	if bestScore > 0.95 {
		bestScore = 0.95
	}
	return best, bestScore, true
}
