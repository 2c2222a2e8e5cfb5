package intent

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/cscx-ai/agentd/internal/domain"
)

// SignalRule routes on structured context instead of message text: a
// boolean expression over the conversation context selects a specialist
// at a fixed confidence.
type SignalRule struct {
	Name       string     `yaml:"name"`
	When       string     `yaml:"when"`
	Specialist Specialist `yaml:"specialist"`
	Confidence float64    `yaml:"confidence"`
}

type compiledSignal struct {
	SignalRule
	prg *vm.Program
}

// Signals evaluates an ordered set of compiled signal rules.
type Signals struct {
	rules []compiledSignal
}

// NewSignals compiles the rules, failing fast on a bad expression or an
// unknown specialist.
func NewSignals(rules []SignalRule) (*Signals, error) {
	s := &Signals{rules: make([]compiledSignal, 0, len(rules))}
	for _, r := range rules {
		if _, err := ParseSpecialist(string(r.Specialist)); err != nil {
			return nil, fmt.Errorf("signal rule %q: %w", r.Name, err)
		}
		if r.Confidence <= 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("%w: signal rule %q confidence %v out of (0,1]", domain.ErrValidation, r.Name, r.Confidence)
		}
		prg, err := expr.Compile(r.When, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: signal rule %q: %v", domain.ErrValidation, r.Name, err)
		}
		s.rules = append(s.rules, compiledSignal{SignalRule: r, prg: prg})
	}
	return s, nil
}

// Evaluate runs the rules in order against the conversation context and
// returns the first match. Rules that fail to evaluate are skipped.
func (s *Signals) Evaluate(ctx map[string]any) (Specialist, float64, string, bool) {
	if ctx == nil {
		return "", 0, "", false
	}
	for _, r := range s.rules {
		out, err := vm.Run(r.prg, ctx)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return r.Specialist, r.Confidence, r.Name, true
		}
	}
	return "", 0, "", false
}

// DefaultSignalRules covers the renewal-window and account-health
// thresholds the router checks before spending a model call.
func DefaultSignalRules() []SignalRule {
	return []SignalRule{
		{
			Name:       "renewal-window",
			When:       `int(days_to_renewal ?? 9999) <= 30`,
			Specialist: Renewals,
			Confidence: 0.9,
		},
		{
			Name:       "low-health-score",
			When:       `float(health_score ?? 100.0) < 50.0`,
			Specialist: Health,
			Confidence: 0.85,
		},
		{
			Name:       "open-escalations",
			When:       `int(open_escalations ?? 0) > 0`,
			Specialist: Health,
			Confidence: 0.8,
		},
	}
}
