package risk

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Rule escalates a tool call's risk when its expression matches the input.
// Tool restricts the rule to a single tool name; empty means any tool.
// When is an expr-lang boolean expression evaluated against the input payload;
// every input field is a top-level variable, plus "tool" (the tool name) and
// "text" (the lowercased concatenation of all string-valued fields).
type Rule struct {
	Name string `yaml:"name"`
	Tool string `yaml:"tool"`
	When string `yaml:"when"`
	To   Level  `yaml:"to"`
}

type compiledRule struct {
	Rule
	prg *vm.Program
}

// Escalator applies an ordered rule set to a tool call. The first matching
// rule wins. Escalation is one-way: a rule whose target level is not riskier
// than the declared level never applies.
type Escalator struct {
	rules []compiledRule
}

// NewEscalator compiles the rule set. Rules are evaluated in the given order.
func NewEscalator(rules []Rule) (*Escalator, error) {
	e := &Escalator{rules: make([]compiledRule, 0, len(rules))}
	for i, r := range rules {
		if !r.To.Valid() {
			return nil, fmt.Errorf("rule %q: unknown target level %q", r.Name, r.To)
		}
		prg, err := expr.Compile(r.When,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): compile %q: %w", i, r.Name, r.When, err)
		}
		e.rules = append(e.rules, compiledRule{Rule: r, prg: prg})
	}
	return e, nil
}

// Escalate returns the effective risk level for a call and the name of the
// rule that raised it, or the declared level and "" when no rule matched.
// Evaluation errors skip the rule; a rule that cannot be evaluated must not
// silently downgrade anything.
func (e *Escalator) Escalate(tool string, declared Level, input map[string]any) (Level, string) {
	env := buildEnv(tool, input)
	for i := range e.rules {
		r := &e.rules[i]
		if r.Tool != "" && r.Tool != tool {
			continue
		}
		if r.To.Rank() <= declared.Rank() {
			continue
		}
		out, err := vm.Run(r.prg, env)
		if err != nil {
			continue
		}
		if matched, ok := out.(bool); ok && matched {
			return r.To, r.Name
		}
	}
	return declared, ""
}

// buildEnv copies the input payload and adds the synthetic "tool" and "text"
// variables. "text" lets rules scan free text without knowing field names.
func buildEnv(tool string, input map[string]any) map[string]any {
	env := make(map[string]any, len(input)+2)
	var b strings.Builder
	for k, v := range input {
		env[k] = v
		if s, ok := v.(string); ok {
			b.WriteString(strings.ToLower(s))
			b.WriteByte(' ')
		}
	}
	env["tool"] = tool
	env["text"] = b.String()
	return env
}

// DefaultRules returns the built-in escalation rules: bulk sends, large
// monetary amounts, and destructive verbs in free text.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "bulk-recipients",
			Tool: "send_email",
			When: `len(recipients ?? []) > 10`,
			To:   LevelCritical,
		},
		{
			Name: "large-amount",
			When: `float(amount ?? 0) >= 10000.0`,
			To:   LevelCritical,
		},
		{
			Name: "destructive-verb",
			When: `text contains "delete" or text contains "terminate" or text contains "cancel contract"`,
			To:   LevelHigh,
		},
	}
}
