// Package tool defines the closed set of tools the execution engine can
// invoke, each with a declared risk level and a JSON Schema for its input.
package tool

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cscx-ai/agentd/internal/domain"
	"github.com/cscx-ai/agentd/internal/domain/risk"
)

// Name identifies a tool. The set of valid names is closed: adding a tool
// means adding a constant here and a spec in Builtins.
type Name string

const (
	ScheduleMeeting Name = "schedule_meeting"
	SendEmail       Name = "send_email"
	CreateDocument  Name = "create_document"
	QueryCustomers  Name = "query_customers"
	UpdateCRM       Name = "update_crm"
	SearchKnowledge Name = "search_knowledge"
)

// AllNames returns every registered tool name in declaration order.
func AllNames() []Name {
	return []Name{ScheduleMeeting, SendEmail, CreateDocument, QueryCustomers, UpdateCRM, SearchKnowledge}
}

// ParseName validates a wire-level tool name against the closed set.
func ParseName(s string) (Name, error) {
	n := Name(s)
	for _, known := range AllNames() {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: unknown tool %q", domain.ErrValidation, s)
}

// Spec describes one tool: what it does, how dangerous it is, and the
// schema its input must satisfy.
type Spec struct {
	Name        Name
	Description string
	Risk        risk.Level
	InputSchema string

	compiled *jsonschema.Schema
}

// Registry holds the compiled tool specs. Schemas are compiled once at
// construction so a malformed schema fails startup, not a live request.
type Registry struct {
	specs map[Name]*Spec
}

// NewRegistry compiles the given specs into a registry.
func NewRegistry(specs []Spec) (*Registry, error) {
	r := &Registry{specs: make(map[Name]*Spec, len(specs))}
	for i := range specs {
		s := specs[i]
		if _, err := ParseName(string(s.Name)); err != nil {
			return nil, err
		}
		if !s.Risk.Valid() {
			return nil, fmt.Errorf("%w: tool %s has invalid risk level %q", domain.ErrValidation, s.Name, s.Risk)
		}
		if _, dup := r.specs[s.Name]; dup {
			return nil, fmt.Errorf("%w: tool %s registered twice", domain.ErrValidation, s.Name)
		}

		compiled, err := compileSchema(s.Name, s.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", s.Name, err)
		}
		s.compiled = compiled
		r.specs[s.Name] = &s
	}
	return r, nil
}

// Get returns the spec for name.
func (r *Registry) Get(name Name) (*Spec, error) {
	s, ok := r.specs[name]
	if !ok {
		return nil, fmt.Errorf("%w: tool %q", domain.ErrNotFound, name)
	}
	return s, nil
}

// All returns every registered spec in declaration order.
func (r *Registry) All() []*Spec {
	out := make([]*Spec, 0, len(r.specs))
	for _, n := range AllNames() {
		if s, ok := r.specs[n]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Risk returns the declared risk level for name, before any escalation.
func (r *Registry) Risk(name Name) (risk.Level, error) {
	s, err := r.Get(name)
	if err != nil {
		return "", err
	}
	return s.Risk, nil
}

// ValidateInput checks input against the tool's schema. Violations are
// reported one per line with their instance location.
func (r *Registry) ValidateInput(name Name, input map[string]any) error {
	s, err := r.Get(name)
	if err != nil {
		return err
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return fmt.Errorf("%w: input for %s is not serializable: %v", domain.ErrValidation, name, err)
	}

	if err := s.compiled.Validate(doc); err != nil {
		verr, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return fmt.Errorf("%w: %v", domain.ErrValidation, err)
		}
		return fmt.Errorf("%w: input for %s: %s", domain.ErrValidation, name, strings.Join(collectViolations(verr), "; "))
	}
	return nil
}

func compileSchema(name Name, raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}

	url := fmt.Sprintf("https://cscx.ai/schemas/tools/%s.json", name)
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a value through JSON so numbers become
// json.Number, which the jsonschema library expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
