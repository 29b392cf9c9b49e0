// Package policy loads and evaluates the declarative policy definitions
// the dispatcher executes. The definitions name a resource type, filters
// and actions; actually mutating cloud resources is delegated to the
// action invoker behind the execution engine.
package policy

import (
	"errors"
	"fmt"
)

// ErrPolicyLoad wraps any failure to locate or parse a policy definition.
var ErrPolicyLoad = errors.New("policy load failed")

// Mode classifies a policy's notification urgency. It is a static
// property of the policy, never inferred per-event.
type Mode string

const (
	ModeRealtime Mode = "realtime"
	ModePeriodic Mode = "periodic"
)

// Filter is one declared condition. Either the structural triple
// (key/op/value) or a rego module is set, not both.
type Filter struct {
	Key   string `yaml:"key,omitempty"`
	Op    string `yaml:"op,omitempty"`
	Value any    `yaml:"value,omitempty"`
	Rego  string `yaml:"rego,omitempty"`
}

// ActionSpec declares one action in order. Params are passed through to
// the invoker untouched.
type ActionSpec struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Policy is one named policy definition.
type Policy struct {
	Name     string `yaml:"name"`
	Resource string `yaml:"resource"`
	Mode     Mode   `yaml:"mode"`
	// RequireScope controls the NoScopeAvailable case: true means skip
	// the run entirely, false means run unscoped (account-wide), which
	// is only acceptable for account-level policies.
	RequireScope bool         `yaml:"require_scope"`
	Filters      []Filter     `yaml:"filters,omitempty"`
	Actions      []ActionSpec `yaml:"actions,omitempty"`
}

// Validate checks the definition is executable.
func (p *Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Resource == "" {
		return fmt.Errorf("policy %s: resource is required", p.Name)
	}
	switch p.Mode {
	case ModeRealtime, ModePeriodic:
	case "":
		return fmt.Errorf("policy %s: mode is required", p.Name)
	default:
		return fmt.Errorf("policy %s: unknown mode %q", p.Name, p.Mode)
	}
	for i, f := range p.Filters {
		if f.Rego != "" && f.Key != "" {
			return fmt.Errorf("policy %s: filter %d sets both key and rego", p.Name, i)
		}
		if f.Rego == "" && f.Key == "" {
			return fmt.Errorf("policy %s: filter %d sets neither key nor rego", p.Name, i)
		}
	}
	for i, a := range p.Actions {
		if a.Type == "" {
			return fmt.Errorf("policy %s: action %d has no type", p.Name, i)
		}
	}
	return nil
}

// Channel maps the policy mode onto the notification channel.
func (p *Policy) Channel() string {
	if p.Mode == ModeRealtime {
		return "realtime"
	}
	return "periodic"
}
