package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/guardrail-sh/dispatch/types"
)

// Matcher evaluates a policy's declared filters against resources.
// Rego filters are compiled once per matcher and reused across the
// resources of one run.
type Matcher struct {
	policy   *Policy
	prepared map[int]rego.PreparedEvalQuery
}

// regoInput is the document a rego filter sees.
type regoInput struct {
	Resource types.Resource `json:"resource"`
	Event    map[string]any `json:"event,omitempty"`
}

// NewMatcher compiles the policy's rego filters.
func NewMatcher(ctx context.Context, p *Policy) (*Matcher, error) {
	m := &Matcher{
		policy:   p,
		prepared: make(map[int]rego.PreparedEvalQuery),
	}

	for i, f := range p.Filters {
		if f.Rego == "" {
			continue
		}
		query := rego.New(
			rego.Query("data.guardrail.match"),
			rego.Module(fmt.Sprintf("%s_filter_%d.rego", p.Name, i), f.Rego),
		)
		prepared, err := query.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("policy %s: filter %d: %w", p.Name, i, err)
		}
		m.prepared[i] = prepared
	}
	return m, nil
}

// Match reports whether the resource passes every declared filter, in
// declaration order.
func (m *Matcher) Match(ctx context.Context, r types.Resource, eventContext map[string]any) (bool, error) {
	for i, f := range m.policy.Filters {
		var (
			ok  bool
			err error
		)
		if f.Rego != "" {
			ok, err = m.matchRego(ctx, i, r, eventContext)
		} else {
			ok, err = matchStructural(f, r)
		}
		if err != nil {
			return false, fmt.Errorf("policy %s: filter %d: %w", m.policy.Name, i, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (m *Matcher) matchRego(ctx context.Context, idx int, r types.Resource, eventContext map[string]any) (bool, error) {
	prepared, ok := m.prepared[idx]
	if !ok {
		return false, fmt.Errorf("rego filter %d was not compiled", idx)
	}

	rs, err := prepared.Eval(ctx, rego.EvalInput(regoInput{Resource: r, Event: eventContext}))
	if err != nil {
		return false, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return false, nil
	}
	matched, ok := rs[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("rego filter %d: match is not a boolean", idx)
	}
	return matched, nil
}

func matchStructural(f Filter, r types.Resource) (bool, error) {
	value, present := resolveField(f.Key, r)

	switch f.Op {
	case "exists":
		return present, nil
	case "absent":
		return !present, nil
	case "eq", "":
		return present && value == fmt.Sprintf("%v", f.Value), nil
	case "ne":
		return !present || value != fmt.Sprintf("%v", f.Value), nil
	case "contains":
		return present && strings.Contains(value, fmt.Sprintf("%v", f.Value)), nil
	default:
		return false, fmt.Errorf("unknown filter op %q", f.Op)
	}
}

// resolveField maps a filter key onto the resource. Supported keys are
// the flat fields, "tag:<name>" and "attrs.<name>".
func resolveField(key string, r types.Resource) (string, bool) {
	switch key {
	case "id":
		return r.ID, r.ID != ""
	case "name":
		return r.Name, r.Name != ""
	case "type":
		return r.Type, r.Type != ""
	case "state":
		return r.State, r.State != ""
	case "region":
		return r.Region, r.Region != ""
	case "account_id":
		return r.AccountID, r.AccountID != ""
	}

	if name, ok := strings.CutPrefix(key, "tag:"); ok {
		v, present := r.Tags[name]
		return v, present
	}
	if name, ok := strings.CutPrefix(key, "attrs."); ok {
		v, present := r.Attrs[name]
		if !present {
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	}
	return "", false
}
