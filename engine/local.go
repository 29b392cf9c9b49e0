package engine

import (
	"context"
	"fmt"

	"github.com/guardrail-sh/dispatch/policy"
	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/types"
)

// Lister supplies the resource universe a policy evaluates over,
// narrowed by the scope fragment when the provider can push it down.
type Lister interface {
	List(ctx context.Context, resourceType string, frag *scope.Fragment) ([]types.Resource, error)
}

// ActionInvoker executes one declared action against the matched
// resources. Implementations own the engine-side contract for whether a
// failed action stops later ones; the runner records faithfully either
// way.
type ActionInvoker interface {
	Invoke(ctx context.Context, action policy.ActionSpec, matched []types.Resource, req RunRequest) error
}

// DryRunInvoker records every action as skipped without touching the
// cloud. It is the default invoker: remediation is delegated to
// deployments that wire a real one.
type DryRunInvoker struct{}

func (DryRunInvoker) Invoke(ctx context.Context, action policy.ActionSpec, matched []types.Resource, req RunRequest) error {
	return nil
}

// LocalRunner is the in-process policy engine: it lists resources, runs
// the merged filter chain (scope first, declared filters after) and
// walks the declared actions in order.
type LocalRunner struct {
	lister  Lister
	invoker ActionInvoker
	dryRun  bool
}

// NewLocalRunner creates a runner over the given lister and invoker.
// A nil invoker means dry-run: actions are recorded as skipped.
func NewLocalRunner(lister Lister, invoker ActionInvoker) *LocalRunner {
	dryRun := invoker == nil
	if invoker == nil {
		invoker = DryRunInvoker{}
	}
	return &LocalRunner{lister: lister, invoker: invoker, dryRun: dryRun}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	resources, err := r.lister.List(ctx, req.Policy.Resource, req.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", ErrFilterEvaluation, req.Policy.Resource, err)
	}

	// Scope always evaluates first: it short-circuits before any
	// declared filter runs, even when the lister could not push it down.
	resources = req.Scope.Apply(resources)

	matcher, err := policy.NewMatcher(ctx, req.Policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilterEvaluation, err)
	}

	eventContext := eventContext(req.Event)
	var matched []types.Resource
	for _, res := range resources {
		ok, err := matcher.Match(ctx, res, eventContext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFilterEvaluation, err)
		}
		if ok {
			matched = append(matched, res)
		}
	}

	report := &RunReport{Matched: matched}
	if len(matched) == 0 {
		return report, nil
	}

	for _, action := range req.Policy.Actions {
		result := types.ActionResult{Type: action.Type}
		switch {
		case r.dryRun:
			result.Status = types.ActionSkipped
		default:
			if err := r.invoker.Invoke(ctx, action, matched, req); err != nil {
				// Recorded against this action only. Independent later
				// actions still run.
				result.Status = types.ActionFailed
				result.Error = err.Error()
			} else {
				result.Status = types.ActionSucceeded
			}
		}
		report.Actions = append(report.Actions, result)
	}

	return report, nil
}

// eventContext exposes the triggering event to rego filters and action
// invokers, actor identity included.
func eventContext(ev *types.CanonicalEvent) map[string]any {
	if ev == nil {
		return nil
	}
	ctx := map[string]any{
		"event_name":    ev.EventName,
		"source_kind":   string(ev.SourceKind),
		"account_id":    ev.SourceAccountID,
		"resource_type": ev.ResourceType,
		"resource_id":   ev.ResourceID,
		"region":        ev.Region,
	}
	if ev.Severity != nil {
		ctx["severity"] = *ev.Severity
	}
	if actor, ok := ev.RawPayload["userIdentity"]; ok {
		ctx["actor"] = actor
	}
	return ctx
}
