// Package engine adapts one resolved policy reference into an execution
// of the policy engine and a structured outcome.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/dispatch/mapping"
	"github.com/guardrail-sh/dispatch/policy"
	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/session"
	"github.com/guardrail-sh/dispatch/telemetry"
	"github.com/guardrail-sh/dispatch/types"
)

// Execution failures. Filter errors are fatal for the policy's outcome;
// action errors are recorded per action and never abort the outcome.
var (
	ErrFilterEvaluation = errors.New("filter evaluation failed")
)

// RunRequest is everything the policy engine needs for one run.
type RunRequest struct {
	Policy *policy.Policy
	// Scope restricts the run to one resource; nil is the explicit
	// unscoped (account-wide) case.
	Scope   *scope.Fragment
	Session *session.AssumedSession
	Event   *types.CanonicalEvent
}

// RunReport is what the policy engine hands back: the resources the
// merged filters matched and, per declared action, what happened.
type RunReport struct {
	Matched []types.Resource
	Actions []types.ActionResult
}

// Runner is the sole interface the adapter depends on from the policy
// evaluation engine.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunReport, error)
}

// Adapter loads policy definitions, injects scope and credentials,
// invokes the engine and collects outcomes.
type Adapter struct {
	loader *policy.Loader
	runner Runner
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewAdapter creates an adapter over the given loader and runner.
func NewAdapter(loader *policy.Loader, runner Runner) *Adapter {
	return &Adapter{
		loader: loader,
		runner: runner,
		logger: telemetry.NewLogger("execution-adapter"),
		tracer: telemetry.Tracer,
	}
}

// Load resolves one policy reference to its definition.
func (a *Adapter) Load(ref mapping.PolicyRef) (*policy.Policy, error) {
	return a.loader.Load(ref.PolicyFile, ref.PolicyName)
}

// Execute runs one loaded policy and always returns an outcome.
//
// The scope fragment, when present, is evaluated before any declared
// filter. When the event offers no scope, the policy's RequireScope flag
// decides: skip with a NoScopeAvailable outcome, or run account-wide.
// Engine errors land in the outcome rather than propagating, so one
// failing policy never silences the notification for what did happen.
func (a *Adapter) Execute(ctx context.Context, p *policy.Policy, frag *scope.Fragment, sess *session.AssumedSession, ev *types.CanonicalEvent) *types.ExecutionOutcome {
	ctx, span := a.tracer.Start(ctx, "engine.execute",
		trace.WithAttributes(
			attribute.String("policy.name", p.Name),
			attribute.String("account.id", ev.SourceAccountID),
		))
	defer span.End()

	start := time.Now()
	outcome := &types.ExecutionOutcome{
		PolicyName: p.Name,
		ResourceID: ev.ResourceID,
	}

	if frag == nil && p.RequireScope {
		outcome.Skipped = true
		outcome.SkipReason = "no scope available and policy requires scoping"
		outcome.DurationMs = time.Since(start).Milliseconds()
		a.logger.WithContext(ctx).Info().
			Str("policy_name", p.Name).
			Msg("policy skipped, scope required but unavailable")
		return outcome
	}

	report, err := a.runner.Run(ctx, RunRequest{
		Policy:  p,
		Scope:   frag,
		Session: sess,
		Event:   ev,
	})
	outcome.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		// A failed filter evaluation means we cannot say anything about
		// matches: matched=false, error recorded.
		outcome.Error = err.Error()
		a.logger.WithContext(ctx).Error().
			Err(err).
			Str("policy_name", p.Name).
			Msg("policy engine run failed")
		return outcome
	}

	outcome.Matched = len(report.Matched) > 0
	for _, r := range report.Matched {
		outcome.MatchedResources = append(outcome.MatchedResources, r.ID)
	}
	outcome.ActionsAttempted = report.Actions

	a.logger.WithContext(ctx).Info().
		Str("policy_name", p.Name).
		Bool("matched", outcome.Matched).
		Int("matched_resources", len(report.Matched)).
		Int("actions", len(report.Actions)).
		Msg("policy executed")

	return outcome
}

// SkippedOutcome builds the outcome for a policy that never ran.
func SkippedOutcome(policyName, reason string) *types.ExecutionOutcome {
	return &types.ExecutionOutcome{
		PolicyName: policyName,
		Skipped:    true,
		SkipReason: reason,
	}
}

// FailureOutcome builds the outcome reported when a dispatch stage
// failed before or during execution, so operators see the failure
// instead of silence.
func FailureOutcome(policyName string, err error) *types.ExecutionOutcome {
	return &types.ExecutionOutcome{
		PolicyName: policyName,
		Error:      fmt.Sprintf("%v", err),
	}
}
