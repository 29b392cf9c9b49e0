// Package dispatch drives one inbound audit event through the full
// pipeline: normalization, policy mapping, scope construction, session
// brokering, policy execution and notification routing. Each canonical
// event is one dispatch, a single sequential unit of work sharing no
// mutable state with any other dispatch.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/dispatch/engine"
	"github.com/guardrail-sh/dispatch/event"
	"github.com/guardrail-sh/dispatch/journal"
	"github.com/guardrail-sh/dispatch/mapping"
	"github.com/guardrail-sh/dispatch/policy"
	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/session"
	"github.com/guardrail-sh/dispatch/telemetry"
	"github.com/guardrail-sh/dispatch/types"
)

// SessionBroker acquires temporary credentials in the target account.
type SessionBroker interface {
	Assume(ctx context.Context, accountID string) (*session.AssumedSession, error)
}

// Notifier routes one envelope to its channel queue.
type Notifier interface {
	Route(ctx context.Context, env *types.NotificationEnvelope) error
}

// Journal records stage transitions. A nil journal disables recording.
type Journal interface {
	Record(dispatchID string, stage journal.Stage, accountID string, data interface{}) error
	RecordFailure(dispatchID string, stage journal.Stage, accountID string, cause error) error
}

// Options tunes dispatcher behavior.
type Options struct {
	// RouteReserve is the minimum slice of the dispatch deadline held
	// back for the notification stage, so retrying stages can never
	// starve the failure report.
	RouteReserve time.Duration
}

func (o *Options) applyDefaults() {
	if o.RouteReserve <= 0 {
		o.RouteReserve = 5 * time.Second
	}
}

// Dispatcher wires the six pipeline stages together.
type Dispatcher struct {
	normalizer *event.Normalizer
	mappings   mapping.Source
	adapter    *engine.Adapter
	broker     SessionBroker
	notifier   Notifier
	journal    Journal
	opts       Options
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// New creates a dispatcher. journal may be nil.
func New(mappings mapping.Source, adapter *engine.Adapter, broker SessionBroker, notifier Notifier, jnl Journal, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		normalizer: event.NewNormalizer(),
		mappings:   mappings,
		adapter:    adapter,
		broker:     broker,
		notifier:   notifier,
		journal:    jnl,
		opts:       opts,
		logger:     telemetry.NewLogger("dispatcher"),
		tracer:     telemetry.Tracer,
	}
}

// Result summarizes what one inbound message produced.
type Result struct {
	DispatchIDs []string
	Events      int
	Envelopes   int
}

// Dispatch processes one raw inbound message. Compliance findings that
// name several resources fan out into independent dispatches, each with
// its own id, session and envelopes.
//
// Normalization failures (malformed event, unsupported source) return
// an error without a failure notification: no account is reliably known
// yet, so the caller dead-letters the raw message instead.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) (*Result, error) {
	env, err := event.ParseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	events, err := d.normalizer.Normalize(env)
	if err != nil {
		return nil, err
	}

	result := &Result{Events: len(events)}
	var firstErr error
	for i := range events {
		dispatchID := uuid.NewString()
		result.DispatchIDs = append(result.DispatchIDs, dispatchID)

		routed, err := d.dispatchOne(ctx, dispatchID, &events[i])
		result.Envelopes += routed
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return result, firstErr
}

// dispatchOne runs stages 2 through 6 for one canonical event. It
// returns the number of envelopes routed.
func (d *Dispatcher) dispatchOne(ctx context.Context, dispatchID string, ev *types.CanonicalEvent) (routed int, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("dispatch.id", dispatchID),
			attribute.String("account.id", ev.SourceAccountID),
			attribute.String("event.name", ev.EventName),
		))
	defer span.End()

	start := time.Now()
	d.inFlight(ctx, 1)
	defer func() {
		d.inFlight(ctx, -1)
		d.recordDispatch(ctx, time.Since(start), err)
	}()

	d.record(dispatchID, journal.StageReceived, ev.SourceAccountID, nil)
	d.record(dispatchID, journal.StageNormalized, ev.SourceAccountID, ev.Summary())

	// Retrying stages run against a deadline shortened by the route
	// reserve, so the notifier always has time left to report.
	stageCtx, cancel := d.stageContext(ctx)
	defer cancel()

	refs, err := d.resolveMapping(stageCtx, ev)
	if err != nil {
		d.failDispatch(ctx, dispatchID, ev, journal.StageMapped, err)
		return 0, err
	}
	d.record(dispatchID, journal.StageMapped, ev.SourceAccountID, refs)

	policies, loadFailures := d.loadPolicies(stageCtx, dispatchID, refs)

	var envelopes []*types.NotificationEnvelope
	for _, lf := range loadFailures {
		outcome := engine.FailureOutcome(lf.ref.PolicyName, lf.err)
		outcome.SkipReason = "PolicyLoadError"
		envelopes = append(envelopes, d.envelope(dispatchID, ev, types.ChannelRealtime, outcome))
	}

	var sess *session.AssumedSession
	if len(policies) > 0 {
		sess, err = d.acquireSession(stageCtx, ev)
		if err != nil {
			d.failDispatch(ctx, dispatchID, ev, journal.StageSessionAcquired, err)
			return 0, err
		}
		defer sess.Zero()
		d.record(dispatchID, journal.StageSessionAcquired, ev.SourceAccountID, nil)
	}

	for _, p := range policies {
		frag := d.buildScope(dispatchID, ev, p)
		outcome := d.adapter.Execute(stageCtx, p, frag, sess, ev)
		envelopes = append(envelopes, d.envelope(dispatchID, ev, types.Channel(p.Channel()), outcome))
	}
	d.record(dispatchID, journal.StageExecuted, ev.SourceAccountID, nil)

	// Routing uses the full remaining deadline, including the reserve.
	for _, envlp := range envelopes {
		if routeErr := d.notifier.Route(ctx, envlp); routeErr != nil {
			d.logger.LogDispatchFailed(ctx, dispatchID, "routed", routeErr)
			if err == nil {
				err = routeErr
			}
			continue
		}
		routed++
	}
	if err != nil {
		d.journalFailure(dispatchID, journal.StageRouted, ev.SourceAccountID, err)
		return routed, err
	}

	d.record(dispatchID, journal.StageRouted, ev.SourceAccountID, nil)
	d.logger.WithDispatch(ctx, dispatchID).Info().
		Str("account_id", ev.SourceAccountID).
		Str("event_name", ev.EventName).
		Int("envelopes", routed).
		Dur("elapsed", time.Since(start)).
		Msg("dispatch complete")
	return routed, nil
}

func (d *Dispatcher) resolveMapping(ctx context.Context, ev *types.CanonicalEvent) ([]mapping.PolicyRef, error) {
	_, span := d.tracer.Start(ctx, "dispatch.resolve_mapping")
	defer span.End()

	table, err := d.mappings.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("mapping table unavailable: %w", err)
	}
	return table.Resolve(ev.EventName)
}

type loadFailure struct {
	ref mapping.PolicyRef
	err error
}

// loadPolicies resolves references to definitions. A reference whose
// definition cannot be loaded produces a routed failure envelope rather
// than aborting the dispatch, so the remaining policies still run.
func (d *Dispatcher) loadPolicies(ctx context.Context, dispatchID string, refs []mapping.PolicyRef) ([]*policy.Policy, []loadFailure) {
	var policies []*policy.Policy
	var failures []loadFailure

	for _, ref := range refs {
		p, err := d.adapter.Load(ref)
		if err != nil {
			d.logger.WithContext(ctx).Error().
				Err(err).
				Str("dispatch_id", dispatchID).
				Str("policy_name", ref.PolicyName).
				Msg("policy definition failed to load")
			failures = append(failures, loadFailure{ref: ref, err: err})
			continue
		}
		policies = append(policies, p)
	}
	return policies, failures
}

func (d *Dispatcher) acquireSession(ctx context.Context, ev *types.CanonicalEvent) (*session.AssumedSession, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.assume_role")
	defer span.End()

	return d.broker.Assume(ctx, ev.SourceAccountID)
}

// buildScope derives the per-policy scope fragment. NoScopeAvailable is
// recoverable: the adapter decides skip versus unscoped run from the
// policy's RequireScope flag, so it is surfaced as a nil fragment.
func (d *Dispatcher) buildScope(dispatchID string, ev *types.CanonicalEvent, p *policy.Policy) *scope.Fragment {
	frag, err := scope.Build(ev, p.Resource)
	if err != nil {
		if errors.Is(err, scope.ErrNoScopeAvailable) {
			d.record(dispatchID, journal.StageScoped, ev.SourceAccountID, map[string]string{
				"policy": p.Name, "scope": "none",
			})
			return nil
		}
		return nil
	}
	d.record(dispatchID, journal.StageScoped, ev.SourceAccountID, frag)
	return frag
}

func (d *Dispatcher) envelope(dispatchID string, ev *types.CanonicalEvent, channel types.Channel, outcome *types.ExecutionOutcome) *types.NotificationEnvelope {
	return &types.NotificationEnvelope{
		DispatchID:   dispatchID,
		Channel:      channel,
		AccountID:    ev.SourceAccountID,
		PolicyName:   outcome.PolicyName,
		Outcome:      *outcome,
		EventSummary: ev.Summary(),
		EmittedAt:    time.Now().UTC(),
	}
}

// failDispatch journals a terminal failure and attempts one best-effort
// failure notification so operators see the event was not processed.
func (d *Dispatcher) failDispatch(ctx context.Context, dispatchID string, ev *types.CanonicalEvent, stage journal.Stage, cause error) {
	d.journalFailure(dispatchID, stage, ev.SourceAccountID, cause)
	d.logger.LogDispatchFailed(ctx, dispatchID, string(stage), cause)

	outcome := engine.FailureOutcome("dispatch-failure", cause)
	outcome.SkipReason = failureKind(cause)
	envlp := d.envelope(dispatchID, ev, types.ChannelRealtime, outcome)
	if err := d.notifier.Route(ctx, envlp); err != nil {
		d.logger.WithDispatch(ctx, dispatchID).Error().
			Err(err).
			Msg("failure notification could not be routed")
	}
}

// failureKind names the error taxonomy entry for a failure envelope.
func failureKind(err error) string {
	switch {
	case errors.Is(err, session.ErrAssumeRoleDenied):
		return "CredentialError"
	case errors.Is(err, session.ErrAssumeRoleThrottled):
		return "CredentialError"
	case errors.Is(err, mapping.ErrNoPolicyMapped):
		return "NoPolicyMapped"
	default:
		return "DispatchError"
	}
}

// stageContext shortens the deadline by the route reserve when the
// caller imposed one.
func (d *Dispatcher) stageContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	reserved := deadline.Add(-d.opts.RouteReserve)
	if !reserved.After(time.Now()) {
		// The budget is already inside the reserve; stages get what is
		// left and routing competes for the remainder.
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, reserved)
}

func (d *Dispatcher) record(dispatchID string, stage journal.Stage, accountID string, data interface{}) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(dispatchID, stage, accountID, data); err != nil {
		d.logger.Error().Err(err).Str("dispatch_id", dispatchID).Msg("journal write failed")
	}
}

func (d *Dispatcher) journalFailure(dispatchID string, stage journal.Stage, accountID string, cause error) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordFailure(dispatchID, journal.StageFailed, accountID, fmt.Errorf("%s: %w", stage, cause)); err != nil {
		d.logger.Error().Err(err).Str("dispatch_id", dispatchID).Msg("journal write failed")
	}
}

func (d *Dispatcher) inFlight(ctx context.Context, delta int64) {
	if telemetry.InFlightDispatches != nil {
		telemetry.InFlightDispatches.Add(ctx, delta)
	}
}

func (d *Dispatcher) recordDispatch(ctx context.Context, elapsed time.Duration, err error) {
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	if telemetry.DispatchesTotal != nil {
		telemetry.DispatchesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
	if telemetry.DispatchDuration != nil {
		telemetry.DispatchDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", status)))
	}
}
