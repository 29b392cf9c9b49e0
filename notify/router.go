// Package notify routes execution outcomes to the realtime or periodic
// notification queue, with bounded retries and a durable dead-letter
// fallback so a notification is never silently dropped.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/dispatch/telemetry"
	"github.com/guardrail-sh/dispatch/types"
)

// ErrNotificationPublish wraps queue publish failures after retries are
// exhausted.
var ErrNotificationPublish = errors.New("notification publish failed")

// Publisher delivers one serialized envelope to one queue.
type Publisher interface {
	Publish(ctx context.Context, queueURL string, body []byte) error
}

// DeadLetterSink durably stores envelopes that could not be published.
type DeadLetterSink interface {
	Store(ctx context.Context, env *types.NotificationEnvelope, reason string) error
}

// Options configure a Router.
type Options struct {
	RealtimeQueueURL string
	PeriodicQueueURL string
	// MaxAttempts caps publish attempts per envelope, the first included.
	MaxAttempts int
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
}

// Router publishes envelopes to the channel-appropriate queue.
type Router struct {
	publisher  Publisher
	deadLetter DeadLetterSink
	opts       Options
	logger     *telemetry.Logger
	tracer     trace.Tracer
}

// NewRouter creates a router. deadLetter may be nil, in which case an
// exhausted publish is only logged; production wiring always provides
// a sink.
func NewRouter(publisher Publisher, deadLetter DeadLetterSink, opts Options) *Router {
	opts.applyDefaults()
	return &Router{
		publisher:  publisher,
		deadLetter: deadLetter,
		opts:       opts,
		logger:     telemetry.NewLogger("notification-router"),
		tracer:     telemetry.Tracer,
	}
}

// queueURL maps the envelope's channel onto its queue. Exactly one
// queue receives each envelope, never both.
func (r *Router) queueURL(channel types.Channel) (string, error) {
	switch channel {
	case types.ChannelRealtime:
		return r.opts.RealtimeQueueURL, nil
	case types.ChannelPeriodic:
		return r.opts.PeriodicQueueURL, nil
	default:
		return "", fmt.Errorf("unknown channel %q", channel)
	}
}

// Route publishes the envelope, retrying with backoff. After retries
// are exhausted the envelope goes to the dead-letter sink and Route
// still returns nil: a delivery failure must never be conflated with,
// or roll back, a remediation that already executed. Only an envelope
// that cannot be serialized or classified is an error.
func (r *Router) Route(ctx context.Context, env *types.NotificationEnvelope) error {
	ctx, span := r.tracer.Start(ctx, "notify.route",
		trace.WithAttributes(
			attribute.String("channel", string(env.Channel)),
			attribute.String("policy.name", env.PolicyName),
		))
	defer span.End()

	if err := env.Validate(); err != nil {
		return fmt.Errorf("unroutable envelope: %w", err)
	}

	queueURL, err := r.queueURL(env.Channel)
	if err != nil {
		return fmt.Errorf("unroutable envelope: %w", err)
	}

	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("unroutable envelope: %w", err)
	}

	if err := r.publishWithRetry(ctx, queueURL, body); err != nil {
		r.toDeadLetter(ctx, env, err)
		return nil
	}

	if telemetry.EnvelopesRouted != nil {
		telemetry.EnvelopesRouted.Add(ctx, 1)
	}
	r.logger.WithContext(ctx).Info().
		Str("channel", string(env.Channel)).
		Str("policy_name", env.PolicyName).
		Str("dispatch_id", env.DispatchID).
		Msg("envelope routed")
	return nil
}

func (r *Router) publishWithRetry(ctx context.Context, queueURL string, body []byte) error {
	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		if err := r.publisher.Publish(ctx, queueURL, body); err != nil {
			if attempt > 1 && telemetry.PublishRetries != nil {
				telemetry.PublishRetries.Add(ctx, 1)
			}
			r.logger.WithContext(ctx).Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("publish failed")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.opts.InitialBackoff

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(r.opts.MaxAttempts)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotificationPublish, err)
	}
	return nil
}

// toDeadLetter is the terminal fallback. Its own failure is logged and
// swallowed: by this point the dispatch has nothing left to do but not
// crash.
func (r *Router) toDeadLetter(ctx context.Context, env *types.NotificationEnvelope, cause error) {
	if telemetry.DeadLetteredTotal != nil {
		telemetry.DeadLetteredTotal.Add(ctx, 1)
	}

	if r.deadLetter == nil {
		r.logger.WithContext(ctx).Error().
			Err(cause).
			Str("dispatch_id", env.DispatchID).
			Msg("publish exhausted and no dead-letter sink configured, envelope lost")
		return
	}

	if err := r.deadLetter.Store(ctx, env, cause.Error()); err != nil {
		r.logger.WithContext(ctx).Error().
			Err(err).
			Str("dispatch_id", env.DispatchID).
			Msg("dead-letter store failed, envelope lost")
		return
	}

	r.logger.WithContext(ctx).Error().
		Err(cause).
		Str("dispatch_id", env.DispatchID).
		Str("channel", string(env.Channel)).
		Msg("publish exhausted, envelope dead-lettered")
}
