// Package session brokers short-lived cross-account credentials via STS
// role assumption with a trust-and-external-id handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/guardrail-sh/dispatch/telemetry"
	"github.com/guardrail-sh/dispatch/types"
)

// Session acquisition failures.
//
// Denied means the trust relationship or external id does not match. It
// cannot self-heal, so it is never retried. Throttled is the identity
// provider rate-limiting us and is retried with backoff up to a ceiling.
var (
	ErrAssumeRoleDenied    = errors.New("assume role denied")
	ErrAssumeRoleThrottled = errors.New("assume role throttled")
)

// Credentials is the short-lived credential set for one assumed session.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
}

// AssumedSession grants one dispatch temporary access to one foreign
// account. It is owned exclusively by the dispatch that created it:
// never persisted, never shared, never reused by a later dispatch.
type AssumedSession struct {
	AccountID   string
	RoleArn     string
	ExternalID  string
	Credentials Credentials
}

// Expired reports whether the credentials are past their expiry.
func (s *AssumedSession) Expired() bool {
	return !s.Credentials.Expiry.IsZero() && time.Now().After(s.Credentials.Expiry)
}

// Zero wipes the credential material. Deferred on every dispatch exit
// path so credentials never outlive their dispatch.
func (s *AssumedSession) Zero() {
	if s == nil {
		return
	}
	s.Credentials = Credentials{}
}

// AWSCredentials adapts the session for aws-sdk-go-v2 clients.
func (s *AssumedSession) AWSCredentials() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     s.Credentials.AccessKeyID,
		SecretAccessKey: s.Credentials.SecretAccessKey,
		SessionToken:    s.Credentials.SessionToken,
		CanExpire:       true,
		Expires:         s.Credentials.Expiry,
	}
}

// STSAPI is the slice of the STS client the broker uses.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Options configure a Broker.
type Options struct {
	// RoleName is the fixed role-name convention in every target account.
	RoleName string
	// ExternalIDPrefix forms the per-account external id
	// "<prefix>-<accountId>". The target account's trust policy must
	// require it; this defeats the confused-deputy attack where a third
	// party tricks the broker into assuming a role it should not reach.
	ExternalIDPrefix string
	// Duration bounds the session lifetime.
	Duration time.Duration
	// MaxAttempts caps throttle retries, the first call included.
	MaxAttempts int
	// InitialBackoff seeds the exponential backoff between throttled
	// attempts.
	InitialBackoff time.Duration
	// SessionName tags the assumed session in CloudTrail.
	SessionName string
}

func (o *Options) applyDefaults() {
	if o.Duration <= 0 {
		o.Duration = 15 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
	if o.SessionName == "" {
		o.SessionName = "dispatch"
	}
}

// Broker exchanges the dispatcher's long-lived identity for scoped
// credentials in a target account.
type Broker struct {
	client STSAPI
	opts   Options
	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewBroker creates a broker over the given STS client.
func NewBroker(client STSAPI, opts Options) *Broker {
	opts.applyDefaults()
	return &Broker{
		client: client,
		opts:   opts,
		logger: telemetry.NewLogger("session-broker"),
		tracer: telemetry.Tracer,
	}
}

// ExternalID returns the deterministic external id for an account.
func (b *Broker) ExternalID(accountID string) string {
	return fmt.Sprintf("%s-%s", b.opts.ExternalIDPrefix, accountID)
}

// RoleArn returns the conventional role ARN for an account.
func (b *Broker) RoleArn(accountID string) string {
	return fmt.Sprintf("arn:aws:iam::%s:role/%s", accountID, b.opts.RoleName)
}

// Assume acquires a session in the target account.
//
// Throttled attempts are retried with exponential backoff up to the
// attempt ceiling, always respecting ctx's deadline. Denied is surfaced
// immediately: retrying a trust mismatch only burns the dispatch budget.
func (b *Broker) Assume(ctx context.Context, accountID string) (*AssumedSession, error) {
	if !types.ValidAccountID(accountID) {
		return nil, fmt.Errorf("target account id %q is not a 12-digit account id", accountID)
	}

	ctx, span := b.tracer.Start(ctx, "session.assume_role",
		trace.WithAttributes(attribute.String("account.id", accountID)))
	defer span.End()

	roleArn := b.RoleArn(accountID)
	externalID := b.ExternalID(accountID)

	attempt := 0
	operation := func() (*sts.AssumeRoleOutput, error) {
		attempt++
		out, err := b.client.AssumeRole(ctx, &sts.AssumeRoleInput{
			RoleArn:         aws.String(roleArn),
			RoleSessionName: aws.String(b.opts.SessionName),
			ExternalId:      aws.String(externalID),
			DurationSeconds: aws.Int32(int32(b.opts.Duration.Seconds())),
		})
		if err == nil {
			return out, nil
		}

		classified := classify(err)
		if errors.Is(classified, ErrAssumeRoleThrottled) {
			if telemetry.AssumeRoleRetries != nil {
				telemetry.AssumeRoleRetries.Add(ctx, 1)
			}
			b.logger.WithContext(ctx).Warn().
				Str("role_arn", roleArn).
				Int("attempt", attempt).
				Msg("assume role throttled, backing off")
			return nil, classified
		}
		return nil, backoff.Permanent(classified)
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = b.opts.InitialBackoff

	out, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(b.opts.MaxAttempts)),
	)
	if err != nil {
		b.logger.WithContext(ctx).Error().
			Err(err).
			Str("role_arn", roleArn).
			Int("attempts", attempt).
			Msg("assume role failed")
		return nil, err
	}

	if out.Credentials == nil {
		return nil, fmt.Errorf("assume role for %s returned no credentials", accountID)
	}

	sess := &AssumedSession{
		AccountID:  accountID,
		RoleArn:    roleArn,
		ExternalID: externalID,
		Credentials: Credentials{
			AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
			SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
			SessionToken:    aws.ToString(out.Credentials.SessionToken),
			Expiry:          aws.ToTime(out.Credentials.Expiration),
		},
	}

	b.logger.WithContext(ctx).Info().
		Str("role_arn", roleArn).
		Time("expiry", sess.Credentials.Expiry).
		Msg("session acquired")

	return sess, nil
}

// classify folds the SDK's error surface into our two failure modes.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
			return fmt.Errorf("%w: %v", ErrAssumeRoleThrottled, err)
		case "AccessDenied", "AccessDeniedException":
			return fmt.Errorf("%w: %v", ErrAssumeRoleDenied, err)
		}
	}
	return err
}
