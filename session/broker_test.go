package session

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSTS struct {
	calls int
	fn    func(call int, params *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error)
}

func (f *fakeSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.calls++
	return f.fn(f.calls, params)
}

func grantOutput() *sts.AssumeRoleOutput {
	return &sts.AssumeRoleOutput{
		Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("AKIATEST"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(time.Now().Add(15 * time.Minute)),
		},
	}
}

func newTestBroker(client STSAPI) *Broker {
	return NewBroker(client, Options{
		RoleName:         "guardrail-dispatch",
		ExternalIDPrefix: "guardrail",
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
	})
}

func TestAssumeSuccess(t *testing.T) {
	var gotInput *sts.AssumeRoleInput
	client := &fakeSTS{fn: func(call int, params *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		gotInput = params
		return grantOutput(), nil
	}}

	sess, err := newTestBroker(client).Assume(context.Background(), "111111111111")
	require.NoError(t, err)

	assert.Equal(t, "arn:aws:iam::111111111111:role/guardrail-dispatch", sess.RoleArn)
	assert.Equal(t, "guardrail-111111111111", sess.ExternalID)
	assert.Equal(t, "AKIATEST", sess.Credentials.AccessKeyID)
	assert.False(t, sess.Expired())

	// The external id must be on the wire, not just recorded locally.
	require.NotNil(t, gotInput.ExternalId)
	assert.Equal(t, "guardrail-111111111111", *gotInput.ExternalId)
	assert.Equal(t, int32(900), *gotInput.DurationSeconds)
}

func TestAssumeDeniedIsNeverRetried(t *testing.T) {
	client := &fakeSTS{fn: func(call int, params *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "AccessDenied", Message: "trust policy mismatch"}
	}}

	_, err := newTestBroker(client).Assume(context.Background(), "111111111111")
	assert.ErrorIs(t, err, ErrAssumeRoleDenied)
	assert.Equal(t, 1, client.calls)
}

func TestAssumeThrottledRetriesToCeiling(t *testing.T) {
	client := &fakeSTS{fn: func(call int, params *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		return nil, &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}
	}}

	_, err := newTestBroker(client).Assume(context.Background(), "111111111111")
	assert.ErrorIs(t, err, ErrAssumeRoleThrottled)
	assert.Equal(t, 3, client.calls)
}

func TestAssumeThrottledThenGranted(t *testing.T) {
	client := &fakeSTS{fn: func(call int, params *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		if call < 2 {
			return nil, &smithy.GenericAPIError{Code: "RequestLimitExceeded", Message: "slow down"}
		}
		return grantOutput(), nil
	}}

	sess, err := newTestBroker(client).Assume(context.Background(), "111111111111")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, "111111111111", sess.AccountID)
}

func TestAssumeRejectsBadAccountID(t *testing.T) {
	client := &fakeSTS{fn: func(call int, params *sts.AssumeRoleInput) (*sts.AssumeRoleOutput, error) {
		t.Fatal("AssumeRole should not be called")
		return nil, nil
	}}

	_, err := newTestBroker(client).Assume(context.Background(), "not-an-account")
	assert.Error(t, err)
	assert.Equal(t, 0, client.calls)
}

func TestZeroWipesCredentials(t *testing.T) {
	sess := &AssumedSession{
		AccountID: "111111111111",
		Credentials: Credentials{
			AccessKeyID:     "AKIATEST",
			SecretAccessKey: "secret",
			SessionToken:    "token",
			Expiry:          time.Now().Add(time.Hour),
		},
	}

	sess.Zero()
	assert.Empty(t, sess.Credentials.AccessKeyID)
	assert.Empty(t, sess.Credentials.SecretAccessKey)
	assert.Empty(t, sess.Credentials.SessionToken)

	// Zero on nil must not panic: error paths defer it unconditionally.
	var none *AssumedSession
	none.Zero()
}

func TestExpired(t *testing.T) {
	sess := &AssumedSession{Credentials: Credentials{Expiry: time.Now().Add(-time.Minute)}}
	assert.True(t, sess.Expired())

	sess.Credentials.Expiry = time.Now().Add(time.Minute)
	assert.False(t, sess.Expired())
}
