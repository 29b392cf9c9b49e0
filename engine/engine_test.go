package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardrail-sh/dispatch/policy"
	"github.com/guardrail-sh/dispatch/scope"
	"github.com/guardrail-sh/dispatch/types"
)

type staticLister struct {
	resources []types.Resource
	err       error
	gotFrag   *scope.Fragment
}

func (s *staticLister) List(ctx context.Context, resourceType string, frag *scope.Fragment) ([]types.Resource, error) {
	s.gotFrag = frag
	if s.err != nil {
		return nil, s.err
	}
	var out []types.Resource
	for _, r := range s.resources {
		if r.Type == resourceType {
			out = append(out, r)
		}
	}
	return out, nil
}

type recordingInvoker struct {
	failTypes map[string]error
	invoked   []string
}

func (r *recordingInvoker) Invoke(ctx context.Context, action policy.ActionSpec, matched []types.Resource, req RunRequest) error {
	r.invoked = append(r.invoked, action.Type)
	if err, ok := r.failTypes[action.Type]; ok {
		return err
	}
	return nil
}

func publicBucketPolicy() *policy.Policy {
	return &policy.Policy{
		Name:     "s3-public-bucket-remediation",
		Resource: "s3-bucket",
		Mode:     policy.ModeRealtime,
		Filters:  []policy.Filter{{Key: "attrs.public", Op: "eq", Value: true}},
		Actions: []policy.ActionSpec{
			{Type: "tag"},
			{Type: "notify"},
		},
	}
}

func fixture() []types.Resource {
	return []types.Resource{
		{ID: "demo-bucket", Type: "s3-bucket", Attrs: map[string]any{"public": true}},
		{ID: "other-bucket", Type: "s3-bucket", Attrs: map[string]any{"public": true}},
		{ID: "private-bucket", Type: "s3-bucket", Attrs: map[string]any{"public": false}},
		{ID: "i-0abc123", Type: "ec2-instance"},
	}
}

func TestLocalRunnerScopeShortCircuits(t *testing.T) {
	lister := &staticLister{resources: fixture()}
	invoker := &recordingInvoker{}
	runner := NewLocalRunner(lister, invoker)

	frag := &scope.Fragment{ResourceType: "s3-bucket", Key: "bucket-name", Value: "demo-bucket"}
	report, err := runner.Run(context.Background(), RunRequest{
		Policy: publicBucketPolicy(),
		Scope:  frag,
	})
	require.NoError(t, err)

	// Scope narrowed the universe to exactly the named bucket even
	// though other public buckets exist.
	require.Len(t, report.Matched, 1)
	assert.Equal(t, "demo-bucket", report.Matched[0].ID)
	assert.Same(t, frag, lister.gotFrag)

	require.Len(t, report.Actions, 2)
	assert.Equal(t, types.ActionSucceeded, report.Actions[0].Status)
	assert.Equal(t, []string{"tag", "notify"}, invoker.invoked)
}

func TestLocalRunnerUnscopedRunsAccountWide(t *testing.T) {
	lister := &staticLister{resources: fixture()}
	runner := NewLocalRunner(lister, &recordingInvoker{})

	report, err := runner.Run(context.Background(), RunRequest{Policy: publicBucketPolicy()})
	require.NoError(t, err)
	assert.Len(t, report.Matched, 2)
}

func TestLocalRunnerActionFailureIsPerAction(t *testing.T) {
	lister := &staticLister{resources: fixture()}
	invoker := &recordingInvoker{failTypes: map[string]error{"tag": errors.New("tagging denied")}}
	runner := NewLocalRunner(lister, invoker)

	report, err := runner.Run(context.Background(), RunRequest{Policy: publicBucketPolicy()})
	require.NoError(t, err)

	require.Len(t, report.Actions, 2)
	assert.Equal(t, types.ActionFailed, report.Actions[0].Status)
	assert.Equal(t, "tagging denied", report.Actions[0].Error)
	// The later independent action still ran and succeeded.
	assert.Equal(t, types.ActionSucceeded, report.Actions[1].Status)
}

func TestLocalRunnerDryRunSkipsActions(t *testing.T) {
	lister := &staticLister{resources: fixture()}
	runner := NewLocalRunner(lister, nil)

	report, err := runner.Run(context.Background(), RunRequest{Policy: publicBucketPolicy()})
	require.NoError(t, err)
	for _, a := range report.Actions {
		assert.Equal(t, types.ActionSkipped, a.Status)
	}
}

func TestLocalRunnerZeroMatchSkipsActions(t *testing.T) {
	lister := &staticLister{resources: []types.Resource{
		{ID: "private-bucket", Type: "s3-bucket", Attrs: map[string]any{"public": false}},
	}}
	invoker := &recordingInvoker{}
	runner := NewLocalRunner(lister, invoker)

	report, err := runner.Run(context.Background(), RunRequest{Policy: publicBucketPolicy()})
	require.NoError(t, err)
	assert.Empty(t, report.Matched)
	assert.Empty(t, report.Actions)
	assert.Empty(t, invoker.invoked)
}

func TestLocalRunnerListFailureIsFilterError(t *testing.T) {
	lister := &staticLister{err: errors.New("api unreachable")}
	runner := NewLocalRunner(lister, nil)

	_, err := runner.Run(context.Background(), RunRequest{Policy: publicBucketPolicy()})
	assert.ErrorIs(t, err, ErrFilterEvaluation)
}

func TestAdapterExecuteZeroMatchStillProducesOutcome(t *testing.T) {
	lister := &staticLister{resources: []types.Resource{}}
	adapter := NewAdapter(policy.NewLoader(t.TempDir()), NewLocalRunner(lister, nil))

	ev := &types.CanonicalEvent{
		SourceAccountID: "111111111111",
		SourceKind:      types.SourceAPICall,
		EventName:       "CreateBucket",
		ResourceType:    "s3-bucket",
		ResourceID:      "demo-bucket",
	}
	frag := &scope.Fragment{ResourceType: "s3-bucket", Key: "bucket-name", Value: "demo-bucket"}

	outcome := adapter.Execute(context.Background(), publicBucketPolicy(), frag, nil, ev)
	require.NotNil(t, outcome)
	assert.False(t, outcome.Matched)
	assert.Empty(t, outcome.Error)
	assert.Equal(t, "s3-public-bucket-remediation", outcome.PolicyName)
}

func TestAdapterExecuteRequireScopeSkips(t *testing.T) {
	lister := &staticLister{resources: fixture()}
	adapter := NewAdapter(policy.NewLoader(t.TempDir()), NewLocalRunner(lister, nil))

	p := publicBucketPolicy()
	p.RequireScope = true

	ev := &types.CanonicalEvent{
		SourceAccountID: "111111111111",
		SourceKind:      types.SourceThreatFinding,
		EventName:       "CredentialAccess:IAMUser/AnomalousBehavior",
	}

	outcome := adapter.Execute(context.Background(), p, nil, nil, ev)
	assert.True(t, outcome.Skipped)
	assert.Contains(t, outcome.SkipReason, "scope")
	assert.Nil(t, lister.gotFrag)
}

func TestAdapterExecuteUnscopedAllowedRuns(t *testing.T) {
	lister := &staticLister{resources: fixture()}
	adapter := NewAdapter(policy.NewLoader(t.TempDir()), NewLocalRunner(lister, nil))

	p := publicBucketPolicy()
	p.RequireScope = false

	ev := &types.CanonicalEvent{
		SourceAccountID: "111111111111",
		SourceKind:      types.SourceThreatFinding,
		EventName:       "CredentialAccess:IAMUser/AnomalousBehavior",
	}

	outcome := adapter.Execute(context.Background(), p, nil, nil, ev)
	assert.False(t, outcome.Skipped)
	assert.True(t, outcome.Matched)
}

func TestAdapterExecuteEngineErrorRecordedInOutcome(t *testing.T) {
	lister := &staticLister{err: errors.New("api unreachable")}
	adapter := NewAdapter(policy.NewLoader(t.TempDir()), NewLocalRunner(lister, nil))

	ev := &types.CanonicalEvent{
		SourceAccountID: "111111111111",
		SourceKind:      types.SourceAPICall,
		EventName:       "CreateBucket",
	}

	outcome := adapter.Execute(context.Background(), publicBucketPolicy(), nil, nil, ev)
	assert.False(t, outcome.Matched)
	assert.Contains(t, outcome.Error, "filter evaluation failed")
}
