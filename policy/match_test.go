package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardrail-sh/dispatch/types"
)

func bucket(id string, public bool, tags map[string]string) types.Resource {
	return types.Resource{
		ID:    id,
		Type:  "s3-bucket",
		Tags:  tags,
		Attrs: map[string]any{"public": public},
	}
}

func TestMatchStructuralFilters(t *testing.T) {
	p := &Policy{
		Name:     "s3-public",
		Resource: "s3-bucket",
		Mode:     ModeRealtime,
		Filters: []Filter{
			{Key: "attrs.public", Op: "eq", Value: true},
			{Key: "tag:guardrail:exempt", Op: "absent"},
		},
	}

	m, err := NewMatcher(context.Background(), p)
	require.NoError(t, err)

	ok, err := m.Match(context.Background(), bucket("open", true, nil), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Match(context.Background(), bucket("closed", false, nil), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Match(context.Background(), bucket("exempted", true, map[string]string{"guardrail:exempt": "true"}), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchOps(t *testing.T) {
	r := types.Resource{
		ID:    "i-0abc123",
		Type:  "ec2-instance",
		State: "running",
		Tags:  map[string]string{"team": "platform"},
	}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"eq match", Filter{Key: "state", Op: "eq", Value: "running"}, true},
		{"eq default op", Filter{Key: "state", Value: "running"}, true},
		{"ne", Filter{Key: "state", Op: "ne", Value: "stopped"}, true},
		{"contains", Filter{Key: "id", Op: "contains", Value: "abc"}, true},
		{"exists", Filter{Key: "tag:team", Op: "exists"}, true},
		{"absent", Filter{Key: "tag:owner", Op: "absent"}, true},
		{"eq miss", Filter{Key: "state", Op: "eq", Value: "stopped"}, false},
		{"unknown key", Filter{Key: "tag:missing", Op: "exists"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := matchStructural(tt.filter, r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestMatchUnknownOpIsError(t *testing.T) {
	_, err := matchStructural(Filter{Key: "id", Op: "regex", Value: ".*"}, types.Resource{ID: "x"})
	assert.Error(t, err)
}

func TestMatchRegoFilter(t *testing.T) {
	p := &Policy{
		Name:     "rego-policy",
		Resource: "ec2-instance",
		Mode:     ModePeriodic,
		Filters: []Filter{
			{Rego: `package guardrail

import rego.v1

match if {
	input.resource.state == "running"
	input.event.event_name == "RunInstances"
}`},
		},
	}

	m, err := NewMatcher(context.Background(), p)
	require.NoError(t, err)

	running := types.Resource{ID: "i-1", Type: "ec2-instance", State: "running"}
	eventContext := map[string]any{"event_name": "RunInstances"}

	ok, err := m.Match(context.Background(), running, eventContext)
	require.NoError(t, err)
	assert.True(t, ok)

	stopped := running
	stopped.State = "stopped"
	ok, err = m.Match(context.Background(), stopped, eventContext)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatcherRejectsBadRego(t *testing.T) {
	p := &Policy{
		Name:     "broken",
		Resource: "s3-bucket",
		Mode:     ModeRealtime,
		Filters:  []Filter{{Rego: "this is not rego"}},
	}

	_, err := NewMatcher(context.Background(), p)
	assert.Error(t, err)
}
