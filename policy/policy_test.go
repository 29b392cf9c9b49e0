package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePolicyFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

const s3PolicyFile = `
policies:
  - name: s3-public-bucket-remediation
    resource: s3-bucket
    mode: realtime
    require_scope: true
    filters:
      - key: attrs.public
        op: eq
        value: true
    actions:
      - type: tag
        params:
          key: guardrail:flagged
          value: "true"
      - type: notify
  - name: s3-audit
    resource: s3-bucket
    mode: periodic
    require_scope: false
`

func TestLoaderLoadsNamedPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "s3.yml", s3PolicyFile)

	p, err := NewLoader(dir).Load("s3.yml", "s3-public-bucket-remediation")
	require.NoError(t, err)

	assert.Equal(t, "s3-bucket", p.Resource)
	assert.Equal(t, ModeRealtime, p.Mode)
	assert.True(t, p.RequireScope)
	require.Len(t, p.Filters, 1)
	require.Len(t, p.Actions, 2)
	assert.Equal(t, "tag", p.Actions[0].Type)
}

func TestLoaderUnknownPolicyName(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "s3.yml", s3PolicyFile)

	_, err := NewLoader(dir).Load("s3.yml", "does-not-exist")
	assert.ErrorIs(t, err, ErrPolicyLoad)
}

func TestLoaderMissingFile(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load("nope.yml", "p")
	assert.ErrorIs(t, err, ErrPolicyLoad)
}

func TestLoaderRejectsPathTraversal(t *testing.T) {
	_, err := NewLoader(t.TempDir()).Load("../../etc/passwd", "p")
	assert.ErrorIs(t, err, ErrPolicyLoad)
}

func TestLoaderRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, dir, "bad.yml", `
policies:
  - name: missing-mode
    resource: s3-bucket
`)

	_, err := NewLoader(dir).Load("bad.yml", "missing-mode")
	assert.ErrorIs(t, err, ErrPolicyLoad)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{
			name:   "valid",
			policy: Policy{Name: "p", Resource: "s3-bucket", Mode: ModeRealtime},
		},
		{
			name:    "missing name",
			policy:  Policy{Resource: "s3-bucket", Mode: ModeRealtime},
			wantErr: true,
		},
		{
			name:    "missing resource",
			policy:  Policy{Name: "p", Mode: ModePeriodic},
			wantErr: true,
		},
		{
			name:    "bad mode",
			policy:  Policy{Name: "p", Resource: "s3-bucket", Mode: Mode("sometimes")},
			wantErr: true,
		},
		{
			name: "filter with both key and rego",
			policy: Policy{Name: "p", Resource: "s3-bucket", Mode: ModeRealtime,
				Filters: []Filter{{Key: "id", Rego: "package guardrail\nmatch := true"}}},
			wantErr: true,
		},
		{
			name: "action without type",
			policy: Policy{Name: "p", Resource: "s3-bucket", Mode: ModeRealtime,
				Actions: []ActionSpec{{}}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
