package mapping

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func table() *Table {
	return &Table{
		Version: "2",
		Mappings: []Entry{
			{EventType: "CreateBucket", PolicyFile: "s3.yml", PolicyName: "s3-public-bucket-remediation", Enabled: true, Priority: 1},
			{EventType: "CreateBucket", PolicyFile: "s3.yml", PolicyName: "s3-encryption-check", Enabled: true, Priority: 2},
			{EventType: "RunInstances", PolicyFile: "ec2.yml", PolicyName: "ec2-required-tags", Enabled: false, Priority: 1},
		},
		DefaultPolicy: &DefaultPolicy{
			PolicyFile: "default.yml",
			PolicyName: "audit-only",
			Enabled:    true,
		},
	}
}

func TestResolveOrdersByPriority(t *testing.T) {
	tbl := table()

	// Idempotent ordering across repeated calls.
	for i := 0; i < 5; i++ {
		refs, err := tbl.Resolve("CreateBucket")
		require.NoError(t, err)
		require.Len(t, refs, 2)
		assert.Equal(t, "s3-public-bucket-remediation", refs[0].PolicyName)
		assert.Equal(t, "s3-encryption-check", refs[1].PolicyName)
	}
}

func TestResolveEqualPriorityKeepsDeclarationOrder(t *testing.T) {
	tbl := &Table{
		Mappings: []Entry{
			{EventType: "E", PolicyFile: "a.yml", PolicyName: "first", Enabled: true, Priority: 3},
			{EventType: "E", PolicyFile: "a.yml", PolicyName: "second", Enabled: true, Priority: 3},
			{EventType: "E", PolicyFile: "a.yml", PolicyName: "runs-before-both", Enabled: true, Priority: 1},
		},
	}

	refs, err := tbl.Resolve("E")
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, "runs-before-both", refs[0].PolicyName)
	assert.Equal(t, "first", refs[1].PolicyName)
	assert.Equal(t, "second", refs[2].PolicyName)
}

func TestResolveDisabledEntriesFallBackToDefault(t *testing.T) {
	tbl := table()

	// RunInstances only has a disabled entry, so the default applies.
	refs, err := tbl.Resolve("RunInstances")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "audit-only", refs[0].PolicyName)
}

func TestResolveNoMatchNoDefault(t *testing.T) {
	tbl := table()
	tbl.DefaultPolicy = nil

	refs, err := tbl.Resolve("DeleteTrail")
	assert.ErrorIs(t, err, ErrNoPolicyMapped)
	assert.Nil(t, refs)
}

func TestResolveDisabledDefault(t *testing.T) {
	tbl := table()
	tbl.DefaultPolicy.Enabled = false

	_, err := tbl.Resolve("DeleteTrail")
	assert.ErrorIs(t, err, ErrNoPolicyMapped)
}

func TestResolveDeduplicates(t *testing.T) {
	tbl := &Table{
		Mappings: []Entry{
			{EventType: "E", PolicyFile: "a.yml", PolicyName: "p", Enabled: true, Priority: 1},
			{EventType: "E", PolicyFile: "a.yml", PolicyName: "p", Enabled: true, Priority: 2},
		},
	}

	refs, err := tbl.Resolve("E")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestParseAndValidate(t *testing.T) {
	doc := `{
		"version": "2",
		"mappings": [
			{"event_type": "CreateBucket", "policy_file": "s3.yml", "policy_name": "p", "enabled": true, "priority": 1}
		],
		"default_policy": {"policy_file": "default.yml", "policy_name": "audit-only", "enabled": true}
	}`

	tbl, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "2", tbl.Version)
	require.Len(t, tbl.Mappings, 1)
}

func TestParseRejectsIncompleteEntry(t *testing.T) {
	doc := `{"mappings": [{"event_type": "E", "enabled": true}]}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func writeTable(t *testing.T, dir, doc string) string {
	t.Helper()
	path := filepath.Join(dir, "mappings.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestCachedSourceSnapshotIsolation(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, `{"version":"1","mappings":[
		{"event_type":"E","policy_file":"a.yml","policy_name":"p","enabled":true,"priority":1}]}`)

	src := NewCachedSource(&FileSource{Path: path}, time.Hour)

	snap, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "1", snap.Version)

	// Rewriting the file mid-flight must not change the held snapshot.
	writeTable(t, dir, `{"version":"2","mappings":[]}`)

	again, err := src.Snapshot()
	require.NoError(t, err)
	assert.Same(t, snap, again)
	assert.Equal(t, "1", snap.Version)
}

func TestCachedSourceRefreshAfterInterval(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, `{"version":"1","mappings":[]}`)

	src := NewCachedSource(&FileSource{Path: path}, time.Nanosecond)

	first, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "1", first.Version)

	writeTable(t, dir, `{"version":"2","mappings":[]}`)
	time.Sleep(time.Millisecond)

	second, err := src.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, "2", second.Version)
}

func TestCachedSourceServesStaleOnReadFailure(t *testing.T) {
	dir := t.TempDir()
	path := writeTable(t, dir, `{"version":"1","mappings":[]}`)

	src := NewCachedSource(&FileSource{Path: path}, time.Nanosecond)

	first, err := src.Snapshot()
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	time.Sleep(time.Millisecond)

	stale, err := src.Snapshot()
	require.NoError(t, err)
	assert.Same(t, first, stale)
}
