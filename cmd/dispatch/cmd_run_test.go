package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEventFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"source":"aws.s3"}`), 0o644))

	raw, err := readEvent([]string{path})
	require.NoError(t, err)
	assert.JSONEq(t, `{"source":"aws.s3"}`, string(raw))
}

func TestReadEventMissingFile(t *testing.T) {
	_, err := readEvent([]string{filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}
