package journal

import (
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FilePrefix:    "dispatch",
		MaxFileSize:   64 * 1024,
		RetentionDays: 14,
	}
}

func TestRecordAndReplay(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)

	stages := []Stage{StageReceived, StageNormalized, StageMapped, StageScoped}
	for _, stage := range stages {
		require.NoError(t, j.Record("d-1", stage, "111111111111", nil))
	}
	require.NoError(t, j.RecordFailure("d-1", StageFailed, "111111111111", errors.New("no policy mapped")))
	require.NoError(t, j.Close())

	var replayed []Entry
	err = Replay(dir, testConfig(), time.Time{}, func(e *Entry) error {
		replayed = append(replayed, *e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, replayed, 5)

	for i, stage := range stages {
		assert.Equal(t, stage, replayed[i].Stage)
		assert.Equal(t, "d-1", replayed[i].DispatchID)
		assert.Equal(t, int64(i+1), replayed[i].Sequence)
	}
	assert.Equal(t, StageFailed, replayed[4].Stage)
	assert.Equal(t, "no policy mapped", replayed[4].Error)
}

func TestRecordPayload(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)

	payload := map[string]string{"policy": "s3-baseline", "channel": "realtime"}
	require.NoError(t, j.Record("d-2", StageRouted, "222222222222", payload))
	require.NoError(t, j.Close())

	var entries []Entry
	require.NoError(t, Replay(dir, testConfig(), time.Time{}, func(e *Entry) error {
		entries = append(entries, *e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"policy":"s3-baseline","channel":"realtime"}`, string(entries[0].Data))
}

func TestSequenceContinuesAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, j.Record("d-1", StageReceived, "", nil))
	require.NoError(t, j.Record("d-1", StageNormalized, "", nil))
	require.NoError(t, j.Close())

	reopened, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, reopened.Record("d-2", StageReceived, "", nil))
	require.NoError(t, reopened.Close())

	var last int64
	require.NoError(t, Replay(dir, testConfig(), time.Time{}, func(e *Entry) error {
		if e.Sequence > last {
			last = e.Sequence
		}
		return nil
	}))
	assert.Equal(t, int64(3), last)
}

func TestRotationOnSize(t *testing.T) {
	dir := t.TempDir()

	config := testConfig()
	config.MaxFileSize = 256
	j, err := Open(dir, config)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, j.Record("d-rot", StageReceived, "111111111111", nil))
	}
	require.NoError(t, j.Close())

	files := segmentFiles(dir, config.FilePrefix)
	assert.Greater(t, len(files), 1, "expected rotation to create multiple segments")

	// Entries survive rotation intact.
	count := 0
	require.NoError(t, Replay(dir, config, time.Time{}, func(*Entry) error {
		count++
		return nil
	}))
	assert.Equal(t, 10, count)
}

func TestReplaySince(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, j.Record("d-old", StageReceived, "", nil))
	require.NoError(t, j.Close())

	count := 0
	require.NoError(t, Replay(dir, testConfig(), time.Now().Add(time.Hour), func(*Entry) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestReaderEOF(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, j.Record("d-1", StageReceived, "", nil))
	require.NoError(t, j.Close())

	files := segmentFiles(dir, "dispatch")
	require.Len(t, files, 1)

	reader, err := NewReader(files[0])
	require.NoError(t, err)
	defer reader.Close()

	_, err = reader.Next()
	require.NoError(t, err)
	_, err = reader.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDirStats(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, j.Record("d-1", StageReceived, "", nil))
	require.NoError(t, j.Record("d-1", StageNormalized, "", nil))
	require.NoError(t, j.Close())

	stats := DirStats(dir, testConfig())
	assert.Equal(t, 1, stats.TotalFiles)
	assert.Equal(t, int64(1), stats.FirstSequence)
	assert.Equal(t, int64(2), stats.LastSequence)
	assert.Positive(t, stats.TotalSizeBytes)
}

func TestCleanupKeepsFreshSegments(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, j.Record("d-1", StageReceived, "", nil))
	require.NoError(t, j.Close())

	stats, err := Cleanup(dir, testConfig())
	require.NoError(t, err)
	assert.Zero(t, stats.FilesRemoved)
	assert.Len(t, segmentFiles(dir, "dispatch"), 1)
}

func TestCleanupRemovesExpiredSegments(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir, testConfig())
	require.NoError(t, err)
	require.NoError(t, j.Record("d-1", StageReceived, "", nil))
	require.NoError(t, j.Close())

	old := time.Now().AddDate(0, 0, -30)
	for _, file := range segmentFiles(dir, "dispatch") {
		require.NoError(t, touch(file, old))
	}

	stats, err := Cleanup(dir, testConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.FilesRemoved)
	assert.Positive(t, stats.BytesFreed)
	assert.Empty(t, segmentFiles(dir, "dispatch"))
}

func touch(path string, when time.Time) error {
	return os.Chtimes(path, when, when)
}
