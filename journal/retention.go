package journal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats reports what a retention sweep removed.
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes journal segments older than the retention period.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	if config.FilePrefix == "" {
		config = DefaultConfig()
	}

	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)
	stats := CleanupStats{}

	for _, file := range segmentFiles(dir, config.FilePrefix) {
		info, err := os.Stat(file)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", file, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}
	return stats, nil
}

// Stats summarizes the on-disk state of a journal directory.
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time
	FirstSequence  int64
	LastSequence   int64
}

// DirStats inspects a journal directory without opening it for writes.
func DirStats(dir string, config Config) Stats {
	if config.FilePrefix == "" {
		config = DefaultConfig()
	}

	stats := Stats{}
	files := segmentFiles(dir, config.FilePrefix)
	if len(files) == 0 {
		return stats
	}

	stats.TotalFiles = len(files)
	for i, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		stats.TotalSizeBytes += info.Size()

		mod := info.ModTime()
		if i == 0 || mod.Before(stats.OldestFile) {
			stats.OldestFile = mod
		}
		if mod.After(stats.NewestFile) {
			stats.NewestFile = mod
		}
	}

	stats.FirstSequence = firstSequenceInFiles(files)
	stats.LastSequence = lastSequence(files)
	return stats
}

func firstSequenceInFiles(files []string) int64 {
	if len(files) == 0 {
		return 0
	}

	// Glob returns lexical order and segment names embed the creation
	// timestamp, so the first file is the oldest.
	reader, err := NewReader(files[0])
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	entry, err := reader.Next()
	if err != nil {
		return 0
	}
	return entry.Sequence
}
