// Package journal records every dispatch stage transition to an
// append-only log, so the path each event took through the pipeline can
// be reconstructed after the fact.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Stage identifies one step of the dispatch pipeline.
type Stage string

const (
	StageReceived        Stage = "received"
	StageNormalized      Stage = "normalized"
	StageMapped          Stage = "mapped"
	StageScoped          Stage = "scoped"
	StageSessionAcquired Stage = "session_acquired"
	StageExecuted        Stage = "executed"
	StageRouted          Stage = "routed"
	StageFailed          Stage = "failed"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	DispatchID string          `json:"dispatch_id"`
	Stage      Stage           `json:"stage"`
	AccountID  string          `json:"account_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Config controls journal file layout and retention.
type Config struct {
	FilePrefix    string
	MaxFileSize   int64
	RetentionDays int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "dispatch",
		MaxFileSize:   64 * 1024 * 1024,
		RetentionDays: 14,
	}
}

// Journal is an append-only, size-rotated stage log.
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	config   Config
}

// Open creates or opens a journal in dir.
func Open(dir string, config Config) (*Journal, error) {
	if config.FilePrefix == "" {
		config = DefaultConfig()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{dir: dir, config: config}
	j.sequence = lastSequence(j.listFiles())

	if err := j.openSegment(); err != nil {
		return nil, err
	}
	return j, nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Record appends one stage transition. data is marshalled as the entry
// payload and may be nil.
func (j *Journal) Record(dispatchID string, stage Stage, accountID string, data interface{}) error {
	return j.append(dispatchID, stage, accountID, data, nil)
}

// RecordFailure appends a failed stage transition carrying the cause.
func (j *Journal) RecordFailure(dispatchID string, stage Stage, accountID string, cause error) error {
	return j.append(dispatchID, stage, accountID, nil, cause)
}

func (j *Journal) append(dispatchID string, stage Stage, accountID string, data interface{}, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var payload json.RawMessage
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal journal payload: %w", err)
		}
		payload = raw
	}

	j.sequence++
	entry := Entry{
		Timestamp:  time.Now().UTC(),
		Sequence:   j.sequence,
		DispatchID: dispatchID,
		Stage:      stage,
		AccountID:  accountID,
		Data:       payload,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	if err := j.writeEntry(entry); err != nil {
		return err
	}
	return j.maybeRotate()
}

func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return j.file.Sync()
}

func (j *Journal) openSegment() error {
	filename := fmt.Sprintf("%s-%s.jnl", j.config.FilePrefix, time.Now().UTC().Format("20060102-150405.000000"))
	path := filepath.Join(j.dir, filename)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal segment: %w", err)
	}

	j.file = file
	j.writer = bufio.NewWriter(file)
	return nil
}

func (j *Journal) maybeRotate() error {
	info, err := j.file.Stat()
	if err != nil || info.Size() < j.config.MaxFileSize {
		return nil
	}

	if err := j.writer.Flush(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}
	return j.openSegment()
}

func (j *Journal) listFiles() []string {
	return segmentFiles(j.dir, j.config.FilePrefix)
}

func segmentFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jnl"))
	if err != nil {
		return nil
	}
	return files
}

// lastSequence scans existing segments for the highest sequence so
// numbering continues across restarts.
func lastSequence(files []string) int64 {
	var max int64
	for _, file := range files {
		if seq := maxSequenceInFile(file); seq > max {
			max = seq
		}
	}
	return max
}

func maxSequenceInFile(path string) int64 {
	reader, err := NewReader(path)
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	var max int64
	for {
		entry, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Corrupt tail entries do not invalidate the rest.
			continue
		}
		if entry.Sequence > max {
			max = entry.Sequence
		}
	}
	return max
}

// Reader replays one journal segment.
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens one segment file for replay.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal segment: %w", err)
	}
	return &Reader{scanner: bufio.NewScanner(file), file: file}, nil
}

// Next returns the next entry or io.EOF.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal journal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the segment.
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay invokes handler on every entry recorded after since, oldest
// segment first.
func Replay(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	if config.FilePrefix == "" {
		config = DefaultConfig()
	}

	for _, file := range segmentFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}
