package mapping

import (
	"sync"
	"time"
)

// Source hands out mapping table snapshots to dispatches.
type Source interface {
	Snapshot() (*Table, error)
}

// FileSource reads the table from disk on every snapshot. Suitable for
// one-shot invocations where the dispatch lifetime bounds staleness.
type FileSource struct {
	Path string
}

func (s *FileSource) Snapshot() (*Table, error) {
	return Load(s.Path)
}

// CachedSource wraps another source with a bounded refresh interval for
// long-lived workers. Each dispatch still gets an immutable snapshot:
// a refresh swaps the pointer, it never mutates a table a dispatch
// already holds.
type CachedSource struct {
	inner    Source
	interval time.Duration

	mu        sync.RWMutex
	table     *Table
	fetchedAt time.Time
}

// NewCachedSource caches snapshots from inner for at most interval.
func NewCachedSource(inner Source, interval time.Duration) *CachedSource {
	return &CachedSource{inner: inner, interval: interval}
}

func (c *CachedSource) Snapshot() (*Table, error) {
	c.mu.RLock()
	table, fetchedAt := c.table, c.fetchedAt
	c.mu.RUnlock()

	if table != nil && time.Since(fetchedAt) < c.interval {
		return table, nil
	}

	fresh, err := c.inner.Snapshot()
	if err != nil {
		// Serve the stale snapshot rather than fail the dispatch when
		// the backing source is temporarily unreadable.
		if table != nil {
			return table, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.table = fresh
	c.fetchedAt = time.Now()
	c.mu.Unlock()

	return fresh, nil
}
