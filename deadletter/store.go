// Package deadletter durably stores notification envelopes (and
// malformed inbound events) that could not be delivered, and supports
// redriving them once the downstream channel recovers.
package deadletter

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/guardrail-sh/dispatch/telemetry"
	"github.com/guardrail-sh/dispatch/types"
)

var (
	bucketEnvelopes = []byte("envelopes")
	bucketEvents    = []byte("events")
)

// Record is one dead-lettered envelope.
type Record struct {
	Seq      uint64                      `json:"seq"`
	StoredAt time.Time                   `json:"stored_at"`
	Reason   string                      `json:"reason"`
	Envelope *types.NotificationEnvelope `json:"envelope"`
}

// EventRecord is one dead-lettered inbound event that failed
// normalization.
type EventRecord struct {
	Seq      uint64          `json:"seq"`
	StoredAt time.Time       `json:"stored_at"`
	Reason   string          `json:"reason"`
	Raw      json.RawMessage `json:"raw"`
}

// Store is a local bbolt-backed dead-letter sink.
type Store struct {
	db     *bbolt.DB
	logger *telemetry.Logger
}

// Open creates or opens the dead-letter database in dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "deadletter.db")
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketEnvelopes, bucketEvents} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create dead-letter buckets: %w", err)
	}

	return &Store{
		db:     db,
		logger: telemetry.NewLogger("deadletter"),
	}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store implements notify.DeadLetterSink.
func (s *Store) Store(ctx context.Context, env *types.NotificationEnvelope, reason string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEnvelopes)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		record := Record{
			Seq:      seq,
			StoredAt: time.Now().UTC(),
			Reason:   reason,
			Envelope: env,
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// StoreEvent dead-letters a raw inbound event that failed normalization,
// so malformed events are never silently dropped.
func (s *Store) StoreEvent(ctx context.Context, raw []byte, reason string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketEvents)
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}

		record := EventRecord{
			Seq:      seq,
			StoredAt: time.Now().UTC(),
			Reason:   reason,
			Raw:      json.RawMessage(raw),
		}
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal event record: %w", err)
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// List returns up to limit dead-lettered envelopes in storage order.
// limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEnvelopes).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record Record
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt record at %x: %w", k, err)
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListEvents returns up to limit dead-lettered raw events in storage
// order. limit <= 0 means all.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	var records []EventRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketEvents).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var record EventRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt event record at %x: %w", k, err)
			}
			records = append(records, record)
			if limit > 0 && len(records) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Router re-publishes envelopes during a redrive.
type Router interface {
	Route(ctx context.Context, env *types.NotificationEnvelope) error
}

// Redrive republishes every stored envelope through the router,
// deleting each record the router accepted. Returns how many were
// redriven.
func (s *Store) Redrive(ctx context.Context, router Router) (int, error) {
	records, err := s.List(ctx, 0)
	if err != nil {
		return 0, err
	}

	redriven := 0
	for _, record := range records {
		if err := router.Route(ctx, record.Envelope); err != nil {
			s.logger.WithContext(ctx).Error().
				Err(err).
				Uint64("seq", record.Seq).
				Msg("redrive failed for record")
			continue
		}

		err := s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketEnvelopes).Delete(seqKey(record.Seq))
		})
		if err != nil {
			return redriven, fmt.Errorf("failed to delete redriven record %d: %w", record.Seq, err)
		}
		redriven++
	}

	s.logger.WithContext(ctx).Info().
		Int("redriven", redriven).
		Int("total", len(records)).
		Msg("redrive complete")
	return redriven, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
