// Package store persists the scheduler's audit trail: every outbound
// report event, plus the held-data and restriction state, written through
// on every change, so a fresh scheduler process can recover what a client asked to
// keep and where tasks were pinned. It deliberately does not persist the
// live graph/residency state itself: that is rebuilt by re-running
// update_graph against whatever workers reconnect, the same way the
// original scheduler only ever lived in process memory.
//
// Grounded on the orchestrator's persistence.go WorkflowStore: bbolt
// buckets and a cache-then-db read path. Only AppendReport records an otel
// write-latency histogram; the other operations are not instrumented.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketReports      = []byte("reports")
	bucketHeldData     = []byte("held_data")
	bucketRestrictions = []byte("restrictions")
)

// Store wraps a bbolt database with the scheduler's read/write instruments
// and a small in-memory cache over the latest held-data/restriction
// snapshot, mirroring WorkflowStore's memCache.
type Store struct {
	db *bbolt.DB

	mu         sync.RWMutex
	heldCache  map[string]bool
	restrCache map[string][]string
}

// Open creates or opens a bbolt database at path and ensures its buckets
// exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketReports, bucketHeldData, bucketRestrictions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{
		db:         db,
		heldCache:  make(map[string]bool),
		restrCache: make(map[string][]string),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendReport records one outbound report event, keyed by a
// monotonically increasing bucket sequence so ListReports can replay them
// in emission order.
func (s *Store) AppendReport(ctx context.Context, payload any) error {
	start := time.Now()
	meter := otel.Meter("scheduler-store")
	hist, _ := meter.Float64Histogram("scheduler_store_write_seconds")
	defer func() {
		hist.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("bucket", "reports")))
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketReports)
		seq, _ := b.NextSequence()
		return b.Put(itob(seq), data)
	})
}

// ListReports returns every stored report, oldest first, with an optional
// limit (0 means unlimited).
func (s *Store) ListReports(ctx context.Context, limit int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketReports).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			cp := make(json.RawMessage, len(v))
			copy(cp, v)
			out = append(out, cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// PutHeld records that key is client-held, surviving process restarts.
func (s *Store) PutHeld(ctx context.Context, key string, held bool) error {
	s.mu.Lock()
	s.heldCache[key] = held
	s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketHeldData)
		if !held {
			return b.Delete([]byte(key))
		}
		return b.Put([]byte(key), []byte{1})
	})
}

// LoadHeld returns every key currently marked held, from cache if warm.
func (s *Store) LoadHeld(ctx context.Context) (map[string]bool, error) {
	s.mu.RLock()
	if len(s.heldCache) > 0 {
		out := make(map[string]bool, len(s.heldCache))
		for k, v := range s.heldCache {
			out[k] = v
		}
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	out := make(map[string]bool)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketHeldData).ForEach(func(k, v []byte) error {
			out[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for k, v := range out {
		s.heldCache[k] = v
	}
	s.mu.Unlock()
	return out, nil
}

// PutRestriction records the worker restriction list for key.
func (s *Store) PutRestriction(ctx context.Context, key string, workers []string) error {
	s.mu.Lock()
	s.restrCache[key] = workers
	s.mu.Unlock()
	data, err := json.Marshal(workers)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRestrictions).Put([]byte(key), data)
	})
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
