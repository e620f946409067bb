package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/cis/internal/cerr"
)

var (
	bucketRuns     = []byte("runs")
	bucketArchived = []byte("runs_archived")
)

// Store persists Run state to BoltDB with optimistic-locked updates and a
// read-through memory cache.
type Store struct {
	db       *bbolt.DB
	mu       sync.RWMutex
	memCache map[string]*Run

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenStore opens (creating if absent) the BoltDB file at path and warms
// the memory cache from its contents.
func OpenStore(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, cerr.New(cerr.Storage, "dag.OpenStore", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRuns, bucketArchived} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, cerr.New(cerr.Storage, "dag.OpenStore", err)
	}

	readLatency, _ := meter.Float64Histogram("cis_dag_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("cis_dag_store_write_ms")

	s := &Store{
		db:           db,
		memCache:     make(map[string]*Run),
		readLatency:  readLatency,
		writeLatency: writeLatency,
	}
	if err := s.warmCache(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) warmCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			s.memCache[string(k)] = &r
			return nil
		})
	})
}

// Close releases the underlying BoltDB handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// PutRun writes a run unconditionally, overwriting any stored version.
func (s *Store) PutRun(ctx context.Context, r *Run) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "put_run")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return cerr.New(cerr.Storage, "dag.PutRun", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(r.RunID), data)
	})
	if err != nil {
		return cerr.New(cerr.Storage, "dag.PutRun", err)
	}
	s.memCache[r.RunID] = r
	return nil
}

// GetRun reads a run by id, preferring the memory cache.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, bool, error) {
	start := time.Now()
	defer func() {
		s.readLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "get_run")))
	}()

	s.mu.RLock()
	if r, ok := s.memCache[runID]; ok {
		s.mu.RUnlock()
		return r, true, nil
	}
	s.mu.RUnlock()

	var r Run
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(runID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, false, cerr.New(cerr.Storage, "dag.GetRun", err)
	}
	if !found {
		return nil, false, nil
	}
	s.mu.Lock()
	s.memCache[runID] = &r
	s.mu.Unlock()
	return &r, true, nil
}

// ListRuns returns every cached run, in no particular order.
func (s *Store) ListRuns(ctx context.Context) []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Run, 0, len(s.memCache))
	for _, r := range s.memCache {
		out = append(out, r)
	}
	return out
}

// UpdateWithVersion writes r only if the stored run's Version equals
// expected (or the run doesn't exist yet), setting r.Version to
// expected+1 before storing it.
// Callers should seed a run with PutRun once before relying on
// optimistic-locked updates.
func (s *Store) UpdateWithVersion(ctx context.Context, r *Run, expected int64) error {
	start := time.Now()
	defer func() {
		s.writeLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", "update_with_version")))
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		existing := b.Get([]byte(r.RunID))
		if existing != nil {
			var cur Run
			if err := json.Unmarshal(existing, &cur); err != nil {
				return err
			}
			if cur.Version != expected {
				return cerr.New(cerr.Conflict, "dag.UpdateWithVersion",
					fmt.Errorf("run %s: version mismatch (have %d, expected %d)", r.RunID, cur.Version, expected))
			}
		}
		r.Version = expected + 1
		r.UpdatedAt = time.Now()
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.RunID), data)
	})
	if err != nil {
		return err
	}
	s.memCache[r.RunID] = r
	return nil
}

// RemoveRun deletes a run from the live bucket, archiving its last known
// state before deletion.
func (s *Store) RemoveRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(runID))
		if data != nil {
			archiveKey := fmt.Sprintf("%s:%d", runID, time.Now().UnixNano())
			if err := tx.Bucket(bucketArchived).Put([]byte(archiveKey), data); err != nil {
				return err
			}
		}
		return b.Delete([]byte(runID))
	})
	if err != nil {
		return cerr.New(cerr.Storage, "dag.RemoveRun", err)
	}
	delete(s.memCache, runID)
	return nil
}
