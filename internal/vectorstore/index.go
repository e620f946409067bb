package vectorstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/swarmguard/cis/internal/cerr"
)

// floatsToBytes serializes a float32 embedding as little-endian bytes,
// the blob layout both the base table and the vec0 extension expect.
func floatsToBytes(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func bytesToFloats(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Index writes a single record of the given kind, updating the ANN
// mirror in the same pass when the ANN path is active.
func (s *Store) Index(ctx context.Context, kind RecordKind, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOne(ctx, s.db, kind, r)
}

func (s *Store) indexOne(ctx context.Context, exec execer, kind RecordKind, r Record) error {
	if len(r.Embedding) != EmbeddingDim {
		return cerr.New(cerr.InvalidInput, "vectorstore.Index", fmt.Errorf("embedding must have %d dims, got %d", EmbeddingDim, len(r.Embedding)))
	}
	blob := floatsToBytes(r.Embedding)

	if _, err := exec.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, embedding, attrs) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET embedding=excluded.embedding, attrs=excluded.attrs`, kindTable(kind)),
		r.ID, blob, r.Attrs); err != nil {
		return cerr.New(cerr.Storage, "vectorstore.Index", err)
	}

	if s.annEnabled {
		if _, err := exec.ExecContext(ctx,
			fmt.Sprintf(`INSERT OR REPLACE INTO %s (rowid, embedding) VALUES ((SELECT rowid FROM %s WHERE id = ?), ?)`,
				annTable(kind), kindTable(kind)),
			r.ID, blob); err != nil {
			return cerr.New(cerr.Storage, "vectorstore.Index", err)
		}
	}
	return nil
}

// execer is the subset of *sql.DB / *sql.Tx that indexOne needs, so
// BatchIndex can share the single-record path inside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BatchIndex writes records in chunks of at most 100, each chunk
// committed in a single transaction; any failure aborts that chunk's
// transaction and returns the error, leaving already-committed chunks
// in place.
func (s *Store) BatchIndex(ctx context.Context, kind RecordKind, records []Record) error {
	const chunkSize = 100
	s.mu.Lock()
	defer s.mu.Unlock()

	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		if err := s.indexChunk(ctx, kind, records[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) indexChunk(ctx context.Context, kind RecordKind, chunk []Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cerr.New(cerr.Storage, "vectorstore.BatchIndex", err)
	}
	for _, r := range chunk {
		if err := s.indexOne(ctx, tx, kind, r); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return cerr.New(cerr.Storage, "vectorstore.BatchIndex", err)
	}
	return nil
}
