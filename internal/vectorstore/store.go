package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/swarmguard/cis/internal/cerr"
)

// Store is the node's vector index: one sqlite3 handle over a dedicated
// database file, with per-kind base tables and, where the sqlite-vec
// extension loads successfully, per-kind ANN mirror tables.
type Store struct {
	db *sql.DB
	mu sync.RWMutex

	annEnabled bool
	hnswM           int
	hnswEfConstruct int
	hnswEfSearch    int
}

// Open opens (creating if absent) the vector store at path, creates the
// base tables for every record kind, and attempts to provision ANN
// mirrors; a failure to create the ANN tables drops the store into the
// fallback cosine-scan path rather than failing Open.
func Open(path string) (*Store, error) {
	ensureExtensionRegistered()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, cerr.New(cerr.Storage, "vectorstore.Open", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, hnswM: 16, hnswEfConstruct: 100, hnswEfSearch: 40}

	for _, k := range allKinds {
		if _, err := db.Exec(fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				embedding BLOB NOT NULL,
				attrs TEXT NOT NULL DEFAULT '{}'
			)`, kindTable(k))); err != nil {
			db.Close()
			return nil, cerr.New(cerr.Storage, "vectorstore.Open", err)
		}
	}

	s.annEnabled = s.tryCreateANNMirrors() == nil
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// ANNEnabled reports whether the sqlite-vec ANN path is active for this
// store; false means every search runs the fallback cosine scan.
func (s *Store) ANNEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.annEnabled
}

func (s *Store) tryCreateANNMirrors() error {
	for _, k := range allKinds {
		stmt := fmt.Sprintf(
			`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(embedding float[%d])`,
			annTable(k), EmbeddingDim)
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateHNSWIndex provisions ANN-optimized mirrors with the given
// parameters; sqlite-vec has no separate HNSW parameter surface, so m,
// efConstruction, and efSearch are only stored on the Store — neither
// this method nor RebuildHNSWIndexes passes them to the extension.
func (s *Store) CreateHNSWIndex(m, efConstruction, efSearch int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hnswM, s.hnswEfConstruct, s.hnswEfSearch = m, efConstruction, efSearch
	if err := s.tryCreateANNMirrors(); err != nil {
		s.annEnabled = false
		return cerr.New(cerr.Storage, "vectorstore.CreateHNSWIndex", err)
	}
	s.annEnabled = true
	return nil
}

// RebuildHNSWIndexes backfills every ANN mirror from its base table,
// rows the base table added while the mirror was unavailable.
func (s *Store) RebuildHNSWIndexes(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.annEnabled {
		if err := s.tryCreateANNMirrors(); err != nil {
			return cerr.New(cerr.Storage, "vectorstore.RebuildHNSWIndexes", err)
		}
		s.annEnabled = true
	}

	for _, k := range allKinds {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, embedding FROM %s`, kindTable(k)))
		if err != nil {
			return cerr.New(cerr.Storage, "vectorstore.RebuildHNSWIndexes", err)
		}
		err = func() error {
			defer rows.Close()
			for rows.Next() {
				var id string
				var blob []byte
				if err := rows.Scan(&id, &blob); err != nil {
					return err
				}
				if _, err := s.db.ExecContext(ctx,
					fmt.Sprintf(`INSERT OR REPLACE INTO %s (rowid, embedding) VALUES ((SELECT rowid FROM %s WHERE id = ?), ?)`,
						annTable(k), kindTable(k)),
					id, blob); err != nil {
					return err
				}
			}
			return rows.Err()
		}()
		if err != nil {
			return cerr.New(cerr.Storage, "vectorstore.RebuildHNSWIndexes", err)
		}
	}
	return nil
}
