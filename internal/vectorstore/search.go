package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/swarmguard/cis/internal/cerr"
)

// Search finds the k nearest records of kind to query, above threshold
// similarity. It prefers the ANN path; when the store has no live ANN
// mirrors it falls back to a full cosine scan under a shared lock,
// letting concurrent fallback searches proceed together.
func (s *Store) Search(ctx context.Context, kind RecordKind, query []float32, k int, threshold float64) ([]SearchResult, error) {
	if len(query) != EmbeddingDim {
		return nil, cerr.New(cerr.InvalidInput, "vectorstore.Search", fmt.Errorf("query must have %d dims", EmbeddingDim))
	}

	s.mu.RLock()
	ann := s.annEnabled
	s.mu.RUnlock()

	if ann {
		results, err := s.searchANN(ctx, kind, query, k, threshold)
		if err == nil {
			return results, nil
		}
		// ANN query failed at runtime (e.g. extension unloaded) — degrade
		// to the fallback scan rather than surfacing a search outage.
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searchFallback(ctx, kind, query, k, threshold)
}

func (s *Store) searchANN(ctx context.Context, kind RecordKind, query []float32, k int, threshold float64) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT r.id, a.distance, r.attrs
		 FROM %s a JOIN %s r ON r.rowid = a.rowid
		 WHERE a.embedding MATCH ? AND k = ?
		 ORDER BY a.distance`,
		annTable(kind), kindTable(kind)),
		floatsToBytes(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id, attrs string
		var distance float64
		if err := rows.Scan(&id, &distance, &attrs); err != nil {
			return nil, err
		}
		sim := (2 - distance) / 2
		if sim < threshold {
			continue
		}
		out = append(out, SearchResult{ID: id, Similarity: sim, Attrs: attrs})
	}
	return out, rows.Err()
}

func (s *Store) searchFallback(ctx context.Context, kind RecordKind, query []float32, k int, threshold float64) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT id, embedding, attrs FROM %s`, kindTable(kind)))
	if err != nil {
		return nil, cerr.New(cerr.Storage, "vectorstore.searchFallback", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id, attrs string
		var blob []byte
		if err := rows.Scan(&id, &blob, &attrs); err != nil {
			return nil, cerr.New(cerr.Storage, "vectorstore.searchFallback", err)
		}
		sim := cosineSimilarity(query, bytesToFloats(blob))
		if sim < threshold {
			continue
		}
		out = append(out, SearchResult{ID: id, Similarity: sim, Attrs: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.New(cerr.Storage, "vectorstore.searchFallback", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, magA, magB float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
