package vectorstore

import (
	"context"
	"sort"
)

// RegisterSkill writes two vectors sharing id: one under
// KindSkillIntent, one under KindSkillCapability.
func (s *Store) RegisterSkill(ctx context.Context, id string, intent, capability []float32, attrs string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.indexOne(ctx, s.db, KindSkillIntent, Record{ID: id, Embedding: intent, Attrs: attrs}); err != nil {
		return err
	}
	return s.indexOne(ctx, s.db, KindSkillCapability, Record{ID: id, Embedding: capability, Attrs: attrs})
}

// SearchSkills searches both the intent and capability indices and
// merges matches sharing an id, averaging their similarities.
func (s *Store) SearchSkills(ctx context.Context, query []float32, k int, threshold float64) ([]SearchResult, error) {
	intentHits, err := s.Search(ctx, KindSkillIntent, query, k*2, 0)
	if err != nil {
		return nil, err
	}
	capHits, err := s.Search(ctx, KindSkillCapability, query, k*2, 0)
	if err != nil {
		return nil, err
	}

	capByID := make(map[string]SearchResult, len(capHits))
	for _, h := range capHits {
		capByID[h.ID] = h
	}

	merged := make(map[string]SearchResult)
	for _, ih := range intentHits {
		ch, ok := capByID[ih.ID]
		sim := ih.Similarity
		attrs := ih.Attrs
		if ok {
			sim = (ih.Similarity + ch.Similarity) / 2
		}
		merged[ih.ID] = SearchResult{ID: ih.ID, Similarity: sim, Attrs: attrs}
	}
	for _, ch := range capHits {
		if _, ok := merged[ch.ID]; !ok {
			merged[ch.ID] = SearchResult{ID: ch.ID, Similarity: ch.Similarity / 2, Attrs: ch.Attrs}
		}
	}

	var out []SearchResult
	for _, r := range merged {
		if r.Similarity >= threshold {
			out = append(out, r)
		}
	}
	if len(out) > k {
		out = sortTopK(out, k)
	}
	return out, nil
}

func sortTopK(rs []SearchResult, k int) []SearchResult {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Similarity > rs[j].Similarity })
	return rs[:k]
}
