package vectorstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func unitVector(dim, axis int) []float32 {
	v := make([]float32, dim)
	v[axis] = 1
	return v
}

func TestIndexAndSearchMemory(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Index(ctx, KindMemory, Record{ID: "m1", Embedding: unitVector(EmbeddingDim, 0), Attrs: `{"text":"hello"}`}))
	require.NoError(t, st.Index(ctx, KindMemory, Record{ID: "m2", Embedding: unitVector(EmbeddingDim, 1), Attrs: `{"text":"world"}`}))

	results, err := st.Search(ctx, KindMemory, unitVector(EmbeddingDim, 0), 5, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "m1", results[0].ID)
}

func TestBatchIndexChunksAndCommits(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	records := make([]Record, 0, 150)
	for i := 0; i < 150; i++ {
		records = append(records, Record{ID: fmt.Sprintf("msg-%d", i), Embedding: unitVector(EmbeddingDim, i%EmbeddingDim)})
	}
	require.NoError(t, st.BatchIndex(ctx, KindMessage, records))

	results, err := st.Search(ctx, KindMessage, unitVector(EmbeddingDim, 0), 200, 0)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestIndexRejectsWrongDimension(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	defer st.Close()

	err = st.Index(context.Background(), KindSummary, Record{ID: "x", Embedding: []float32{1, 2, 3}})
	require.Error(t, err)
}

func TestRegisterAndSearchSkills(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.RegisterSkill(ctx, "skill1", unitVector(EmbeddingDim, 0), unitVector(EmbeddingDim, 0), `{"name":"deploy"}`))

	results, err := st.SearchSkills(ctx, unitVector(EmbeddingDim, 0), 5, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	require.Equal(t, "skill1", results[0].ID)
	require.InDelta(t, 1.0, results[0].Similarity, 0.01)
}

func TestRebuildHNSWIndexesIsIdempotent(t *testing.T) {
	st, err := Open(filepath.Join(t.TempDir(), "vec.db"))
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.Index(ctx, KindTaskTitle, Record{ID: "t1", Embedding: unitVector(EmbeddingDim, 5)}))
	require.NoError(t, st.CreateHNSWIndex(16, 100, 40))
	require.NoError(t, st.RebuildHNSWIndexes(ctx))
}
