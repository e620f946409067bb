// Package vectorstore implements the node's embedding-backed semantic
// index: an ANN path backed by the sqlite-vec extension over
// mattn/go-sqlite3, and a portable cosine-scan fallback used whenever
// the extension fails to load.
package vectorstore

// RecordKind names one of the nine embedding record types the store
// indexes.
type RecordKind string

const (
	KindMemory           RecordKind = "memory"
	KindMessage          RecordKind = "message"
	KindSummary          RecordKind = "summary"
	KindSkillIntent      RecordKind = "skill_intent"
	KindSkillCapability  RecordKind = "skill_capability"
	KindTaskTitle        RecordKind = "task_title"
	KindTaskDescription  RecordKind = "task_description"
	KindTaskResult       RecordKind = "task_result"
	KindTaskOutcome      RecordKind = "task_outcome" // supplemented: original_source tracks outcome separately from result
)

// EmbeddingDim is the fixed embedding width every record kind shares.
const EmbeddingDim = 768

// Record is one embedding entry plus its record-specific scalar
// attributes, carried as an opaque JSON blob rather than per-kind Go
// structs (every kind shares id/embedding/attrs; only the attrs shape
// differs, and callers already know their kind's shape).
type Record struct {
	ID        string
	Embedding []float32
	Attrs     string // JSON
}

// SearchResult is one ranked hit.
type SearchResult struct {
	ID         string
	Similarity float64
	Attrs      string
}

var allKinds = []RecordKind{
	KindMemory, KindMessage, KindSummary,
	KindSkillIntent, KindSkillCapability,
	KindTaskTitle, KindTaskDescription, KindTaskResult, KindTaskOutcome,
}

func kindTable(k RecordKind) string { return "record_" + string(k) }
func annTable(k RecordKind) string  { return "ann_" + string(k) }
