package dag

import (
	"encoding/json"

	"github.com/swarmguard/cis/internal/cerr"
)

// Export serializes a run to indented JSON for CLI/audit consumption.
func Export(r *Run) ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, cerr.New(cerr.Storage, "dag.Export", err)
	}
	return data, nil
}

// Import parses a run previously produced by Export.
func Import(data []byte) (*Run, error) {
	var r Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, cerr.New(cerr.InvalidInput, "dag.Import", err)
	}
	return &r, nil
}
