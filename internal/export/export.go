// Package export renders stored interactions as JSON or JSONL for external
// tooling.
package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

// Record is one exported interaction with its chunks optionally embedded.
type Record struct {
	*domain.Interaction

	Chunks []domain.StreamChunk `json:"chunks,omitempty"`
}

// WriteJSON writes all records as a single indented JSON array with
// embedded chunks.
func WriteJSON(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if records == nil {
		records = []Record{}
	}
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// WriteJSONL writes one interaction per line. Chunks are embedded only when
// verbose is set.
func WriteJSONL(w io.Writer, records []Record, verbose bool) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if !verbose {
			rec.Chunks = nil
		}
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode export line: %w", err)
		}
	}
	return nil
}
