package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/agent-interceptor/internal/domain"
)

func sampleRecords() []Record {
	return []Record{
		{
			Interaction: &domain.Interaction{
				ID:        "int-1",
				StartedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
				Provider:  domain.ProviderOllama,
				Method:    "POST",
				Path:      "/api/generate",
				Request:   &domain.InteractionRequest{Model: "llama3.2"},
			},
			Chunks: []domain.StreamChunk{
				{ID: "c1", InteractionID: "int-1", Seq: 0, Raw: []byte(`{"done":true}`)},
			},
		},
		{
			Interaction: &domain.Interaction{
				ID:        "int-2",
				StartedAt: time.Date(2026, 8, 1, 12, 1, 0, 0, time.UTC),
				Provider:  domain.ProviderOpenAI,
				Method:    "POST",
				Path:      "/v1/chat/completions",
				Request:   &domain.InteractionRequest{Model: "gpt-4o"},
			},
		},
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, sampleRecords()); err != nil {
		t.Fatal(err)
	}

	var decoded []map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("export is not a JSON array: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("expected 2 records, got %d", len(decoded))
	}
	if _, ok := decoded[0]["chunks"]; !ok {
		t.Error("JSON export must embed chunks")
	}
}

func TestWriteJSONEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Errorf("expected empty array, got %q", buf.String())
	}
}

func TestWriteJSONL(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, sampleRecords(), false); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for i, line := range lines {
		var decoded map[string]interface{}
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if _, ok := decoded["chunks"]; ok {
			t.Error("JSONL must omit chunks unless verbose")
		}
	}
}

func TestWriteJSONLVerbose(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSONL(&buf, sampleRecords(), true); err != nil {
		t.Fatal(err)
	}

	first := strings.SplitN(strings.TrimSpace(buf.String()), "\n", 2)[0]
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(first), &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["chunks"]; !ok {
		t.Error("verbose JSONL must embed chunks")
	}
}
