package export

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
)

func sampleOutcomes() []*model.Outcome {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return []*model.Outcome{
		{ID: "o1", TS: ts, Domain: "example.com", URL: "https://example.com/a", ConfigID: "cfg-1", Result: model.ResultOK, HTTPStatus: 200, ResponseMs: 120, ContentLength: 4096, PageTitle: "Example"},
		{ID: "o2", TS: ts.Add(time.Minute), Domain: "example.com", URL: "https://example.com/b", ConfigID: "cfg-1", Result: model.ResultBlocked, BlockService: model.ServiceCloudflare, HTTPStatus: 403},
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, sampleOutcomes()); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	out := buf.String()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 { // header + 2 rows
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), out)
	}
	if !strings.Contains(lines[0], "domain") {
		t.Errorf("expected header row to name columns, got %q", lines[0])
	}
	if !strings.Contains(lines[2], "cloudflare") {
		t.Errorf("expected block_service in second row, got %q", lines[2])
	}
}

func TestWriteAndReadNDJSONRoundTrip(t *testing.T) {
	outcomes := sampleOutcomes()
	var buf bytes.Buffer
	if err := WriteNDJSON(&buf, outcomes); err != nil {
		t.Fatalf("WriteNDJSON: %v", err)
	}

	got, err := ReadNDJSON(&buf)
	if err != nil {
		t.Fatalf("ReadNDJSON: %v", err)
	}
	if len(got) != len(outcomes) {
		t.Fatalf("expected %d outcomes, got %d", len(outcomes), len(got))
	}
	if got[0].ID != "o1" || got[1].Result != model.ResultBlocked {
		t.Errorf("round-tripped outcomes mismatch: %+v", got)
	}
	if got[0].SchemaVersion != model.SchemaVersion {
		t.Errorf("expected schema version %d, got %d", model.SchemaVersion, got[0].SchemaVersion)
	}
}
