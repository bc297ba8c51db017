// Package export renders a domain's outcome history to CSV or NDJSON, the
// two formats the teacher's file-backed stores wrote natively. It backs
// export-type queue jobs (spec §6's "export" job type): a consumer reads
// outcomes from storage.Backend and calls WriteCSV or WriteNDJSON to
// produce the artifact a job result points at.
package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nationaltreasure/engine/internal/model"
)

var csvHeaders = []string{
	"id", "ts", "domain", "url", "config_id", "result", "block_service",
	"http_status", "response_ms", "content_length", "page_title",
}

// WriteCSV renders outcomes as CSV, most-recent-first order preserved from
// the caller, with a header row.
func WriteCSV(w io.Writer, outcomes []*model.Outcome) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeaders); err != nil {
		return fmt.Errorf("export: write csv header: %w", err)
	}
	for _, o := range outcomes {
		record := []string{
			o.ID,
			o.TS.Format(time.RFC3339Nano),
			o.Domain,
			o.URL,
			o.ConfigID,
			string(o.Result),
			o.BlockService,
			strconv.Itoa(o.HTTPStatus),
			strconv.Itoa(o.ResponseMs),
			strconv.Itoa(o.ContentLength),
			o.PageTitle,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("export: write csv row %s: %w", o.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteNDJSON renders outcomes as newline-delimited JSON, one self-describing
// record per line.
func WriteNDJSON(w io.Writer, outcomes []*model.Outcome) error {
	bw := bufio.NewWriter(w)
	for _, o := range outcomes {
		if o.SchemaVersion == 0 {
			o.SchemaVersion = model.SchemaVersion
		}
		data, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("export: marshal outcome %s: %w", o.ID, err)
		}
		if _, err := bw.Write(data); err != nil {
			return fmt.Errorf("export: write outcome %s: %w", o.ID, err)
		}
		if err := bw.WriteByte('\n'); err != nil {
			return fmt.Errorf("export: write newline: %w", err)
		}
	}
	return bw.Flush()
}

// ReadNDJSON parses a previously written NDJSON export back into outcomes,
// used by admin tooling and by tests that round-trip an export.
func ReadNDJSON(r io.Reader) ([]*model.Outcome, error) {
	scanner := bufio.NewScanner(r)
	var out []*model.Outcome
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var o model.Outcome
		if err := json.Unmarshal(line, &o); err != nil {
			return nil, fmt.Errorf("export: decode outcome: %w", err)
		}
		out = append(out, &o)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("export: scan: %w", err)
	}
	return out, nil
}
