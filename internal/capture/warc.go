package capture

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"fmt"
	"time"
)

// writeWARC renders a minimal WARC/1.1 archive (a warcinfo record followed
// by one response record carrying the final HTML) and gzip-compresses it,
// following the original implementation's simplified in-process WARC
// writer rather than shelling out to wget: no WARC-writing library exists
// anywhere in the examples pack, and spawning an external binary from a
// capture pipeline would trade one missing dependency for a worse one.
func writeWARC(url, html string, ts time.Time) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)

	timestamp := ts.UTC().Format("2006-01-02T15:04:05Z")

	warcinfo := warcRecord(
		"warcinfo",
		recordID(url+"warcinfo"),
		timestamp,
		url,
		[]byte("software: national-treasure-engine\r\nformat: WARC/1.1\r\n"),
		"application/warc-fields",
	)
	response := warcRecord(
		"response",
		recordID(url+"response"),
		timestamp,
		url,
		[]byte(html),
		"text/html",
	)

	if _, err := gz.Write(warcinfo); err != nil {
		return nil, fmt.Errorf("capture: warc write failed: %w", err)
	}
	if _, err := gz.Write(response); err != nil {
		return nil, fmt.Errorf("capture: warc write failed: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("capture: warc close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func recordID(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("urn:uuid:%x", sum[:16])
}

func warcRecord(recordType, id, timestamp, targetURI string, content []byte, contentType string) []byte {
	header := fmt.Sprintf(
		"WARC/1.1\r\nWARC-Type: %s\r\nWARC-Record-ID: <%s>\r\nWARC-Date: %s\r\nWARC-Target-URI: %s\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n",
		recordType, id, timestamp, targetURI, contentType, len(content),
	)
	out := make([]byte, 0, len(header)+len(content)+4)
	out = append(out, header...)
	out = append(out, content...)
	out = append(out, '\r', '\n', '\r', '\n')
	return out
}
