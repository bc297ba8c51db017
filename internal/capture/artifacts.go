package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// artifactFilenames maps each requestable artifact kind to its canonical
// filename within the per-URL archive directory, per spec §6's artifact
// layout.
var artifactFilenames = map[string]string{
	"screenshot": "screenshot.png",
	"pdf":        "document.pdf",
	"html":       "page.html",
	"warc":       "capture.warc.gz",
}

// fingerprint derives a stable directory name from url, per spec §4.5's
// determinism requirement: re-capturing the same URL lands on the same
// directory and therefore overwrites the same artifact files.
func fingerprint(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])[:24]
}

// artifactPath returns the deterministic path for one artifact kind of
// one URL under archiveDir.
func artifactPath(archiveDir, url, kind string) (string, error) {
	name, ok := artifactFilenames[kind]
	if !ok {
		return "", fmt.Errorf("capture: unknown artifact kind %q", kind)
	}
	return filepath.Join(archiveDir, fingerprint(url), name), nil
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so a reader never observes a partially written
// file, mirroring the teacher pack's config.FileStore.Save temp-then-
// rename idiom.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("capture: create artifact dir failed: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("capture: write temp artifact failed: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("capture: rename artifact failed: %w", err)
	}
	return nil
}
