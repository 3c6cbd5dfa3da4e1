// Package snapshot stores immutable per-run captures of raw source content
// plus a manifest recording success or failure per source. Files are written
// to a temp name and renamed into place so readers never see partial writes.
package snapshot

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Store writes snapshots under dir/<runID>/.
type Store struct {
	dir string
}

// Manifest records the outcome of one fetch run.
type Manifest struct {
	RunID     string  `json:"run_id"`
	StartedAt string  `json:"started_at"`
	Entries   []Entry `json:"entries"`
}

// Entry is the per-source record in a run manifest.
type Entry struct {
	SourceID    string `json:"source_id"`
	URL         string `json:"url"`
	Path        string `json:"path,omitempty"`
	SHA256      string `json:"sha256,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	StatusCode  int    `json:"status_code,omitempty"`
	FetchedAt   string `json:"fetched_at"`
	Error       string `json:"error,omitempty"`
}

// NewStore creates a snapshot store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// NewRunID returns a timestamp-based run identifier.
func NewRunID(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

// Write stores one source's raw content for a run and returns the path
// relative to the store root along with the content hash.
func (s *Store) Write(runID, sourceID string, content []byte, contentType string) (string, string, error) {
	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating run directory: %w", err)
	}

	sum := fmt.Sprintf("%x", sha256.Sum256(content))
	name := fmt.Sprintf("%s%s", sourceID, extensionFor(contentType))
	rel := filepath.Join(runID, name)

	if err := writeAtomic(filepath.Join(runDir, name), content); err != nil {
		return "", "", err
	}
	return rel, sum, nil
}

// WriteManifest stores the run manifest next to its snapshots.
func (s *Store) WriteManifest(runID string, m *Manifest) error {
	runDir := filepath.Join(s.dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	return writeAtomic(filepath.Join(runDir, "manifest.json"), data)
}

// ReadManifest loads a run's manifest.
func (s *Store) ReadManifest(runID string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, runID, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &m, nil
}

// Read returns the content of a snapshot by its store-relative path.
func (s *Store) Read(relPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.dir, relPath))
}

// Prune removes run directories older than maxAge and returns how many
// were deleted. Snapshots are immutable but retention is bounded.
func (s *Store) Prune(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading snapshot dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ts, err := time.Parse("20060102T150405Z", entry.Name())
		if err != nil {
			continue // not a run directory
		}
		if ts.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
				return removed, fmt.Errorf("pruning %s: %w", entry.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// writeAtomic writes to a temp file in the target directory and renames it
// into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return ".html"
	case strings.Contains(ct, "pdf"):
		return ".pdf"
	case strings.Contains(ct, "xml"), strings.Contains(ct, "rss"), strings.Contains(ct, "atom"):
		return ".xml"
	case strings.Contains(ct, "json"):
		return ".json"
	default:
		return ".bin"
	}
}
