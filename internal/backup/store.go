// Package backup implements the device backup engine: vendor artifacts
// streamed from agents into an on-disk store, run metadata in the database,
// per-device single-flight, and retention sweeps.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// timestampLayout names artifacts by their start instant, ISO 8601 basic
// form: safe on every filesystem and sortable as text.
const timestampLayout = "20060102T150405Z"

// Store lays out backup artifacts under a single root:
//
//	<root>/<customer_code>/<device_name>/<timestamp>.<ext>
//
// Writes go to a .partial file first and are renamed into place on commit,
// so a crash never leaves a truncated artifact under a final name. Each
// committed artifact gets a .sha256 sidecar.
type Store struct {
	root string
	log  *zap.Logger
}

// NewStore verifies the root exists (creating it if needed) and returns the
// store.
func NewStore(root string, log *zap.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("backup: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("backup: create root: %w", err)
	}
	return &Store{root: abs, log: log.Named("backupstore")}, nil
}

// Root returns the absolute backup root.
func (s *Store) Root() string { return s.root }

// Create opens a writer for one artifact. The final name is derived from
// the run's start time and the artifact extension; the bytes accumulate in
// a .partial file until Commit.
func (s *Store) Create(customerCode, deviceName, ext string, startedAt time.Time) (*ArtifactWriter, error) {
	dir := filepath.Join(s.root, sanitize(customerCode), sanitize(deviceName))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup: create artifact dir: %w", err)
	}
	name := startedAt.UTC().Format(timestampLayout) + "." + strings.TrimPrefix(ext, ".")
	final := filepath.Join(dir, name)
	partial := final + ".partial"

	// A previous crashed or retried run may have left a partial behind.
	_ = os.Remove(partial)

	f, err := os.OpenFile(partial, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("backup: open partial: %w", err)
	}
	return &ArtifactWriter{
		f:       f,
		final:   final,
		partial: partial,
		hash:    sha256.New(),
	}, nil
}

// Open returns a reader for a committed artifact. The path must point
// inside the store root; anything else is refused.
func (s *Store) Open(path string) (*os.File, error) {
	if !s.contains(path) {
		return nil, fmt.Errorf("backup: path escapes store root")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("backup: open artifact: %w", err)
	}
	return f, nil
}

// Remove unlinks a committed artifact and its checksum sidecar. A missing
// file is not an error; the sweep may race a manual cleanup.
func (s *Store) Remove(path string) error {
	if !s.contains(path) {
		return fmt.Errorf("backup: path escapes store root")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup: remove artifact: %w", err)
	}
	if err := os.Remove(path + ".sha256"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("backup: remove checksum sidecar: %w", err)
	}
	return nil
}

// CleanPartials removes every .partial file under the root. Run at startup:
// any partial present then belongs to a run that died with the process.
func (s *Store) CleanPartials() (int, error) {
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".partial") {
			return nil
		}
		if rmErr := os.Remove(path); rmErr != nil {
			s.log.Warn("removing stale partial failed", zap.String("path", path), zap.Error(rmErr))
			return nil
		}
		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("backup: sweep partials: %w", err)
	}
	if removed > 0 {
		s.log.Info("removed stale partial artifacts", zap.Int("count", removed))
	}
	return removed, nil
}

// contains reports whether path resolves inside the store root.
func (s *Store) contains(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// sanitize makes a string safe as a single path element. Path separators
// and control characters collapse to '-'; empty input becomes "unknown".
func sanitize(name string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '_' || r == '-':
			return r
		default:
			return '-'
		}
	}, name)
	mapped = strings.Trim(mapped, "-.")
	if mapped == "" {
		return "unknown"
	}
	return mapped
}

// ArtifactWriter accumulates one artifact. Exactly one of Commit or Abort
// must be called; both are safe to call after the other as no-ops.
type ArtifactWriter struct {
	f       *os.File
	final   string
	partial string
	hash    hash.Hash
	size    int64
	done    bool
}

// Write appends artifact bytes, feeding the running checksum.
func (w *ArtifactWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.size += int64(n)
	if n > 0 {
		w.hash.Write(p[:n])
	}
	if err != nil {
		return n, fmt.Errorf("backup: write artifact: %w", err)
	}
	return n, nil
}

// Size returns the bytes written so far.
func (w *ArtifactWriter) Size() int64 { return w.size }

// Path returns the final path the artifact will commit to.
func (w *ArtifactWriter) Path() string { return w.final }

// Commit fsyncs, renames the partial into place, and writes the checksum
// sidecar. Returns the final path, size, and hex SHA-256.
func (w *ArtifactWriter) Commit() (string, int64, string, error) {
	if w.done {
		return w.final, w.size, "", fmt.Errorf("backup: artifact already finalized")
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		w.f.Close()
		os.Remove(w.partial)
		return "", 0, "", fmt.Errorf("backup: sync artifact: %w", err)
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.partial)
		return "", 0, "", fmt.Errorf("backup: close artifact: %w", err)
	}
	if err := os.Rename(w.partial, w.final); err != nil {
		os.Remove(w.partial)
		return "", 0, "", fmt.Errorf("backup: commit artifact: %w", err)
	}

	sum := hex.EncodeToString(w.hash.Sum(nil))
	sidecar := sum + "  " + filepath.Base(w.final) + "\n"
	if err := os.WriteFile(w.final+".sha256", []byte(sidecar), 0o600); err != nil {
		return "", 0, "", fmt.Errorf("backup: write checksum sidecar: %w", err)
	}
	return w.final, w.size, sum, nil
}

// Abort discards the partial file.
func (w *ArtifactWriter) Abort() {
	if w.done {
		return
	}
	w.done = true
	w.f.Close()
	os.Remove(w.partial)
}

// Sum returns the hex SHA-256 of the bytes written so far.
func (w *ArtifactWriter) Sum() string {
	return hex.EncodeToString(w.hash.Sum(nil))
}
