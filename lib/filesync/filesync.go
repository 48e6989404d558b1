// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package filesync persists the content tree to a single on-disk
// snapshot file and loads it back, so the cache can start without
// touching the database.
//
// The snapshot is canonical XML, optionally compressed, written
// atomically (temporary file, fsync, rename) and paired with a
// sidecar recording a BLAKE3 digest and the compression tag. The
// failure policy in every direction is fail-safe-by-absence: a save
// that cannot complete deletes the target, and a load that finds a
// corrupt or undecodable file deletes it and reports "no snapshot",
// letting the caller fall back to the database load path. A missing
// snapshot is never an error.
package filesync

import (
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/copsehq/copse/lib/clock"
	"github.com/copsehq/copse/lib/treedoc"
)

// staleCheckInterval bounds filesystem polling: IsStale stats the
// file at most this often and answers from cache in between.
const staleCheckInterval = time.Second

// sidecarSuffix is appended to the snapshot path to name the
// integrity sidecar.
const sidecarSuffix = ".sum"

// Config holds the parameters for a Synchronizer.
type Config struct {
	// Path is the snapshot file location. The parent directory must
	// exist.
	Path string

	// Compression selects whole-file compression. Empty means none.
	Compression Compression

	// Clock provides time for staleness rate-limiting. Nil means
	// the real clock.
	Clock clock.Clock

	// Logger receives corruption and recovery messages. Nil means
	// discard.
	Logger *slog.Logger
}

// Synchronizer saves and loads snapshot files and answers staleness
// queries. Safe for concurrent use, though in the cache all writes
// already happen under the snapshot lock.
type Synchronizer struct {
	path        string
	compression Compression
	clock       clock.Clock
	logger      *slog.Logger

	mu sync.Mutex

	// lastRead is the snapshot file's modification time as of our
	// last own read or write. Compared against fresh stat results,
	// never against the injected clock: the clock only rate-limits.
	lastRead  time.Time
	lastCheck time.Time // when IsStale last hit the filesystem
	lastStale bool      // cached IsStale answer
}

// New returns a synchronizer for the snapshot at cfg.Path.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("filesync: Path is required")
	}
	compression := cfg.Compression
	if compression == "" {
		compression = CompressionNone
	}
	if _, err := ParseCompression(string(compression)); err != nil {
		return nil, err
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Synchronizer{
		path:        cfg.Path,
		compression: compression,
		clock:       clk,
		logger:      logger,
	}, nil
}

// Path returns the snapshot file location.
func (s *Synchronizer) Path() string { return s.path }

// Save serializes doc and writes the snapshot and its sidecar
// atomically. On any failure both files are removed so no partial or
// unverifiable snapshot is ever left behind.
func (s *Synchronizer) Save(doc *treedoc.Document) error {
	data, err := treedoc.MarshalDocument(doc)
	if err != nil {
		return s.failSave(err)
	}
	compressed, err := compress(data, s.compression)
	if err != nil {
		return s.failSave(err)
	}
	if err := writeAtomic(s.path, compressed); err != nil {
		return s.failSave(err)
	}
	digest := blake3.Sum256(compressed)
	sidecar := fmt.Sprintf("blake3:%s %s\n", hex.EncodeToString(digest[:]), s.compression)
	if err := writeAtomic(s.sidecarPath(), []byte(sidecar)); err != nil {
		return s.failSave(err)
	}

	s.markRead()
	return nil
}

// markRead records the file's current modification time as our own.
func (s *Synchronizer) markRead() {
	var modTime time.Time
	if info, err := os.Stat(s.path); err == nil {
		modTime = info.ModTime()
	}
	s.mu.Lock()
	s.lastRead = modTime
	s.lastStale = false
	s.mu.Unlock()
}

// failSave removes whatever the failed save left behind and returns
// the error.
func (s *Synchronizer) failSave(err error) error {
	s.removeFiles()
	return fmt.Errorf("filesync: saving snapshot %s: %w", s.path, err)
}

// Load reads, verifies, and parses the snapshot. Returns (nil, nil)
// when there is no snapshot, including when there was one but it
// failed verification or parsing, in which case the offending files
// are deleted so the next startup does not trip over them again.
func (s *Synchronizer) Load() (*treedoc.Document, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filesync: reading snapshot %s: %w", s.path, err)
	}

	compression := CompressionNone
	if digest, tag, ok := s.readSidecar(); ok {
		actual := blake3.Sum256(raw)
		if hex.EncodeToString(actual[:]) != digest {
			s.discardCorrupt("snapshot digest mismatch")
			return nil, nil
		}
		compression = tag
	}

	data, err := decompress(raw, compression)
	if err != nil {
		s.discardCorrupt(err.Error())
		return nil, nil
	}
	doc, err := treedoc.UnmarshalDocument(data)
	if err != nil {
		s.discardCorrupt(err.Error())
		return nil, nil
	}

	s.markRead()
	return doc, nil
}

// IsStale reports whether the snapshot file has been modified since
// this synchronizer last read or wrote it, meaning an out-of-process
// writer updated it. The filesystem is consulted at most once per
// second; calls in between return the cached answer.
func (s *Synchronizer) IsStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now.Sub(s.lastCheck) < staleCheckInterval {
		return s.lastStale
	}
	s.lastCheck = now

	info, err := os.Stat(s.path)
	if err != nil {
		s.lastStale = false
		return false
	}
	s.lastStale = info.ModTime().After(s.lastRead)
	return s.lastStale
}

// Remove deletes the snapshot and its sidecar. Used when the cache is
// rebuilt from scratch and the old snapshot must not be trusted.
func (s *Synchronizer) Remove() {
	s.removeFiles()
}

func (s *Synchronizer) removeFiles() {
	os.Remove(s.path)
	os.Remove(s.sidecarPath())
}

func (s *Synchronizer) sidecarPath() string { return s.path + sidecarSuffix }

// readSidecar parses the sidecar into (hex digest, compression tag).
// A missing or malformed sidecar returns ok=false: the snapshot is
// then treated as plain uncompressed XML and parsing decides its
// fate. This tolerates out-of-process writers that produce only the
// snapshot file.
func (s *Synchronizer) readSidecar() (string, Compression, bool) {
	raw, err := os.ReadFile(s.sidecarPath())
	if err != nil {
		return "", CompressionNone, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "blake3:") {
		return "", CompressionNone, false
	}
	tag, err := ParseCompression(fields[1])
	if err != nil {
		return "", CompressionNone, false
	}
	return strings.TrimPrefix(fields[0], "blake3:"), tag, true
}

// discardCorrupt logs and deletes an unusable snapshot.
func (s *Synchronizer) discardCorrupt(reason string) {
	s.logger.Warn("discarding corrupt snapshot",
		"path", s.path,
		"reason", reason,
	)
	s.removeFiles()
}

// writeAtomic writes data to path via a temporary file in the same
// directory, fsyncing before the rename so a crash cannot leave a
// partial file, then syncing the parent directory so the rename
// itself is durable.
func writeAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", temporaryPath, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing %s: %w", temporaryPath, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing %s: %w", temporaryPath, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", temporaryPath, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", temporaryPath, err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
