// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the cache and its
// tooling. Configuration is a single YAML file at an explicit path,
// with no discovery or fallback locations, so a deployment's behavior
// is always auditable from one document.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/copsehq/copse/lib/filesync"
)

// ErrSyncConflict reports that continuous disk sync and disk-change
// polling are both enabled. The two are mutually exclusive: a process
// that rewrites the snapshot on every commit would see its own writes
// as foreign changes and reload in a loop.
var ErrSyncConflict = errors.New("config: continuous_sync and poll_for_changes are mutually exclusive")

// Config is the full configuration document.
type Config struct {
	// Database configures the relational content store.
	Database DatabaseConfig `yaml:"database"`

	// Snapshot configures the on-disk snapshot file.
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// DatabaseConfig configures the SQLite content store.
type DatabaseConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. 0 uses the default.
	PoolSize int `yaml:"pool_size"`
}

// SnapshotConfig configures snapshot persistence.
type SnapshotConfig struct {
	// Enabled turns the snapshot file on. When false the cache
	// always cold-starts from the database.
	Enabled bool `yaml:"enabled"`

	// Path is the snapshot file location.
	Path string `yaml:"path"`

	// Compression is "none", "lz4" or "zstd". Empty means none.
	Compression string `yaml:"compression"`

	// ContinuousSync writes the snapshot after every committed
	// change (synchronously, or via the background flusher when
	// FlushInterval is set). Without it the snapshot is written only
	// at startup and on demand.
	ContinuousSync bool `yaml:"continuous_sync"`

	// PollForChanges watches the snapshot file for out-of-process
	// writers and reloads the tree from it when it changes. Mutually
	// exclusive with ContinuousSync.
	PollForChanges bool `yaml:"poll_for_changes"`

	// PollInterval is how often PollForChanges looks. 0 means a
	// 1 second default.
	PollInterval time.Duration `yaml:"poll_interval"`

	// FlushInterval defers ContinuousSync writes to a background
	// flusher running at this period. 0 writes synchronously on
	// every commit.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. Called by Load; exposed
// for configurations assembled in code.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("config: database.path is required")
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		return fmt.Errorf("config: snapshot.path is required when snapshot.enabled")
	}
	if c.Snapshot.ContinuousSync && c.Snapshot.PollForChanges {
		return ErrSyncConflict
	}
	if _, err := filesync.ParseCompression(c.Snapshot.Compression); err != nil {
		return fmt.Errorf("config: snapshot.compression: %w", err)
	}
	return nil
}
