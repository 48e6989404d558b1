// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/copsehq/copse/lib/rowsource"
	"github.com/copsehq/copse/lib/treedoc"
)

// seedDatabase creates the content database at path with a small tree.
func seedDatabase(t *testing.T, path string) {
	t.Helper()
	source, err := rowsource.Open(rowsource.Config{Path: path, PoolSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer source.Close()

	fragment := func(id, parentID treedoc.ID, level, sortOrder int, tag string) []byte {
		return fmt.Appendf(nil, `<%s id="%d" parentID="%d" level="%d" sortOrder="%d" revision="1"><title>t</title></%s>`,
			tag, id, parentID, level, sortOrder, tag)
	}
	rows := []rowsource.Row{
		{ID: 1000, ParentID: -1, Level: 1, SortOrder: 1, Path: "-1,1000",
			Revision: 1, Published: true, Fragment: fragment(1000, -1, 1, 1, "page")},
		{ID: 1001, ParentID: 1000, Level: 2, SortOrder: 1, Path: "-1,1000,1001",
			Revision: 1, Published: true, Fragment: fragment(1001, 1000, 2, 1, "article")},
	}
	if err := source.Put(context.Background(), rows...); err != nil {
		t.Fatal(err)
	}
}

// runWithArgs invokes run with the given command line, restoring the
// real os.Args afterwards.
func runWithArgs(t *testing.T, args ...string) error {
	t.Helper()
	saved := os.Args
	t.Cleanup(func() { os.Args = saved })
	os.Args = append([]string{"copse-snapshot"}, args...)
	return run()
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "copse.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// A config that leaves snapshot.compression unset must work for every
// action; the omitted value means no compression.
func TestSeedAndVerifyWithDefaultCompression(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "content.db")
	seedDatabase(t, dbPath)

	configPath := writeConfig(t, dir, fmt.Sprintf(
		"database:\n  path: %s\nsnapshot:\n  enabled: true\n  path: %s\n",
		dbPath, filepath.Join(dir, "content.xml"),
	))

	if err := runWithArgs(t, "--config", configPath, "seed"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := runWithArgs(t, "--config", configPath, "verify"); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyMissingSnapshot(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, fmt.Sprintf(
		"database:\n  path: %s\nsnapshot:\n  enabled: true\n  path: %s\n  compression: zstd\n",
		filepath.Join(dir, "content.db"), filepath.Join(dir, "content.xml"),
	))

	if err := runWithArgs(t, "--config", configPath, "verify"); err == nil {
		t.Fatal("verify of a missing snapshot succeeded")
	}
}

func TestUnknownAction(t *testing.T) {
	dir := t.TempDir()
	configPath := writeConfig(t, dir, fmt.Sprintf(
		"database:\n  path: %s\nsnapshot:\n  path: %s\n",
		filepath.Join(dir, "content.db"), filepath.Join(dir, "content.xml"),
	))

	if err := runWithArgs(t, "--config", configPath, "prune"); err == nil {
		t.Fatal("unknown action accepted")
	}
}
