// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// copse-snapshot is a maintenance tool for snapshot files. It can
// seed a snapshot from the content database, verify an existing file
// against its digest sidecar, and dump a file's tree as XML for
// inspection.
//
// Usage:
//
//	copse-snapshot --config copse.yaml seed
//	copse-snapshot --config copse.yaml verify
//	copse-snapshot --config copse.yaml dump
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"github.com/copsehq/copse/lib/config"
	"github.com/copsehq/copse/lib/filesync"
	"github.com/copsehq/copse/lib/rowsource"
	"github.com/copsehq/copse/lib/treedoc"
	"github.com/copsehq/copse/lib/treeload"
	"github.com/copsehq/copse/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "copse-snapshot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Handle --version before anything else.
	for _, argument := range os.Args[1:] {
		if argument == "--version" {
			fmt.Printf("copse-snapshot %s\n", version.Info())
			return nil
		}
	}

	var configPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("copse-snapshot", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "copse.yaml", "path to the configuration file")
	flagSet.BoolVar(&verbose, "verbose", false, "enable debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		return fmt.Errorf("usage: copse-snapshot --config <file> <seed|verify|dump>")
	}
	action := flagSet.Arg(0)

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Snapshot.Path == "" {
		return fmt.Errorf("config %s: snapshot.path is not set", configPath)
	}

	compression, err := filesync.ParseCompression(cfg.Snapshot.Compression)
	if err != nil {
		return err
	}
	files, err := filesync.New(filesync.Config{
		Path:        cfg.Snapshot.Path,
		Compression: compression,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	switch action {
	case "seed":
		return seed(context.Background(), cfg, files, logger)
	case "verify":
		return verify(files)
	case "dump":
		return dump(files)
	default:
		return fmt.Errorf("unknown action %q (want seed, verify, or dump)", action)
	}
}

// seed loads the full tree from the database and writes it to the
// snapshot file, replacing whatever is there.
func seed(ctx context.Context, cfg *config.Config, files *filesync.Synchronizer, logger *slog.Logger) error {
	source, err := rowsource.Open(rowsource.Config{
		Path:     cfg.Database.Path,
		PoolSize: cfg.Database.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer source.Close()

	doc, err := treeload.New(source, logger).LoadFull(ctx)
	if err != nil {
		return err
	}
	if err := files.Save(doc); err != nil {
		return err
	}
	logger.Info("snapshot seeded", "path", files.Path(), "nodes", doc.Len())
	return nil
}

// verify loads the snapshot file, which checks the digest sidecar and
// parses the tree. A missing file is an error here, unlike at cache
// startup where it just means a cold start.
func verify(files *filesync.Synchronizer) error {
	doc, err := files.Load()
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("snapshot %s: missing or corrupt", files.Path())
	}
	fmt.Printf("ok: %s (%d nodes)\n", files.Path(), doc.Len())
	return nil
}

// dump writes the snapshot tree as XML to stdout.
func dump(files *filesync.Synchronizer) error {
	doc, err := files.Load()
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("snapshot %s: missing or corrupt", files.Path())
	}
	data, err := treedoc.MarshalDocument(doc)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(data)
	return err
}
