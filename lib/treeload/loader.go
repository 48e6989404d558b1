// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package treeload bulk-builds content trees from ordered row
// streams: a full document from the entire store, or a single branch
// streamed node by node for incremental patching.
package treeload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/copsehq/copse/lib/rowsource"
	"github.com/copsehq/copse/lib/treedoc"
)

// ErrBranchMissing reports that a branch load found no published row
// for the requested root id.
var ErrBranchMissing = errors.New("treeload: branch root not in store")

// RowSource is the slice of the row source the loader needs. Streams
// must deliver rows ordered by (level, sortOrder) ascending.
type RowSource interface {
	All(ctx context.Context, fn func(rowsource.Row) error) error
	Branch(ctx context.Context, path string, fn func(rowsource.Row) error) error
	Lookup(ctx context.Context, id treedoc.ID) (rowsource.Row, bool, error)
}

// Loader builds documents from a row source.
type Loader struct {
	source RowSource
	logger *slog.Logger
}

// New returns a loader. logger may be nil.
func New(source RowSource, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loader{source: source, logger: logger}
}

// LoadFull builds a complete document in a single ordered pass. The
// (level, sortOrder) stream ordering means every parent is attached
// before its children arrive, so appending in stream order both links
// the tree and yields correct sibling order without sorting.
//
// A row whose parent is not in the document when the row arrives is
// dropped with a warning, not queued: it belongs to a masked subtree
// (its ancestor was skipped, or the store is mid-move). A later full
// reload picks it up.
func (l *Loader) LoadFull(ctx context.Context) (*treedoc.Document, error) {
	doc := treedoc.New()
	skipped := 0
	err := l.source.All(ctx, func(row rowsource.Row) error {
		node, err := row.Node()
		if err != nil {
			return err
		}
		parent := doc.Lookup(row.ParentID)
		if parent == nil {
			l.logger.Warn("dropping masked row during full load",
				"id", int64(row.ID),
				"parent_id", int64(row.ParentID),
				"path", row.Path,
			)
			skipped++
			return nil
		}
		if err := doc.AppendChild(parent, node); err != nil {
			return fmt.Errorf("treeload: attaching node %d: %w", row.ID, err)
		}
		doc.EnsureSchemaTag(node.Tag)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("treeload: full load: %w", err)
	}
	if skipped > 0 {
		l.logger.Warn("full load dropped masked rows", "count", skipped)
	}
	return doc, nil
}

// LoadBranch streams the subtree rooted at rootID in row order,
// calling fn with each row's parsed fragment. The first call carries
// the branch root itself. Returns [ErrBranchMissing] when rootID has
// no published row. fn returning [rowsource.ErrStop] ends the stream
// cleanly.
func (l *Loader) LoadBranch(ctx context.Context, rootID treedoc.ID, fn func(node *treedoc.Node, row rowsource.Row) error) error {
	root, found, err := l.source.Lookup(ctx, rootID)
	if err != nil {
		return fmt.Errorf("treeload: branch %d: %w", rootID, err)
	}
	if !found || !root.Published || root.Trashed {
		return ErrBranchMissing
	}
	err = l.source.Branch(ctx, root.Path, func(row rowsource.Row) error {
		node, err := row.Node()
		if err != nil {
			return err
		}
		return fn(node, row)
	})
	if err != nil {
		return fmt.Errorf("treeload: branch %d: %w", rootID, err)
	}
	return nil
}
