// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package patch applies batches of change descriptors to a cloned
// content tree: subtree removal, branch refresh from the row source
// with sibling-order preservation, and in-place content patching.
//
// The patcher mutates the clone it is given; publication of the
// result (or discarding it after a fatal error) is the caller's
// responsibility via the snapshot write handle.
package patch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/copsehq/copse/lib/rowsource"
	"github.com/copsehq/copse/lib/treedoc"
	"github.com/copsehq/copse/lib/treeload"
)

// StateSource is the slice of the row source the patcher consults
// directly: current publication state, and single-row lookup for
// targeted refreshes.
type StateSource interface {
	State(ctx context.Context, id treedoc.ID) (rowsource.State, error)
	Lookup(ctx context.Context, id treedoc.ID) (rowsource.Row, bool, error)
}

// Patcher applies change batches to cloned documents. Stateless
// between calls; safe for use from the single writer goroutine.
type Patcher struct {
	loader *treeload.Loader
	source StateSource
	logger *slog.Logger

	// OnMasked, if set, is called once for every row skipped because
	// its parent is not in the tree. Set before first use.
	OnMasked func()
}

// New returns a patcher. logger may be nil.
func New(loader *treeload.Loader, source StateSource, logger *slog.Logger) *Patcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Patcher{loader: loader, source: source, logger: logger}
}

// Apply runs every descriptor in the batch against doc, in order, and
// reports whether anything changed. The caller commits the clone only
// on change.
//
// Masked descriptors (target parent not in the tree) are skipped and
// the batch continues. An [IntegrityError] or row-source failure
// aborts the batch immediately; the partially patched clone must then
// be discarded, never committed.
func (p *Patcher) Apply(ctx context.Context, doc *treedoc.Document, batch []Descriptor) (bool, error) {
	changed := false
	for _, descriptor := range batch {
		applied, err := p.applyOne(ctx, doc, descriptor)
		if err != nil {
			return false, fmt.Errorf("patch: applying %s for node %d: %w",
				descriptor.Kind, int64(descriptor.ID), err)
		}
		changed = changed || applied
	}
	return changed, nil
}

func (p *Patcher) masked() {
	if p.OnMasked != nil {
		p.OnMasked()
	}
}

func (p *Patcher) applyOne(ctx context.Context, doc *treedoc.Document, descriptor Descriptor) (bool, error) {
	switch descriptor.Kind {
	case RefreshAll:
		fresh, err := p.loader.LoadFull(ctx)
		if err != nil {
			return false, err
		}
		doc.ReplaceContents(fresh)
		return true, nil
	case Remove:
		return p.remove(doc, descriptor.ID)
	case RefreshNode, RefreshBranch:
		return p.refresh(ctx, doc, descriptor)
	default:
		return false, fmt.Errorf("patch: unknown change kind %d", uint8(descriptor.Kind))
	}
}

// remove detaches the node's subtree. A missing node is a no-op (it
// may never have been published); a present node without a parent
// pointer means the index and the tree disagree, which is fatal.
func (p *Patcher) remove(doc *treedoc.Document, id treedoc.ID) (bool, error) {
	node := doc.Lookup(id)
	if node == nil {
		return false, nil
	}
	if node.Parent() == nil {
		return false, &IntegrityError{ID: id, Reason: "removal target has no parent pointer"}
	}
	if err := doc.Detach(node); err != nil {
		return false, &IntegrityError{ID: id, Reason: err.Error()}
	}
	return true, nil
}

// refresh handles RefreshNode and RefreshBranch. It consults the
// store's current state first: an unpublished or trashed item is
// removed from the tree. Otherwise the branch stream decides between
// a structural branch refresh (new node, changed revision, changed
// path, or an explicit RefreshBranch) and an in-place patch.
func (p *Patcher) refresh(ctx context.Context, doc *treedoc.Document, descriptor Descriptor) (bool, error) {
	state, err := p.source.State(ctx, descriptor.ID)
	if err != nil {
		return false, err
	}
	if !state.Exists || !state.Published || state.Trashed {
		return p.remove(doc, descriptor.ID)
	}

	changed := false
	first := true
	err = p.loader.LoadBranch(ctx, descriptor.ID, func(node *treedoc.Node, row rowsource.Row) error {
		if first {
			first = false
			return p.refreshRoot(doc, descriptor, node, row, &changed)
		}
		return p.attachDescendant(doc, node, row, &changed)
	})
	if errors.Is(err, treeload.ErrBranchMissing) {
		// The item was deleted between the state check and the
		// branch query. Treat it like the unpublished case.
		return p.remove(doc, descriptor.ID)
	}
	if err != nil {
		return false, err
	}
	return changed, nil
}

// refreshRoot processes the first row of a branch stream: the
// descriptor's own node. Returning rowsource.ErrStop abandons the
// rest of the stream without error (in-place patch, or masked skip).
func (p *Patcher) refreshRoot(doc *treedoc.Document, descriptor Descriptor, node *treedoc.Node, row rowsource.Row, changed *bool) error {
	if node.ID() != descriptor.ID {
		return &IntegrityError{
			ID:     descriptor.ID,
			Reason: fmt.Sprintf("branch stream started at node %d", int64(node.ID())),
		}
	}

	existing := doc.Lookup(descriptor.ID)
	dirty := existing == nil || existing.Revision != row.Revision
	moved := existing != nil && existing.Path() != row.Path
	if !dirty && !moved && descriptor.Kind != RefreshBranch {
		// Same revision and same path: the stored fragment is
		// identical to what the tree already holds. Run the in-place
		// update for attribute-level repair; it cannot produce an
		// observable change, so the batch does not count it as one.
		err := AddOrUpdateNode(doc, row.ID, row.Level, row.ParentID, node)
		if errors.Is(err, ErrMasked) {
			p.masked()
		} else if err != nil {
			return err
		}
		return rowsource.ErrStop
	}

	// Branch refresh: detach the stale node, re-attach the fresh one
	// under its (possibly new) parent, then take the streamed
	// descendants.
	if existing != nil {
		if err := doc.Detach(existing); err != nil {
			return &IntegrityError{ID: descriptor.ID, Reason: err.Error()}
		}
		*changed = true
	}
	parent := doc.Lookup(row.ParentID)
	if parent == nil {
		p.logger.Warn("skipping masked branch refresh",
			"id", int64(row.ID),
			"parent_id", int64(row.ParentID),
		)
		p.masked()
		return rowsource.ErrStop
	}
	if err := doc.AppendChild(parent, node); err != nil {
		return err
	}
	if err := doc.Reposition(node); err != nil {
		return err
	}
	doc.EnsureSchemaTag(node.Tag)
	*changed = true
	return nil
}

// attachDescendant attaches one streamed descendant row under its
// parent by id. Rows arrive in (level, sortOrder) order, so parents
// attached by earlier calls are already in place. A row whose parent
// is missing (skipped earlier in this same stream) is masked and
// dropped.
func (p *Patcher) attachDescendant(doc *treedoc.Document, node *treedoc.Node, row rowsource.Row, changed *bool) error {
	parent := doc.Lookup(row.ParentID)
	if parent == nil {
		p.logger.Warn("skipping masked branch descendant",
			"id", int64(row.ID),
			"parent_id", int64(row.ParentID),
		)
		p.masked()
		return nil
	}
	if existing := doc.Lookup(row.ID); existing != nil {
		// The branch moved over one of its own former positions; the
		// stale copy must not survive alongside the fresh one.
		if err := doc.Detach(existing); err != nil {
			return &IntegrityError{ID: row.ID, Reason: err.Error()}
		}
	}
	if err := doc.AppendChild(parent, node); err != nil {
		return err
	}
	if err := doc.Reposition(node); err != nil {
		return err
	}
	doc.EnsureSchemaTag(node.Tag)
	*changed = true
	return nil
}
