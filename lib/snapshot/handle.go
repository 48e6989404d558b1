// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"github.com/copsehq/copse/lib/treedoc"
)

// ReadHandle exposes the document captured from a [Cell] at open
// time. Close releases the writer lock; the captured document stays
// valid afterwards.
type ReadHandle struct {
	doc      *treedoc.Document
	releaser *Releaser
}

// Tree returns the captured document. The caller must treat it as
// read-only.
func (h *ReadHandle) Tree() *treedoc.Document { return h.doc }

// Close releases the lock. Idempotent.
func (h *ReadHandle) Close() { h.releaser.Release() }

// WriteHandle exposes a private clone of the live document for
// mutation. Exactly one write handle exists at a time (serialized by
// the cell's lock). The clone becomes live only on commit; a handle
// closed without commit (and without auto-commit) leaves the live
// tree unchanged.
type WriteHandle struct {
	cell       *Cell
	releaser   *Releaser
	clone      *treedoc.Document
	autoCommit bool
	committed  bool
	closed     bool
}

// Tree returns the mutable clone.
func (h *WriteHandle) Tree() *treedoc.Document { return h.clone }

// Commit publishes the clone as the live document, exactly once per
// handle, and fires the cell's commit hooks while the lock is still
// held. registerChange is forwarded to the hooks: pass false when the
// new content must not be persisted back out (e.g. it was just read
// from the snapshot file). Later commits on the same handle are
// no-ops.
func (h *WriteHandle) Commit(registerChange bool) {
	if h.committed || h.closed {
		return
	}
	h.committed = true
	h.cell.swap(h.clone, registerChange)
}

// Close releases the lock. When the handle was opened with
// autoCommit and has not committed yet, it commits first with change
// registration enabled. Idempotent.
func (h *WriteHandle) Close() {
	if h.closed {
		return
	}
	if h.autoCommit && !h.committed {
		h.committed = true
		h.cell.swap(h.clone, true)
	}
	h.closed = true
	h.releaser.Release()
}
