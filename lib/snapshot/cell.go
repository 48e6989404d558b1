// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"sync/atomic"

	"github.com/copsehq/copse/lib/treedoc"
)

// CommitHook is called synchronously after a write handle swaps a new
// document in, while the writer lock is still held. doc is the newly
// published document; registerChange is the flag the committer passed
// (false for commits that must not trigger persistence, such as a
// reload from the snapshot file itself).
type CommitHook func(doc *treedoc.Document, registerChange bool)

// Cell is the authoritative pointer to the live content tree.
type Cell struct {
	lock    *Lock
	current atomic.Pointer[treedoc.Document]
	hooks   []CommitHook
}

// NewCell returns a cell publishing initial as the live document.
func NewCell(initial *treedoc.Document) *Cell {
	cell := &Cell{lock: NewLock()}
	cell.current.Store(initial)
	return cell
}

// AddCommitHook registers a hook fired on every commit. Hooks must be
// registered during construction, before any writer runs; there is no
// synchronization between registration and use.
func (c *Cell) AddCommitHook(hook CommitHook) {
	c.hooks = append(c.hooks, hook)
}

// Current returns the live document without taking the writer lock.
// Reading the pointer is atomic, and published documents are never
// mutated, so the result is safe to traverse for as long as the
// caller keeps it.
func (c *Cell) Current() *treedoc.Document {
	return c.current.Load()
}

// OpenRead acquires the writer lock, captures the live document, and
// returns a read handle exposing it. The lock only protects the
// handoff: after [ReadHandle.Close] the captured document remains
// valid forever.
func (c *Cell) OpenRead() *ReadHandle {
	releaser := c.lock.Acquire()
	return &ReadHandle{doc: c.current.Load(), releaser: releaser}
}

// OpenWrite acquires the writer lock, clones the live document, and
// returns a write handle exposing the clone. autoCommit controls
// what happens when the handle is closed without an explicit commit:
// true commits with default change registration, false discards the
// clone.
func (c *Cell) OpenWrite(autoCommit bool) *WriteHandle {
	releaser := c.lock.Acquire()
	return &WriteHandle{
		cell:       c,
		releaser:   releaser,
		clone:      c.current.Load().Clone(),
		autoCommit: autoCommit,
	}
}

// OpenWriteContext is OpenWrite with cancellable lock acquisition.
func (c *Cell) OpenWriteContext(ctx context.Context, autoCommit bool) (*WriteHandle, error) {
	releaser, err := c.lock.AcquireContext(ctx)
	if err != nil {
		return nil, err
	}
	return &WriteHandle{
		cell:       c,
		releaser:   releaser,
		clone:      c.current.Load().Clone(),
		autoCommit: autoCommit,
	}, nil
}

// swap publishes doc as the live document and fires the commit hooks.
// Called only by WriteHandle with the lock held.
func (c *Cell) swap(doc *treedoc.Document, registerChange bool) {
	c.current.Store(doc)
	for _, hook := range c.hooks {
		hook(doc, registerChange)
	}
}
