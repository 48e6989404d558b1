// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot provides the publication point for the live
// content tree: a [Cell] holding the current [treedoc.Document]
// behind an atomic pointer, guarded for writers by a single [Lock].
//
// Readers never take the lock. They either load the pointer directly
// ([Cell.Current]) or open a [ReadHandle], which captures the pointer
// under the lock so the capture cannot interleave with a swap in
// progress. Either way the captured document is safe to use
// indefinitely: published documents are never mutated again.
//
// Writers open a [WriteHandle], which acquires the lock, clones the
// live document, and exposes the clone for mutation. Committing swaps
// the clone in atomically and fires the cell's commit hooks; closing
// without committing discards the clone and leaves the live tree
// untouched. At most one write handle exists at a time, so commits
// land in lock-acquisition order.
package snapshot
