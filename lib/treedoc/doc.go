// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package treedoc implements the in-memory content tree: an ordered
// tree of identity-keyed nodes with attribute maps and data children,
// rooted at a single synthetic root node.
//
// A [Document] maintains an explicit id → node index alongside the
// tree structure, so identity lookup never requires traversal. All
// structural mutation (append, insert, detach, replace) goes through
// Document methods, which keep the index and every node's level and
// ancestor path consistent with its position.
//
// Documents are not safe for concurrent mutation. The intended
// discipline is copy-on-write: a published document is never mutated
// again; writers call [Document.Clone] and mutate the private clone
// before publishing it. Under that discipline, any number of readers
// may traverse a published document concurrently without locking.
package treedoc
