// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"errors"
	"fmt"

	"github.com/copsehq/copse/lib/treedoc"
)

// Kind classifies a change descriptor.
type Kind uint8

const (
	// RefreshAll invalidates the whole tree: the clone's contents
	// are discarded and rebuilt from the row source.
	RefreshAll Kind = iota

	// Remove deletes the node's subtree from the tree.
	Remove

	// RefreshNode reloads a single node from the row source,
	// patching it in place when only its content changed.
	RefreshNode

	// RefreshBranch reloads the node and all its descendants from
	// the row source unconditionally.
	RefreshBranch
)

// String returns the kind's name for logs.
func (k Kind) String() string {
	switch k {
	case RefreshAll:
		return "refresh-all"
	case Remove:
		return "remove"
	case RefreshNode:
		return "refresh-node"
	case RefreshBranch:
		return "refresh-branch"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Descriptor is one change notification: which node, and how to
// refresh it. Batches of descriptors arrive from the notification
// transport and are applied to a single write clone.
type Descriptor struct {
	ID   treedoc.ID `cbor:"id"`
	Kind Kind       `cbor:"kind"`
}

// ErrMasked reports that a node could not be placed because its
// target parent is not present in the tree. Masked nodes are a
// tolerated transient inconsistency: the item is skipped and a later
// full reload heals it.
var ErrMasked = errors.New("patch: target parent not present (masked)")

// IntegrityError reports a violated internal invariant: mismatched
// fragment identity, a removal target with no parent pointer, a
// branch stream starting at the wrong node. Integrity errors are
// fatal to the whole batch; the clone is discarded and the live tree
// stays at its last consistent state. They are never silently
// corrected.
type IntegrityError struct {
	ID     treedoc.ID
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("patch: integrity violation on node %d: %s", int64(e.ID), e.Reason)
}
