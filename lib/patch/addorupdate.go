// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package patch

import (
	"fmt"

	"github.com/copsehq/copse/lib/treedoc"
)

// AddOrUpdateNode installs fragment as the node with the given
// identity, either appending it as a new child of its parent or
// patching the existing node in place. Identity children (sub-nodes)
// of an existing node are always preserved without re-importing them:
// an in-place patch never touches them, and a content-type change
// moves them onto the replacement.
//
// id, level and parentID come from the stored row and must match the
// identity baked into the fragment; a mismatch means the serializer
// and the store disagree, which is an [IntegrityError]. A missing
// target parent returns [ErrMasked]: the node cannot be placed and
// the caller skips it.
//
// The final sibling repositioning is a single-element correction by
// ascending SortOrder. It assumes the siblings are already ordered, which every load and
// patch path maintains, and fixes up only this node's position.
//
// Applying the same logical update twice is idempotent (each call
// needs its own fragment instance, since a new node is attached to
// the tree).
func AddOrUpdateNode(doc *treedoc.Document, id treedoc.ID, level int, parentID treedoc.ID, fragment *treedoc.Node) error {
	if fragment.ID() != id || fragment.ParentID() != parentID {
		return &IntegrityError{
			ID: id,
			Reason: fmt.Sprintf("fragment identity (%d, parent %d) does not match row (%d, parent %d)",
				int64(fragment.ID()), int64(fragment.ParentID()), int64(id), int64(parentID)),
		}
	}

	existing := doc.Lookup(id)
	if existing == nil && !doc.LegacySchema() {
		doc.EnsureSchemaTag(fragment.Tag)
	}

	var parent *treedoc.Node
	if level == 1 || parentID == treedoc.RootID {
		parent = doc.Root()
	} else {
		parent = doc.Lookup(parentID)
	}
	if parent == nil {
		return ErrMasked
	}

	switch {
	case existing == nil:
		// New node: append and order in.
		if err := doc.AppendChild(parent, fragment); err != nil {
			return err
		}
		return doc.Reposition(fragment)

	case existing.Tag == fragment.Tag:
		// Same content type: replace content in place, keep the node
		// object (and with it the identity children untouched).
		existing.Attributes = copyAttributes(fragment.Attributes)
		existing.Data = append([]treedoc.DataElement(nil), fragment.Data...)
		existing.SortOrder = fragment.SortOrder
		existing.Revision = fragment.Revision
		if existing.Parent() != parent {
			if err := doc.Detach(existing); err != nil {
				return &IntegrityError{ID: id, Reason: err.Error()}
			}
			if err := doc.AppendChild(parent, existing); err != nil {
				return err
			}
		}
		return doc.Reposition(existing)

	default:
		// Content type changed: the element name differs, so the
		// node object must be replaced. Adopt the existing subtree
		// first.
		doc.MoveChildren(existing, fragment)
		if existing.Parent() == parent {
			if err := doc.Replace(existing, fragment); err != nil {
				return err
			}
		} else {
			if err := doc.Detach(existing); err != nil {
				return &IntegrityError{ID: id, Reason: err.Error()}
			}
			if err := doc.AppendChild(parent, fragment); err != nil {
				return err
			}
		}
		doc.EnsureSchemaTag(fragment.Tag)
		return doc.Reposition(fragment)
	}
}

func copyAttributes(attributes map[string]string) map[string]string {
	copied := make(map[string]string, len(attributes))
	for key, value := range attributes {
		copied[key] = value
	}
	return copied
}
