// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package treedoc

import (
	"fmt"
	"sort"
	"strconv"
)

// Document is an ordered tree of identity-keyed nodes with a single
// synthetic root (id = [RootID]). It maintains an id → node index and
// a registry of declared content-type tags (the schema, the in-memory
// equivalent of the snapshot file's doctype).
//
// Not safe for concurrent mutation. See the package documentation for
// the copy-on-write discipline.
type Document struct {
	root   *Node
	nodes  map[ID]*Node
	schema map[string]bool
	legacy bool
}

// New returns an empty document containing only the synthetic root.
func New() *Document {
	root := &Node{
		id:   RootID,
		path: strconv.FormatInt(int64(RootID), 10),
		Tag:  "root",
	}
	return &Document{
		root:   root,
		nodes:  map[ID]*Node{RootID: root},
		schema: make(map[string]bool),
	}
}

// Root returns the synthetic root node.
func (d *Document) Root() *Node { return d.root }

// Lookup returns the node with the given id, or nil. Lookup is a map
// access, independent of tree depth.
func (d *Document) Lookup(id ID) *Node { return d.nodes[id] }

// Len returns the number of content nodes, excluding the root.
func (d *Document) Len() int { return len(d.nodes) - 1 }

// IDs returns the ids of all content nodes in ascending order. Used
// by tests and by the snapshot inspection tool.
func (d *Document) IDs() []ID {
	ids := make([]ID, 0, len(d.nodes)-1)
	for id := range d.nodes {
		if id != RootID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// UseLegacySchema marks the document as using the legacy generic
// schema, in which nodes do not declare per-type element names and no
// schema registry is maintained.
func (d *Document) UseLegacySchema() { d.legacy = true }

// LegacySchema reports whether the document uses the legacy schema.
func (d *Document) LegacySchema() bool { return d.legacy }

// EnsureSchemaTag records tag as a declared content-type element.
// Idempotent. No-op on legacy-schema documents.
func (d *Document) EnsureSchemaTag(tag string) {
	if d.legacy || tag == "" {
		return
	}
	d.schema[tag] = true
}

// HasSchemaTag reports whether tag is declared in the schema.
func (d *Document) HasSchemaTag(tag string) bool { return d.schema[tag] }

// SchemaTags returns the declared content-type tags in sorted order.
func (d *Document) SchemaTags() []string {
	tags := make([]string, 0, len(d.schema))
	for tag := range d.schema {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// AppendChild attaches a detached node (and its subtree) as the last
// identity child of parent. The subtree's ids are registered in the
// index and every attached node's level, path and parentID are
// recomputed from its new position.
//
// Fails if parent does not belong to this document, if node is
// already attached, or if any id in the subtree is already present.
func (d *Document) AppendChild(parent, node *Node) error {
	return d.insertChild(parent, node, -1)
}

// InsertChildAt is AppendChild at a specific position in parent's
// child list. index may be 0..len(children); values out of range are
// clamped to an append.
func (d *Document) InsertChildAt(parent, node *Node, index int) error {
	if index < 0 || index > len(parent.children) {
		index = -1
	}
	return d.insertChild(parent, node, index)
}

func (d *Document) insertChild(parent, node *Node, index int) error {
	if parent == nil || node == nil {
		return fmt.Errorf("treedoc: nil node in insert")
	}
	if d.nodes[parent.id] != parent {
		return fmt.Errorf("treedoc: parent %d does not belong to this document", parent.id)
	}
	if node.parent != nil {
		return fmt.Errorf("treedoc: node %d is already attached", node.id)
	}
	if err := d.checkSubtreeIDs(node); err != nil {
		return err
	}

	node.parent = parent
	if index < 0 {
		parent.children = append(parent.children, node)
	} else {
		parent.children = append(parent.children, nil)
		copy(parent.children[index+1:], parent.children[index:])
		parent.children[index] = node
	}
	d.registerSubtree(node)
	return nil
}

// checkSubtreeIDs verifies that no id in node's subtree collides with
// an id already in the document. Iterative walk; content trees can be
// deep enough that recursion depth matters.
func (d *Document) checkSubtreeIDs(node *Node) error {
	stack := []*Node{node}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if existing, ok := d.nodes[current.id]; ok && existing != current {
			return fmt.Errorf("treedoc: id %d already present in document", current.id)
		}
		stack = append(stack, current.children...)
	}
	return nil
}

// registerSubtree indexes node's subtree and recomputes level, path
// and parentID for every node in it from their attached positions.
func (d *Document) registerSubtree(node *Node) {
	stack := []*Node{node}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parent := current.parent
		current.parentID = parent.id
		current.level = parent.level + 1
		current.path = parent.path + "," + strconv.FormatInt(int64(current.id), 10)
		d.nodes[current.id] = current
		stack = append(stack, current.children...)
	}
}

// Detach removes node (and its subtree) from its parent, unregisters
// the subtree's ids, and returns with the node detached but otherwise
// intact, suitable for re-attachment elsewhere.
//
// Detaching the root or a node with no parent pointer is an error:
// every indexed non-root node must have a parent, so a missing one
// means the document is corrupt.
func (d *Document) Detach(node *Node) error {
	if node == nil {
		return fmt.Errorf("treedoc: detach of nil node")
	}
	if node == d.root {
		return fmt.Errorf("treedoc: cannot detach the root")
	}
	if node.parent == nil {
		return fmt.Errorf("treedoc: node %d has no parent pointer", node.id)
	}
	parent := node.parent
	index := parent.childIndex(node)
	if index < 0 {
		return fmt.Errorf("treedoc: node %d missing from parent %d child list", node.id, parent.id)
	}
	parent.children = append(parent.children[:index], parent.children[index+1:]...)
	node.parent = nil
	node.parentID = parent.id
	d.unregisterSubtree(node)
	return nil
}

func (d *Document) unregisterSubtree(node *Node) {
	stack := []*Node{node}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		delete(d.nodes, current.id)
		stack = append(stack, current.children...)
	}
}

// Replace swaps replacement into existing's exact position under the
// same parent. existing's subtree is unregistered; replacement's
// subtree (which may contain nodes moved over from existing) is
// registered and repositioned. existing is left detached and childless
// of index entries.
func (d *Document) Replace(existing, replacement *Node) error {
	if existing == nil || replacement == nil {
		return fmt.Errorf("treedoc: nil node in replace")
	}
	if existing.parent == nil {
		return fmt.Errorf("treedoc: node %d has no parent pointer", existing.id)
	}
	if replacement.parent != nil {
		return fmt.Errorf("treedoc: replacement %d is already attached", replacement.id)
	}
	parent := existing.parent
	index := parent.childIndex(existing)
	if index < 0 {
		return fmt.Errorf("treedoc: node %d missing from parent %d child list", existing.id, parent.id)
	}
	d.unregisterSubtree(existing)
	existing.parent = nil

	parent.children[index] = replacement
	replacement.parent = parent
	if err := d.checkSubtreeIDs(replacement); err != nil {
		// Roll back to the prior child so the document stays usable.
		parent.children[index] = existing
		existing.parent = parent
		replacement.parent = nil
		d.registerSubtree(existing)
		return err
	}
	d.registerSubtree(replacement)
	return nil
}

// MoveChildren transfers every identity child of from onto to,
// preserving order, appending after any children to already has. Both
// nodes may be attached or detached; index entries and position
// fields are refreshed when the destination is attached. Used when a
// node's content type changes: the new fragment adopts the existing
// node's subtree without reloading it.
func (d *Document) MoveChildren(from, to *Node) {
	if len(from.children) == 0 {
		return
	}
	moved := from.children
	from.children = nil
	for _, child := range moved {
		child.parent = to
	}
	to.children = append(to.children, moved...)
	if d.nodes[to.id] == to {
		for _, child := range moved {
			d.registerSubtree(child)
		}
	}
}

// Reposition moves node within its parent's child list to the
// position dictated by ascending SortOrder. This is a single-element
// correction: it assumes the siblings are already ordered and only
// this node may be out of place. The node keeps its position relative
// to equal SortOrder values (inserted after them).
func (d *Document) Reposition(node *Node) error {
	if node == nil || node.parent == nil {
		return fmt.Errorf("treedoc: reposition of detached node")
	}
	parent := node.parent
	index := parent.childIndex(node)
	if index < 0 {
		return fmt.Errorf("treedoc: node %d missing from parent %d child list", node.id, parent.id)
	}
	parent.children = append(parent.children[:index], parent.children[index+1:]...)

	target := len(parent.children)
	for i, sibling := range parent.children {
		if sibling.SortOrder > node.SortOrder {
			target = i
			break
		}
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[target+1:], parent.children[target:])
	parent.children[target] = node
	return nil
}

// Clone returns a deep copy of the document: a fully rebuilt tree,
// index and schema registry sharing no mutable state with the
// original. Cloning is what lets writers mutate freely while readers
// keep traversing the original.
func (d *Document) Clone() *Document {
	copied := &Document{
		nodes:  make(map[ID]*Node, len(d.nodes)),
		schema: make(map[string]bool, len(d.schema)),
		legacy: d.legacy,
	}
	copied.root = d.root.clone()
	for tag := range d.schema {
		copied.schema[tag] = true
	}
	stack := []*Node{copied.root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		copied.nodes[current.id] = current
		stack = append(stack, current.children...)
	}
	return copied
}

// ReplaceContents discards this document's tree and schema and adopts
// other's. other must not be used afterwards. Used by a full reload
// applied to an already-open write clone.
func (d *Document) ReplaceContents(other *Document) {
	d.root = other.root
	d.nodes = other.nodes
	d.schema = other.schema
	d.legacy = other.legacy
}

// Walk visits every node in document order (parents before children,
// siblings in child-list order), starting at the root. Iterative;
// returning false from visit stops the walk.
func (d *Document) Walk(visit func(*Node) bool) {
	stack := []*Node{d.root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(current) {
			return
		}
		// Push children in reverse so they pop in document order.
		for i := len(current.children) - 1; i >= 0; i-- {
			stack = append(stack, current.children[i])
		}
	}
}
