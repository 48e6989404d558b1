// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package treedoc

// ID identifies a content node. IDs are unique within a document and
// stable across reloads; they come from the relational store's
// primary key.
type ID int64

// RootID is the id of the synthetic root node present in every
// document. The root never corresponds to a stored content item.
const RootID ID = -1

// DataElement is a non-identity child of a node holding a single
// field value (a "property" in domain terms). Data elements have no
// id and no children of their own; they are replaced wholesale when a
// node's content is refreshed.
type DataElement struct {
	// Name is the element tag, usually the field alias.
	Name string

	// Attributes holds auxiliary attributes. Nil is equivalent to
	// empty. Serialized in sorted key order.
	Attributes map[string]string

	// Value is the field value as plain text. Markup inside values
	// is not preserved structurally; it is escaped on serialization.
	Value string
}

// Node is a single identity-keyed node in a [Document]. The id, the
// position-derived fields (parent, level, path) and the child list
// are managed by the owning Document; everything else is plain data
// that callers may set directly on detached nodes or on nodes of a
// private clone.
type Node struct {
	id     ID
	parent *Node

	// parentID mirrors the parent's id while attached. On a detached
	// node (a freshly parsed fragment) it carries the parent id the
	// fragment was serialized with.
	parentID ID

	// level and path are recomputed whenever the node is attached:
	// level is the depth (root's children are level 1) and path is
	// the comma-separated ancestor id chain ending in this node's id.
	level int
	path  string

	// Tag is the element name, the content-type alias.
	Tag string

	// Attributes holds the node's domain attributes. The reserved
	// identity attributes (id, parentID, level, path, sortOrder,
	// revision) live in dedicated fields and never appear here.
	Attributes map[string]string

	// SortOrder defines the node's position among its siblings.
	// Siblings are kept in non-decreasing SortOrder.
	SortOrder int

	// Revision is a monotonic per-node counter bumped by the store
	// on every content update. Equal revisions mean equal content,
	// which makes staleness checks a single integer comparison.
	Revision int64

	// Data is the ordered list of data children. It precedes the
	// identity children in document order.
	Data []DataElement

	children []*Node
}

// NewNode returns a detached node with the given id and tag. Attach
// it to a document with [Document.AppendChild] or
// [Document.InsertChildAt].
func NewNode(id ID, tag string) *Node {
	return &Node{
		id:         id,
		parentID:   RootID,
		Tag:        tag,
		Attributes: make(map[string]string),
	}
}

// ID returns the node's identity.
func (n *Node) ID() ID { return n.id }

// Parent returns the node's parent, or nil for the root and for
// detached nodes.
func (n *Node) Parent() *Node { return n.parent }

// ParentID returns the id of the node's parent. For a detached node
// it returns the parent id recorded when the node was built or
// parsed; for the root it returns RootID.
func (n *Node) ParentID() ID {
	if n.parent != nil {
		return n.parent.id
	}
	return n.parentID
}

// SetParentID records the intended parent of a detached node. It has
// no structural effect; attaching the node to a document overrides it.
func (n *Node) SetParentID(id ID) { n.parentID = id }

// Level returns the node's depth. The root is level 0 and its
// children are level 1. Detached nodes report the level they were
// parsed with (zero for nodes built in memory).
func (n *Node) Level() int { return n.level }

// SetLevel records the level of a detached node, as read from a
// stored row. Attaching the node recomputes it from the parent.
func (n *Node) SetLevel(level int) { n.level = level }

// Path returns the comma-separated chain of ancestor ids from the
// root to this node, inclusive (for example "-1,1051,1053"). Empty
// for detached nodes that were never attached or parsed with a path.
func (n *Node) Path() string { return n.path }

// SetPath records the stored path of a detached node. Attaching the
// node recomputes it from the parent chain.
func (n *Node) SetPath(path string) { n.path = path }

// Children returns the node's identity children in document order.
// The returned slice is the node's own storage: callers must not
// modify it. Use Document methods to restructure.
func (n *Node) Children() []*Node { return n.children }

// ChildCount returns the number of identity children.
func (n *Node) ChildCount() int { return len(n.children) }

// childIndex returns the position of child in n's child list, or -1.
func (n *Node) childIndex(child *Node) int {
	for i, c := range n.children {
		if c == child {
			return i
		}
	}
	return -1
}

// clone returns a deep copy of the node and its entire subtree. The
// copy is detached (nil parent) at its top; all interior parent
// pointers are rebuilt. The caller registers the copy in the owning
// document's index.
func (n *Node) clone() *Node {
	copied := &Node{
		id:        n.id,
		parentID:  n.parentID,
		level:     n.level,
		path:      n.path,
		Tag:       n.Tag,
		SortOrder: n.SortOrder,
		Revision:  n.Revision,
	}
	if n.Attributes != nil {
		copied.Attributes = make(map[string]string, len(n.Attributes))
		for k, v := range n.Attributes {
			copied.Attributes[k] = v
		}
	}
	if n.Data != nil {
		copied.Data = make([]DataElement, len(n.Data))
		copy(copied.Data, n.Data)
		for i := range copied.Data {
			if src := n.Data[i].Attributes; src != nil {
				attrs := make(map[string]string, len(src))
				for k, v := range src {
					attrs[k] = v
				}
				copied.Data[i].Attributes = attrs
			}
		}
	}
	if len(n.children) > 0 {
		copied.children = make([]*Node, len(n.children))
		for i, child := range n.children {
			childCopy := child.clone()
			childCopy.parent = copied
			copied.children[i] = childCopy
		}
	}
	return copied
}
