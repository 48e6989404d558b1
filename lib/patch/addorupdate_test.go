// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package patch_test

import (
	"errors"
	"testing"

	"github.com/copsehq/copse/lib/patch"
	"github.com/copsehq/copse/lib/treedoc"
)

func buildTree(t *testing.T) *treedoc.Document {
	t.Helper()
	doc := treedoc.New()
	page := treedoc.NewNode(1000, "page")
	page.SortOrder = 1
	if err := doc.AppendChild(doc.Root(), page); err != nil {
		t.Fatal(err)
	}
	article := treedoc.NewNode(1001, "article")
	article.SortOrder = 1
	article.Revision = 1
	if err := doc.AppendChild(page, article); err != nil {
		t.Fatal(err)
	}
	comment := treedoc.NewNode(1003, "comment")
	if err := doc.AppendChild(article, comment); err != nil {
		t.Fatal(err)
	}
	doc.EnsureSchemaTag("page")
	doc.EnsureSchemaTag("article")
	doc.EnsureSchemaTag("comment")
	return doc
}

func fragment(id, parentID treedoc.ID, tag string, sortOrder int, revision int64) *treedoc.Node {
	node := treedoc.NewNode(id, tag)
	node.SetParentID(parentID)
	node.SortOrder = sortOrder
	node.Revision = revision
	return node
}

func TestAddOrUpdateNewNode(t *testing.T) {
	doc := buildTree(t)
	fresh := fragment(1002, 1000, "article", 0, 1)
	fresh.Data = []treedoc.DataElement{{Name: "title", Value: "new"}}

	if err := patch.AddOrUpdateNode(doc, 1002, 2, 1000, fresh); err != nil {
		t.Fatalf("AddOrUpdateNode: %v", err)
	}
	node := doc.Lookup(1002)
	if node == nil {
		t.Fatal("node not attached")
	}
	if node.Path() != "-1,1000,1002" {
		t.Errorf("Path() = %q", node.Path())
	}
	// SortOrder 0 sorts before the existing sibling.
	if first := doc.Lookup(1000).Children()[0]; first.ID() != 1002 {
		t.Errorf("first child = %d, want 1002", first.ID())
	}
}

func TestAddOrUpdateTopLevelUsesRoot(t *testing.T) {
	doc := buildTree(t)
	fresh := fragment(3000, treedoc.RootID, "page", 2, 1)
	if err := patch.AddOrUpdateNode(doc, 3000, 1, treedoc.RootID, fresh); err != nil {
		t.Fatalf("AddOrUpdateNode: %v", err)
	}
	if doc.Lookup(3000).Parent() != doc.Root() {
		t.Error("top-level node not under root")
	}
}

func TestAddOrUpdateInPlacePreservesChildren(t *testing.T) {
	doc := buildTree(t)
	before := doc.Lookup(1001)

	updated := fragment(1001, 1000, "article", 1, 2)
	updated.Attributes["lang"] = "en"
	updated.Data = []treedoc.DataElement{{Name: "title", Value: "revised"}}

	if err := patch.AddOrUpdateNode(doc, 1001, 2, 1000, updated); err != nil {
		t.Fatalf("AddOrUpdateNode: %v", err)
	}
	node := doc.Lookup(1001)
	if node != before {
		t.Fatal("same-tag update replaced the node object")
	}
	if node.Revision != 2 || node.Attributes["lang"] != "en" {
		t.Errorf("content not updated: revision=%d attrs=%v", node.Revision, node.Attributes)
	}
	if node.Data[0].Value != "revised" {
		t.Errorf("Data = %v", node.Data)
	}
	if doc.Lookup(1003) == nil || doc.Lookup(1003).Parent() != node {
		t.Error("identity child lost in in-place update")
	}
}

func TestAddOrUpdateReparents(t *testing.T) {
	doc := buildTree(t)
	page2 := treedoc.NewNode(2000, "page")
	page2.SortOrder = 2
	if err := doc.AppendChild(doc.Root(), page2); err != nil {
		t.Fatal(err)
	}

	moved := fragment(1001, 2000, "article", 1, 2)
	if err := patch.AddOrUpdateNode(doc, 1001, 2, 2000, moved); err != nil {
		t.Fatalf("AddOrUpdateNode: %v", err)
	}
	node := doc.Lookup(1001)
	if node.Parent().ID() != 2000 {
		t.Errorf("parent = %d, want 2000", node.Parent().ID())
	}
	if node.Path() != "-1,2000,1001" {
		t.Errorf("Path() = %q", node.Path())
	}
	// The subtree moved with it.
	if doc.Lookup(1003) == nil || doc.Lookup(1003).Path() != "-1,2000,1001,1003" {
		t.Error("child path not recomputed after reparent")
	}
}

func TestAddOrUpdateTagChangeAdoptsChildren(t *testing.T) {
	doc := buildTree(t)
	// 1001 changes content type from article to story. Its child
	// 1003 must survive under the replacement node.
	replacement := fragment(1001, 1000, "story", 1, 2)

	if err := patch.AddOrUpdateNode(doc, 1001, 2, 1000, replacement); err != nil {
		t.Fatalf("AddOrUpdateNode: %v", err)
	}
	node := doc.Lookup(1001)
	if node.Tag != "story" {
		t.Errorf("Tag = %q, want story", node.Tag)
	}
	if node != replacement {
		t.Error("tag change kept the old node object")
	}
	child := doc.Lookup(1003)
	if child == nil || child.Parent() != node {
		t.Fatal("child not adopted by replacement")
	}
	if child.Path() != "-1,1000,1001,1003" {
		t.Errorf("child path = %q", child.Path())
	}
	if !doc.HasSchemaTag("story") {
		t.Error("new tag not registered in schema")
	}
}

func TestAddOrUpdateMaskedParent(t *testing.T) {
	doc := buildTree(t)
	orphan := fragment(5001, 5000, "article", 1, 1)
	err := patch.AddOrUpdateNode(doc, 5001, 2, 5000, orphan)
	if !errors.Is(err, patch.ErrMasked) {
		t.Fatalf("error = %v, want ErrMasked", err)
	}
	if doc.Lookup(5001) != nil {
		t.Error("masked node attached")
	}
}

func TestAddOrUpdateIdentityMismatch(t *testing.T) {
	doc := buildTree(t)

	var integrity *patch.IntegrityError
	err := patch.AddOrUpdateNode(doc, 1001, 2, 1000, fragment(9999, 1000, "article", 1, 1))
	if !errors.As(err, &integrity) {
		t.Fatalf("error = %v, want IntegrityError", err)
	}

	err = patch.AddOrUpdateNode(doc, 1001, 2, 1000, fragment(1001, 9999, "article", 1, 1))
	if !errors.As(err, &integrity) {
		t.Fatalf("error = %v, want IntegrityError for parent mismatch", err)
	}
}

func TestAddOrUpdateIsIdempotent(t *testing.T) {
	doc := buildTree(t)
	for i := 0; i < 2; i++ {
		update := fragment(1001, 1000, "article", 1, 2)
		update.Data = []treedoc.DataElement{{Name: "title", Value: "same"}}
		if err := patch.AddOrUpdateNode(doc, 1001, 2, 1000, update); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
	}
	node := doc.Lookup(1001)
	if node.Revision != 2 || len(node.Data) != 1 {
		t.Errorf("node = revision %d, data %v", node.Revision, node.Data)
	}
	if doc.Lookup(1000).ChildCount() != 1 {
		t.Errorf("ChildCount() = %d, want 1 (duplicate attached)", doc.Lookup(1000).ChildCount())
	}
}
