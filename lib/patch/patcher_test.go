// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package patch_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/copsehq/copse/lib/patch"
	"github.com/copsehq/copse/lib/rowsource"
	"github.com/copsehq/copse/lib/treedoc"
	"github.com/copsehq/copse/lib/treeload"
)

// fakeStore is an in-memory row store with the ordering and ErrStop
// contract of the SQLite source. Tests mutate its rows between
// loading the document and applying a batch, simulating the
// persistence layer committing a transaction.
type fakeStore struct {
	rows map[treedoc.ID]rowsource.Row
}

func newFakeStore(rows ...rowsource.Row) *fakeStore {
	s := &fakeStore{rows: make(map[treedoc.ID]rowsource.Row)}
	for _, row := range rows {
		s.rows[row.ID] = row
	}
	return s
}

func (s *fakeStore) put(rows ...rowsource.Row) {
	for _, row := range rows {
		s.rows[row.ID] = row
	}
}

func (s *fakeStore) delete(id treedoc.ID) { delete(s.rows, id) }

func (s *fakeStore) ordered(include func(rowsource.Row) bool) []rowsource.Row {
	var rows []rowsource.Row
	for _, row := range s.rows {
		if row.Published && !row.Trashed && include(row) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Level != rows[j].Level {
			return rows[i].Level < rows[j].Level
		}
		return rows[i].SortOrder < rows[j].SortOrder
	})
	return rows
}

func (s *fakeStore) stream(rows []rowsource.Row, fn func(rowsource.Row) error) error {
	for _, row := range rows {
		if err := fn(row); err != nil {
			if errors.Is(err, rowsource.ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *fakeStore) All(ctx context.Context, fn func(rowsource.Row) error) error {
	return s.stream(s.ordered(func(rowsource.Row) bool { return true }), fn)
}

func (s *fakeStore) Branch(ctx context.Context, path string, fn func(rowsource.Row) error) error {
	return s.stream(s.ordered(func(row rowsource.Row) bool {
		return row.Path == path || strings.HasPrefix(row.Path, path+",")
	}), fn)
}

func (s *fakeStore) Lookup(ctx context.Context, id treedoc.ID) (rowsource.Row, bool, error) {
	row, ok := s.rows[id]
	return row, ok, nil
}

func (s *fakeStore) State(ctx context.Context, id treedoc.ID) (rowsource.State, error) {
	row, ok := s.rows[id]
	if !ok {
		return rowsource.State{}, nil
	}
	return rowsource.State{Exists: true, Published: row.Published, Trashed: row.Trashed}, nil
}

func makeRow(id, parentID treedoc.ID, level, sortOrder int, revision int64, path, tag, title string) rowsource.Row {
	fragment := fmt.Sprintf(`<%s id="%d" parentID="%d" level="%d" sortOrder="%d" revision="%d"><title>%s</title></%s>`,
		tag, id, parentID, level, sortOrder, revision, title, tag)
	return rowsource.Row{
		ID:        id,
		ParentID:  parentID,
		Level:     level,
		SortOrder: sortOrder,
		Path:      path,
		Revision:  revision,
		Published: true,
		Fragment:  []byte(fragment),
	}
}

// seedStore builds the standard fixture:
//
//	1000 page (sort 1)
//	  1001 article (sort 1)
//	  1002 article (sort 2)
//	    1003 comment (sort 1)
//	2000 page (sort 2)
func seedStore() *fakeStore {
	return newFakeStore(
		makeRow(1000, -1, 1, 1, 1, "-1,1000", "page", "home"),
		makeRow(1001, 1000, 2, 1, 1, "-1,1000,1001", "article", "first"),
		makeRow(1002, 1000, 2, 2, 1, "-1,1000,1002", "article", "second"),
		makeRow(1003, 1002, 3, 1, 1, "-1,1000,1002,1003", "comment", "nice"),
		makeRow(2000, -1, 1, 2, 1, "-1,2000", "page", "about"),
	)
}

type fixture struct {
	store   *fakeStore
	doc     *treedoc.Document
	patcher *patch.Patcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := seedStore()
	loader := treeload.New(store, nil)
	doc, err := loader.LoadFull(context.Background())
	if err != nil {
		t.Fatalf("loading fixture: %v", err)
	}
	return &fixture{
		store:   store,
		doc:     doc,
		patcher: patch.New(loader, store, nil),
	}
}

func (f *fixture) apply(t *testing.T, descriptors ...patch.Descriptor) bool {
	t.Helper()
	changed, err := f.patcher.Apply(context.Background(), f.doc, descriptors)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return changed
}

func TestRemoveSubtree(t *testing.T) {
	f := newFixture(t)
	changed := f.apply(t, patch.Descriptor{ID: 1002, Kind: patch.Remove})
	if !changed {
		t.Error("changed = false")
	}
	if f.doc.Lookup(1002) != nil || f.doc.Lookup(1003) != nil {
		t.Error("removed subtree still present")
	}
	if f.doc.Lookup(1000).ChildCount() != 1 {
		t.Errorf("parent ChildCount() = %d, want 1", f.doc.Lookup(1000).ChildCount())
	}
}

func TestRemoveAbsentIsNoOp(t *testing.T) {
	f := newFixture(t)
	if f.apply(t, patch.Descriptor{ID: 9999, Kind: patch.Remove}) {
		t.Error("changed = true for absent node")
	}
}

func TestRefreshNodeCleanReportsUnchanged(t *testing.T) {
	f := newFixture(t)
	// Store and tree agree (same revision, same path): applying a
	// node refresh must not count as a change.
	if f.apply(t, patch.Descriptor{ID: 1001, Kind: patch.RefreshNode}) {
		t.Error("changed = true for clean refresh")
	}
	if f.doc.Len() != 5 {
		t.Errorf("Len() = %d, want 5", f.doc.Len())
	}
}

func TestRefreshNodeContentUpdate(t *testing.T) {
	f := newFixture(t)
	f.store.put(makeRow(1001, 1000, 2, 1, 2, "-1,1000,1001", "article", "revised"))

	if !f.apply(t, patch.Descriptor{ID: 1001, Kind: patch.RefreshNode}) {
		t.Fatal("changed = false")
	}
	node := f.doc.Lookup(1001)
	if node.Revision != 2 {
		t.Errorf("Revision = %d, want 2", node.Revision)
	}
	if len(node.Data) != 1 || node.Data[0].Value != "revised" {
		t.Errorf("Data = %v", node.Data)
	}
	if node.Parent().ID() != 1000 {
		t.Errorf("parent = %d, want 1000", node.Parent().ID())
	}
}

func TestRefreshNodePreservesDescendants(t *testing.T) {
	f := newFixture(t)
	// 1002's content changes; its child 1003 is unchanged in the
	// store and must still be attached afterwards.
	f.store.put(makeRow(1002, 1000, 2, 2, 3, "-1,1000,1002", "article", "rewritten"))

	if !f.apply(t, patch.Descriptor{ID: 1002, Kind: patch.RefreshNode}) {
		t.Fatal("changed = false")
	}
	comment := f.doc.Lookup(1003)
	if comment == nil {
		t.Fatal("descendant lost during refresh")
	}
	if comment.Parent().ID() != 1002 {
		t.Errorf("descendant parent = %d, want 1002", comment.Parent().ID())
	}
	if comment.Path() != "-1,1000,1002,1003" {
		t.Errorf("descendant path = %q", comment.Path())
	}
}

func TestRefreshNodeUnpublishedRemoves(t *testing.T) {
	f := newFixture(t)
	row := f.store.rows[1002]
	row.Published = false
	f.store.put(row)

	if !f.apply(t, patch.Descriptor{ID: 1002, Kind: patch.RefreshNode}) {
		t.Fatal("changed = false")
	}
	if f.doc.Lookup(1002) != nil || f.doc.Lookup(1003) != nil {
		t.Error("unpublished subtree still in tree")
	}
}

func TestRefreshNodeDeletedRowRemoves(t *testing.T) {
	f := newFixture(t)
	f.store.delete(1001)

	if !f.apply(t, patch.Descriptor{ID: 1001, Kind: patch.RefreshNode}) {
		t.Fatal("changed = false")
	}
	if f.doc.Lookup(1001) != nil {
		t.Error("deleted node still in tree")
	}
}

func TestRefreshBranchMove(t *testing.T) {
	f := newFixture(t)
	// Move 1002 (with its child 1003) under 2000. The store rewrites
	// paths and levels for the whole branch.
	f.store.put(
		makeRow(1002, 2000, 2, 1, 2, "-1,2000,1002", "article", "moved"),
		makeRow(1003, 1002, 3, 1, 1, "-1,2000,1002,1003", "comment", "nice"),
	)

	if !f.apply(t, patch.Descriptor{ID: 1002, Kind: patch.RefreshBranch}) {
		t.Fatal("changed = false")
	}
	moved := f.doc.Lookup(1002)
	if moved.Parent().ID() != 2000 {
		t.Errorf("parent = %d, want 2000", moved.Parent().ID())
	}
	if moved.Path() != "-1,2000,1002" {
		t.Errorf("path = %q", moved.Path())
	}
	child := f.doc.Lookup(1003)
	if child == nil || child.Parent().ID() != 1002 {
		t.Fatal("descendant did not follow the move")
	}
	if child.Path() != "-1,2000,1002,1003" {
		t.Errorf("descendant path = %q", child.Path())
	}
	if f.doc.Lookup(1000).ChildCount() != 1 {
		t.Errorf("old parent ChildCount() = %d, want 1", f.doc.Lookup(1000).ChildCount())
	}
}

func TestRefreshBranchForcesReload(t *testing.T) {
	f := newFixture(t)
	// Same revision and path, but an explicit branch refresh still
	// reloads and reports a change.
	if !f.apply(t, patch.Descriptor{ID: 1002, Kind: patch.RefreshBranch}) {
		t.Error("changed = false for explicit branch refresh")
	}
	if f.doc.Lookup(1003) == nil {
		t.Error("descendant lost")
	}
}

func TestRefreshRepositionsBySortOrder(t *testing.T) {
	f := newFixture(t)
	// 1001 jumps behind its sibling.
	f.store.put(makeRow(1001, 1000, 2, 5, 2, "-1,1000,1001", "article", "first"))

	if !f.apply(t, patch.Descriptor{ID: 1001, Kind: patch.RefreshNode}) {
		t.Fatal("changed = false")
	}
	children := f.doc.Lookup(1000).Children()
	if children[0].ID() != 1002 || children[1].ID() != 1001 {
		t.Errorf("children = [%d %d], want [1002 1001]", children[0].ID(), children[1].ID())
	}
}

func TestRefreshNewNode(t *testing.T) {
	f := newFixture(t)
	f.store.put(makeRow(1004, 1000, 2, 0, 1, "-1,1000,1004", "article", "new"))

	if !f.apply(t, patch.Descriptor{ID: 1004, Kind: patch.RefreshNode}) {
		t.Fatal("changed = false")
	}
	node := f.doc.Lookup(1004)
	if node == nil {
		t.Fatal("new node not attached")
	}
	// SortOrder 0 orders it before its siblings.
	if first := f.doc.Lookup(1000).Children()[0]; first.ID() != 1004 {
		t.Errorf("first child = %d, want 1004", first.ID())
	}
}

func TestRefreshMaskedParentSkips(t *testing.T) {
	f := newFixture(t)
	maskedCount := 0
	f.patcher.OnMasked = func() { maskedCount++ }
	// A row under a parent that has no row anywhere: the refresh is
	// skipped, the batch succeeds, nothing changes.
	f.store.put(makeRow(7001, 7000, 2, 1, 1, "-1,7000,7001", "article", "orphan"))

	if f.apply(t, patch.Descriptor{ID: 7001, Kind: patch.RefreshNode}) {
		t.Error("changed = true for masked refresh")
	}
	if f.doc.Lookup(7001) != nil {
		t.Error("masked node attached")
	}
	if maskedCount != 1 {
		t.Errorf("masked count = %d, want 1", maskedCount)
	}
}

func TestRefreshAll(t *testing.T) {
	f := newFixture(t)
	f.store.delete(2000)
	f.store.put(makeRow(3000, -1, 1, 3, 1, "-1,3000", "gallery", "pics"))

	if !f.apply(t, patch.Descriptor{Kind: patch.RefreshAll}) {
		t.Fatal("changed = false")
	}
	if f.doc.Lookup(2000) != nil {
		t.Error("deleted node survived full refresh")
	}
	if f.doc.Lookup(3000) == nil {
		t.Error("new node missing after full refresh")
	}
	if !f.doc.HasSchemaTag("gallery") {
		t.Error("schema not rebuilt")
	}
}

func TestBatchAggregatesChanges(t *testing.T) {
	f := newFixture(t)
	changed := f.apply(t,
		patch.Descriptor{ID: 1001, Kind: patch.RefreshNode}, // clean, no change
		patch.Descriptor{ID: 9999, Kind: patch.Remove},      // absent, no change
		patch.Descriptor{ID: 2000, Kind: patch.Remove},      // real change
	)
	if !changed {
		t.Error("changed = false for batch containing a real change")
	}
}

func TestBatchFailsOnIntegrityError(t *testing.T) {
	f := newFixture(t)
	// A stored row whose fragment identity disagrees with its
	// columns is an integrity violation and aborts the batch.
	bad := makeRow(1001, 1000, 2, 1, 2, "-1,1000,1001", "article", "bad")
	bad.Fragment = []byte(`<article id="9999" parentID="1000" level="2" sortOrder="1" revision="2"/>`)
	f.store.put(bad)

	_, err := f.patcher.Apply(context.Background(), f.doc,
		[]patch.Descriptor{{ID: 1001, Kind: patch.RefreshNode}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestKindString(t *testing.T) {
	kinds := map[patch.Kind]string{
		patch.RefreshAll:    "refresh-all",
		patch.Remove:        "remove",
		patch.RefreshNode:   "refresh-node",
		patch.RefreshBranch: "refresh-branch",
	}
	for kind, want := range kinds {
		if kind.String() != want {
			t.Errorf("String() = %q, want %q", kind.String(), want)
		}
	}
}
