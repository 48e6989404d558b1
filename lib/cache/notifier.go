// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/copsehq/copse/lib/bus"
	"github.com/copsehq/copse/lib/codec"
	"github.com/copsehq/copse/lib/patch"
	"github.com/copsehq/copse/lib/treedoc"
)

// ChangeBatch is the wire envelope on [TopicContentChanges]. The
// batch ID correlates the publishing side's transaction with the
// cache's log lines.
type ChangeBatch struct {
	BatchID string             `cbor:"batch_id"`
	Changes []patch.Descriptor `cbor:"changes"`
}

// NewChangeBatch assigns a fresh batch ID to a set of descriptors.
func NewChangeBatch(changes []patch.Descriptor) ChangeBatch {
	return ChangeBatch{BatchID: uuid.NewString(), Changes: changes}
}

// TypeChange names one changed content type and the types structurally
// contained in it. A refresh of the alias implies a refresh of every
// node of a contained type as well.
type TypeChange struct {
	Alias     string   `cbor:"alias"`
	Contained []string `cbor:"contained,omitempty"`
}

// TypeChangeBatch is the wire envelope on [TopicTypeChanges].
// FullReload forces a rebuild instead of a per-node refresh; the
// publisher sets it when a change is too structural to patch.
type TypeChangeBatch struct {
	FullReload bool         `cbor:"full_reload,omitempty"`
	Types      []TypeChange `cbor:"types,omitempty"`
}

// PublishChanges encodes a change batch and publishes it on
// [TopicContentChanges]. Persistence layers call this after their
// transaction commits.
func PublishChanges(b *bus.Bus, batch ChangeBatch) error {
	payload, err := codec.Marshal(batch)
	if err != nil {
		return fmt.Errorf("cache: encoding change batch: %w", err)
	}
	b.Publish(TopicContentChanges, payload)
	return nil
}

// PublishTypeChanges encodes a type-change batch and publishes it on
// [TopicTypeChanges].
func PublishTypeChanges(b *bus.Bus, batch TypeChangeBatch) error {
	payload, err := codec.Marshal(batch)
	if err != nil {
		return fmt.Errorf("cache: encoding type change batch: %w", err)
	}
	b.Publish(TopicTypeChanges, payload)
	return nil
}

// notifierLoop drains the bus subscriptions until the cache closes.
// A failed batch is logged and dropped: the tree stays on its last
// good state and a later Rebuild or restart reconverges.
func (c *Cache) notifierLoop(changes, types *bus.Subscription) {
	defer c.wg.Done()
	ctx := context.Background()
	for {
		select {
		case <-c.stop:
			return
		case payload := <-changes.C():
			c.handleChangePayload(ctx, payload)
		case payload := <-types.C():
			c.handleTypePayload(ctx, payload)
		}
	}
}

func (c *Cache) handleChangePayload(ctx context.Context, payload []byte) {
	var batch ChangeBatch
	if err := codec.Unmarshal(payload, &batch); err != nil {
		c.logger.Error("undecodable change batch", "error", err)
		return
	}
	changed, err := c.ApplyBatch(ctx, batch.Changes)
	if err != nil {
		c.logger.Error("applying change batch",
			"batch_id", batch.BatchID,
			"descriptors", len(batch.Changes),
			"error", err,
		)
		return
	}
	c.logger.Debug("applied change batch",
		"batch_id", batch.BatchID,
		"descriptors", len(batch.Changes),
		"changed", changed,
	)
}

func (c *Cache) handleTypePayload(ctx context.Context, payload []byte) {
	var batch TypeChangeBatch
	if err := codec.Unmarshal(payload, &batch); err != nil {
		c.logger.Error("undecodable type change batch", "error", err)
		return
	}
	if batch.FullReload {
		if err := c.Rebuild(ctx); err != nil {
			c.logger.Error("rebuild after type change", "error", err)
		}
		return
	}
	if err := c.RefreshTypes(ctx, batch.Types); err != nil {
		c.logger.Error("refreshing changed types", "error", err)
	}
}

// RefreshTypes re-reads every cached node whose tag belongs to one of
// the changed types, including types contained inside a changed one.
// Nodes are refreshed in place from their stored rows; a node whose
// row has vanished or become unpublished is removed.
func (c *Cache) RefreshTypes(ctx context.Context, types []TypeChange) error {
	tags := make(map[string]bool)
	for _, tc := range types {
		tags[tc.Alias] = true
		for _, contained := range tc.Contained {
			tags[contained] = true
		}
	}
	if len(tags) == 0 {
		return nil
	}

	handle, err := c.cell.OpenWriteContext(ctx, false)
	if err != nil {
		return fmt.Errorf("cache: acquiring write lock: %w", err)
	}
	defer handle.Close()
	doc := handle.Tree()

	var ids []treedoc.ID
	doc.Walk(func(node *treedoc.Node) bool {
		if node.ID() != treedoc.RootID && tags[node.Tag] {
			ids = append(ids, node.ID())
		}
		return true
	})

	changed := false
	for _, id := range ids {
		nodeChanged, err := c.refreshTypedNode(ctx, doc, id)
		if err != nil {
			return fmt.Errorf("cache: refreshing node %d: %w", id, err)
		}
		if nodeChanged {
			changed = true
		}
	}

	if changed {
		handle.Commit(true)
	}
	handle.Close()
	if changed {
		c.fireResync()
	}
	return nil
}

// refreshTypedNode replaces one node's content from its stored row.
func (c *Cache) refreshTypedNode(ctx context.Context, doc *treedoc.Document, id treedoc.ID) (bool, error) {
	row, found, err := c.source.Lookup(ctx, id)
	if err != nil {
		return false, err
	}
	if !found || !row.Published || row.Trashed {
		node := doc.Lookup(id)
		if node == nil {
			return false, nil
		}
		if err := doc.Detach(node); err != nil {
			return false, err
		}
		return true, nil
	}
	fragment, err := row.Node()
	if err != nil {
		return false, err
	}
	err = patch.AddOrUpdateNode(doc, id, row.Level, row.ParentID, fragment)
	if errors.Is(err, patch.ErrMasked) {
		// Parent not cached: the node is outside the published
		// tree, nothing to refresh.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
