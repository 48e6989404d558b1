// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache assembles the content cache: the published snapshot
// cell, the tree loader, the incremental patcher, snapshot-file
// persistence, and the change notifier consuming the bus.
//
// Readers call [Cache.Current] or [Cache.OpenRead] and traverse the
// returned document freely; it is never mutated after publication.
// All writes funnel through one write handle at a time: a change
// batch is applied to a private clone and swapped in atomically, so
// readers see either the whole batch or none of it.
package cache

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/copsehq/copse/lib/bus"
	"github.com/copsehq/copse/lib/clock"
	"github.com/copsehq/copse/lib/config"
	"github.com/copsehq/copse/lib/filesync"
	"github.com/copsehq/copse/lib/patch"
	"github.com/copsehq/copse/lib/rowsource"
	"github.com/copsehq/copse/lib/snapshot"
	"github.com/copsehq/copse/lib/treedoc"
	"github.com/copsehq/copse/lib/treeload"

	"github.com/prometheus/client_golang/prometheus"
)

// Topics the cache subscribes to on the bus.
const (
	// TopicContentChanges carries CBOR-encoded [ChangeBatch]
	// payloads from the persistence layer.
	TopicContentChanges = "content.changes"

	// TopicTypeChanges carries CBOR-encoded [TypeChangeBatch]
	// payloads announcing content-type schema changes.
	TopicTypeChanges = "content.types"
)

// defaultPollInterval is used when disk polling is enabled without an
// explicit interval.
const defaultPollInterval = time.Second

// Options configures a Cache.
type Options struct {
	// Source is the relational row source. Required.
	Source *rowsource.Source

	// Files enables snapshot-file persistence. Nil disables it.
	Files *filesync.Synchronizer

	// ContinuousSync writes the snapshot after every committed
	// change. Requires Files. Mutually exclusive with
	// PollForChanges.
	ContinuousSync bool

	// FlushInterval defers ContinuousSync writes to a background
	// flusher at this period. 0 writes synchronously inside the
	// commit.
	FlushInterval time.Duration

	// PollForChanges reloads the tree from the snapshot file when
	// an out-of-process writer modifies it. Requires Files.
	PollForChanges bool

	// PollInterval is the polling period. 0 means 1 second.
	PollInterval time.Duration

	// Bus, when set, is subscribed for change and type-change
	// notifications. Without it the caller drives [Cache.ApplyBatch]
	// directly.
	Bus *bus.Bus

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to discard.
	Logger *slog.Logger

	// Registerer receives the cache's Prometheus metrics. Nil
	// leaves them unregistered.
	Registerer prometheus.Registerer
}

// Cache is the process-wide content cache. Construct with [Open],
// tear down with [Cache.Close].
type Cache struct {
	logger  *slog.Logger
	clock   clock.Clock
	source  *rowsource.Source
	loader  *treeload.Loader
	patcher *patch.Patcher
	files   *filesync.Synchronizer
	cell    *snapshot.Cell
	metrics *metrics

	continuousSync bool
	flushDeferred  bool

	// hookMu guards the hook slices during registration; firing
	// reads them without the lock once the cache is running, which
	// is why registration must happen before traffic.
	hookMu            sync.Mutex
	routeInvalidators []func()
	resyncHooks       []func()

	reload singleflight.Group

	flushPending atomic.Bool

	stop      chan struct{}
	wg        sync.WaitGroup
	subs      []*bus.Subscription
	closeOnce sync.Once
}

// Open builds the cache and performs the initial load: from the
// snapshot file when one is present and parseable, otherwise from
// the database (writing a fresh snapshot afterwards if persistence
// is enabled). Background goroutines (notifier, flusher, poller) are
// running when Open returns.
func Open(ctx context.Context, opts Options) (*Cache, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("cache: Source is required")
	}
	if opts.ContinuousSync && opts.PollForChanges {
		return nil, config.ErrSyncConflict
	}
	if (opts.ContinuousSync || opts.PollForChanges) && opts.Files == nil {
		return nil, fmt.Errorf("cache: snapshot file required for disk sync options")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	c := &Cache{
		logger:         logger,
		clock:          clk,
		source:         opts.Source,
		loader:         treeload.New(opts.Source, logger),
		files:          opts.Files,
		metrics:        newMetrics(opts.Registerer),
		continuousSync: opts.ContinuousSync,
		flushDeferred:  opts.ContinuousSync && opts.FlushInterval > 0,
		stop:           make(chan struct{}),
	}
	c.patcher = patch.New(c.loader, opts.Source, logger)
	c.patcher.OnMasked = c.metrics.maskedSkips.Inc

	doc, err := c.initialLoad(ctx)
	if err != nil {
		return nil, err
	}
	c.cell = snapshot.NewCell(doc)
	c.cell.AddCommitHook(c.onCommit)

	if opts.Bus != nil {
		changes := opts.Bus.Subscribe(TopicContentChanges, 16)
		types := opts.Bus.Subscribe(TopicTypeChanges, 4)
		c.subs = append(c.subs, changes, types)
		c.wg.Add(1)
		go c.notifierLoop(changes, types)
	}
	if c.flushDeferred {
		c.wg.Add(1)
		go c.flushLoop(opts.FlushInterval)
	}
	if opts.PollForChanges {
		interval := opts.PollInterval
		if interval <= 0 {
			interval = defaultPollInterval
		}
		c.wg.Add(1)
		go c.pollLoop(interval)
	}

	logger.Info("content cache ready",
		"nodes", doc.Len(),
		"snapshot", c.files != nil,
		"continuous_sync", c.continuousSync,
	)
	return c, nil
}

// initialLoad prefers the snapshot file, falling back to a full
// database load. A database load with persistence enabled writes the
// snapshot immediately so the next start is warm.
func (c *Cache) initialLoad(ctx context.Context) (*treedoc.Document, error) {
	if c.files != nil {
		doc, err := c.files.Load()
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		if doc != nil {
			c.logger.Info("loaded tree from snapshot file",
				"path", c.files.Path(),
				"nodes", doc.Len(),
			)
			return doc, nil
		}
	}

	started := c.clock.Now()
	doc, err := c.loader.LoadFull(ctx)
	if err != nil {
		return nil, fmt.Errorf("cache: initial load: %w", err)
	}
	c.metrics.fullReloads.Inc()
	c.metrics.reloadSeconds.Observe(c.clock.Now().Sub(started).Seconds())

	if c.files != nil {
		if err := c.files.Save(doc); err != nil {
			// Non-fatal: the cache runs fine without the snapshot;
			// the database remains the source of truth.
			c.logger.Error("writing startup snapshot", "error", err)
		}
	}
	return doc, nil
}

// Current returns the live document without locking. Safe to
// traverse for as long as the caller keeps the reference.
func (c *Cache) Current() *treedoc.Document {
	return c.cell.Current()
}

// OpenRead captures the live document under the snapshot lock. The
// handle should be closed promptly; the captured document stays valid
// afterwards.
func (c *Cache) OpenRead() *snapshot.ReadHandle {
	return c.cell.OpenRead()
}

// ApplyBatch applies a batch of change descriptors to a clone of the
// live tree, committing once if anything changed, and reports whether
// the published content changed. On error the clone is discarded and
// the live tree is untouched.
//
// Dependent-cache resync hooks fire only on actual change, after the
// commit is published and the lock released.
func (c *Cache) ApplyBatch(ctx context.Context, descriptors []patch.Descriptor) (bool, error) {
	c.metrics.batches.Inc()
	for _, descriptor := range descriptors {
		c.metrics.descriptors.WithLabelValues(descriptor.Kind.String()).Inc()
	}

	handle, err := c.cell.OpenWriteContext(ctx, false)
	if err != nil {
		return false, fmt.Errorf("cache: acquiring write lock: %w", err)
	}
	defer handle.Close()

	changed, err := c.patcher.Apply(ctx, handle.Tree(), descriptors)
	if err != nil {
		c.metrics.batchFailures.Inc()
		return false, fmt.Errorf("cache: %w", err)
	}
	if changed {
		handle.Commit(true)
	}
	handle.Close()

	if changed {
		c.fireResync()
	}
	return changed, nil
}

// Rebuild discards the cached tree and reloads it from the database.
// Concurrent Rebuild calls are coalesced into a single load. Callers
// needing guaranteed-fresh data after an out-of-band store mutation
// use this.
func (c *Cache) Rebuild(ctx context.Context) error {
	_, err, _ := c.reload.Do("rebuild", func() (any, error) {
		return nil, c.rebuild(ctx)
	})
	return err
}

func (c *Cache) rebuild(ctx context.Context) error {
	handle, err := c.cell.OpenWriteContext(ctx, false)
	if err != nil {
		return fmt.Errorf("cache: acquiring write lock: %w", err)
	}
	defer handle.Close()

	started := c.clock.Now()
	fresh, err := c.loader.LoadFull(ctx)
	if err != nil {
		return fmt.Errorf("cache: rebuild: %w", err)
	}
	c.metrics.fullReloads.Inc()
	c.metrics.reloadSeconds.Observe(c.clock.Now().Sub(started).Seconds())

	handle.Tree().ReplaceContents(fresh)
	handle.Commit(true)
	handle.Close()

	c.fireResync()
	return nil
}

// OnRouteInvalidate registers a callback fired on every commit, while
// the snapshot lock is still held. Route-resolution caches keyed off
// tree identity register here. Must be called before the cache
// receives traffic.
func (c *Cache) OnRouteInvalidate(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.routeInvalidators = append(c.routeInvalidators, fn)
}

// OnResync registers a callback fired after a batch actually changed
// the published content. Dependent caches on other instances resync
// through this. Must be called before the cache receives traffic.
func (c *Cache) OnResync(fn func()) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.resyncHooks = append(c.resyncHooks, fn)
}

func (c *Cache) fireResync() {
	for _, fn := range c.resyncHooks {
		fn()
	}
}

// onCommit is the cell's commit hook: it runs on every swap, with the
// snapshot lock held.
func (c *Cache) onCommit(doc *treedoc.Document, registerChange bool) {
	c.metrics.commits.Inc()
	for _, fn := range c.routeInvalidators {
		fn()
	}
	if !registerChange || !c.continuousSync {
		return
	}
	if c.flushDeferred {
		c.flushPending.Store(true)
		return
	}
	if err := c.files.Save(doc); err != nil {
		c.logger.Error("writing snapshot on commit", "error", err)
	}
}

// flushLoop writes the latest committed tree to disk when a deferred
// flush is pending.
func (c *Cache) flushLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.flushIfPending()
		}
	}
}

// flushIfPending persists the current tree under the snapshot lock.
// Every writer of the snapshot file holds the lock, so a flush never
// interleaves with a commit-time save.
func (c *Cache) flushIfPending() {
	if !c.flushPending.Swap(false) {
		return
	}
	handle := c.cell.OpenRead()
	defer handle.Close()
	if err := c.files.Save(handle.Tree()); err != nil {
		c.logger.Error("background snapshot flush", "error", err)
		// Try again next tick: the commit that set the flag is
		// still unpersisted.
		c.flushPending.Store(true)
	}
}

// pollLoop watches the snapshot file for out-of-process writes and
// republishes the tree from disk when one lands.
func (c *Cache) pollLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.files.IsStale() {
				c.reloadFromDisk()
			}
		}
	}
}

func (c *Cache) reloadFromDisk() {
	doc, err := c.files.Load()
	if err != nil {
		c.logger.Error("reloading snapshot after disk change", "error", err)
		return
	}
	if doc == nil {
		c.logger.Warn("snapshot file disappeared or was corrupt; keeping current tree")
		return
	}
	handle := c.cell.OpenWrite(false)
	handle.Tree().ReplaceContents(doc)
	// registerChange=false: this content just came from the file, so
	// writing it back out would be a pointless echo.
	handle.Commit(false)
	handle.Close()
	c.fireResync()
	c.logger.Info("republished tree from snapshot file", "nodes", doc.Len())
}

// Close stops the background goroutines, cancels the bus
// subscriptions, and performs a final pending flush. The cache must
// not be used afterwards. The row source and bus are owned by the
// caller and stay open.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		for _, sub := range c.subs {
			sub.Cancel()
		}
		c.wg.Wait()
		if c.flushDeferred {
			c.flushIfPending()
		}
	})
	return nil
}
