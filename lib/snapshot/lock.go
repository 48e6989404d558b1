// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"context"
	"sync"
)

// Lock is a mutual-exclusion primitive with both a blocking and a
// context-aware acquisition form. Both forms share the same underlying
// exclusion, so a blocking acquire and a context acquire never hold
// the lock simultaneously.
//
// Acquire returns a [Releaser] that must be released exactly once;
// releasing it again is a no-op, never a double unlock.
type Lock struct {
	semaphore chan struct{}
}

// NewLock returns an unlocked Lock.
func NewLock() *Lock {
	return &Lock{semaphore: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is held and returns its releaser.
// For synchronous call sites with no cancellation.
func (l *Lock) Acquire() *Releaser {
	l.semaphore <- struct{}{}
	return &Releaser{lock: l}
}

// AcquireContext blocks until the lock is held or ctx is done. For
// call sites that may suspend (file I/O during save). On cancellation
// the lock is not held and the returned releaser is nil.
func (l *Lock) AcquireContext(ctx context.Context) (*Releaser, error) {
	select {
	case l.semaphore <- struct{}{}:
		return &Releaser{lock: l}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire acquires the lock only if it is free. Returns nil when
// the lock is held by someone else.
func (l *Lock) TryAcquire() *Releaser {
	select {
	case l.semaphore <- struct{}{}:
		return &Releaser{lock: l}
	default:
		return nil
	}
}

// Releaser releases a held Lock. Single-use: the first Release
// unlocks, every later call is a no-op.
type Releaser struct {
	lock *Lock
	once sync.Once
}

// Release unlocks the lock. Idempotent.
func (r *Releaser) Release() {
	r.once.Do(func() { <-r.lock.semaphore })
}
