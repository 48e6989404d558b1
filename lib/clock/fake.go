// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sync"
	"time"
)

// NewFake returns a Fake clock initialized to initial. Time stands
// still until Advance is called.
func NewFake(initial time.Time) *Fake {
	f := &Fake{current: initial}
	f.changed = sync.NewCond(&f.mu)
	return f
}

// Fake is a deterministic Clock for tests. Sleep, After, and tickers
// register waiters that fire only when Advance moves the clock past
// their deadline. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	changed *sync.Cond
}

type fakeWaiter struct {
	deadline time.Time
	channel  chan time.Time

	// interval is non-zero for tickers: after firing, the waiter is
	// rescheduled at deadline + interval.
	interval time.Duration

	stopped bool
	fired   bool
}

// Now returns the current fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// After returns a channel that receives when the clock is advanced
// past the deadline. If d <= 0 it receives immediately.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.current
		return channel
	}
	f.addWaiter(&fakeWaiter{deadline: f.current.Add(d), channel: channel})
	return channel
}

// Sleep blocks until the clock is advanced past the deadline.
func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// NewTicker returns a ticker that fires each time the clock is
// advanced across a tick boundary. Panics if d <= 0.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	waiter := &fakeWaiter{
		deadline: f.current.Add(d),
		channel:  make(chan time.Time, 1),
		interval: d,
	}
	f.addWaiter(waiter)
	return &Ticker{
		C: waiter.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			waiter.stopped = true
		},
	}
}

func (f *Fake) addWaiter(w *fakeWaiter) {
	f.waiters = append(f.waiters, w)
	f.changed.Broadcast()
}

// WaiterCount returns the number of pending (unfired, unstopped)
// waiters. Tests use it with [Fake.WaitForWaiters].
func (f *Fake) WaiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pendingLocked()
}

func (f *Fake) pendingLocked() int {
	count := 0
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			count++
		}
	}
	return count
}

// WaitForWaiters blocks until at least n waiters are pending. Use it
// to let a background goroutine reach its timer before advancing the
// clock, eliminating registration races.
func (f *Fake) WaitForWaiters(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls inside the advanced window, in deadline order.
// Tickers are rescheduled and may fire multiple times. Ticks are
// dropped, not queued, when the receiver lags, matching time.Ticker.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.current.Add(d)
	for {
		next := f.nextDeadlineLocked(target)
		if next == nil {
			break
		}
		f.current = next.deadline
		select {
		case next.channel <- f.current:
		default:
		}
		if next.interval > 0 {
			next.deadline = next.deadline.Add(next.interval)
		} else {
			next.fired = true
		}
	}
	f.current = target
	f.compactLocked()
}

// nextDeadlineLocked returns the pending waiter with the earliest
// deadline at or before limit, or nil.
func (f *Fake) nextDeadlineLocked(limit time.Time) *fakeWaiter {
	var earliest *fakeWaiter
	for _, w := range f.waiters {
		if w.stopped || w.fired || w.deadline.After(limit) {
			continue
		}
		if earliest == nil || w.deadline.Before(earliest.deadline) {
			earliest = w
		}
	}
	return earliest
}

func (f *Fake) compactLocked() {
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	f.waiters = kept
}
