// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction so that the
// cache's time-dependent behavior (snapshot staleness rate-limiting,
// background flushing, disk polling) is deterministic in tests.
//
// Production code injects [Real]; tests inject [NewFake] and drive it
// with [Fake.Advance].
package clock

import "time"

// Clock is the subset of the time package the cache needs.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives once, after d elapses.
	After(d time.Duration) <-chan time.Time

	// NewTicker returns a ticker delivering on C every d. Panics if
	// d <= 0, matching time.NewTicker.
	NewTicker(d time.Duration) *Ticker

	// Sleep pauses the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Ticker delivers periodic ticks on C. Call Stop to release it.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. It does not close C.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the standard time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (realClock) Sleep(d time.Duration)                  { time.Sleep(d) }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
