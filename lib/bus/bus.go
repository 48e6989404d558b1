// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus is the in-process notification bus connecting the
// persistence layer to the cache. Publishers send opaque CBOR
// payloads to named topics; subscribers receive them on channels.
//
// This replaces implicit global event wiring with explicit
// registration: the cache subscribes at construction and cancels its
// subscriptions at teardown, and nothing else ever observes its
// handlers.
package bus

import (
	"io"
	"log/slog"
	"sync"
)

// Bus routes payloads from publishers to topic subscribers. Safe for
// concurrent use.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string][]*Subscription
	closed bool
}

// New returns an empty bus. logger may be nil.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{
		logger: logger,
		topics: make(map[string][]*Subscription),
	}
}

// Subscribe registers a subscriber for topic with the given channel
// buffer. The subscriber owns the returned Subscription and must
// Cancel it when done.
func (b *Bus) Subscribe(topic string, buffer int) *Subscription {
	sub := &Subscription{
		bus:     b,
		topic:   topic,
		channel: make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.done)
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

// Publish delivers payload to every current subscriber of topic,
// blocking until each has accepted it or cancelled. Delivery to live
// subscribers is guaranteed, never dropped: change notifications
// lost on the floor would leave the cache silently stale until the
// next full reload. Subscribers must therefore consume promptly.
func (b *Bus) Publish(topic string, payload []byte) {
	b.mu.RLock()
	subscribers := make([]*Subscription, len(b.topics[topic]))
	copy(subscribers, b.topics[topic])
	b.mu.RUnlock()

	for _, sub := range subscribers {
		select {
		case sub.channel <- payload:
		case <-sub.done:
		}
	}
}

// Close cancels every subscription. Publishes after Close are
// silently discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, list := range b.topics {
		subs = append(subs, list...)
	}
	b.topics = make(map[string][]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancelOnce.Do(func() { close(sub.done) })
	}
}

// Subscription is one subscriber's registration on a topic.
type Subscription struct {
	bus        *Bus
	topic      string
	channel    chan []byte
	done       chan struct{}
	cancelOnce sync.Once
}

// C returns the channel payloads arrive on. It is never closed;
// consumers should select on C and [Subscription.Done] together.
func (s *Subscription) C() <-chan []byte { return s.channel }

// Done returns a channel closed when the subscription is cancelled.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Cancel removes the subscription from the bus and releases any
// publisher blocked on it. Idempotent.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	list := s.bus.topics[s.topic]
	for i, candidate := range list {
		if candidate == s {
			s.bus.topics[s.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	s.cancelOnce.Do(func() { close(s.done) })
}
