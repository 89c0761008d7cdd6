// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package kernel

import (
	"sync"

	"github.com/noldarim/kernelwire/internal/protocol"
)

// Bus fans published events out to every subscriber. Each subscriber owns an
// unbounded queue, so a slow consumer neither blocks Publish nor loses or
// reorders events.
type Bus struct {
	mu     sync.Mutex
	subs   map[*busSubscription]struct{}
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*busSubscription]struct{})}
}

// Publish queues ev for every current subscriber. It never blocks.
func (b *Bus) Publish(ev protocol.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.push(ev)
	}
}

// Subscribe registers a new subscriber. Only events published afterwards are
// delivered. Subscribing to a closed bus yields an already-closed stream.
func (b *Bus) Subscribe() Subscription {
	sub := newBusSubscription(b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.finish()
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription after its queued events are delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.finish()
	}
	b.subs = nil
}

func (b *Bus) remove(sub *busSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

type busSubscription struct {
	bus *Bus
	out chan protocol.Event

	mu       sync.Mutex
	queue    []protocol.Event
	draining bool // no more pushes; close out once queue is empty
	wake     chan struct{}

	stop      chan struct{}
	closeOnce sync.Once
}

func newBusSubscription(b *Bus) *busSubscription {
	s := &busSubscription{
		bus:  b,
		out:  make(chan protocol.Event),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go s.deliver()
	return s
}

func (s *busSubscription) push(ev protocol.Event) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *busSubscription) finish() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

func (s *busSubscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *busSubscription) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

func (s *busSubscription) Events() <-chan protocol.Event {
	return s.out
}

// Close detaches the subscriber and drops anything still queued.
func (s *busSubscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		s.mu.Lock()
		s.draining = true
		s.queue = nil
		s.mu.Unlock()
		close(s.stop)
	})
}
