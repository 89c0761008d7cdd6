// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package correlation matches events to the commands that caused them.
//
// A Tracker observes an event stream (the events a front-end receives, or a
// kernel subscription) and groups events by their command token. Await blocks
// until the terminal event for a token has been seen and returns every event
// that carried that token, in arrival order, ending with the terminal one.
//
// Tokens are opaque; only equality is used. Commands sent without a token all
// share the empty token. Await("") therefore resolves on the next terminal
// event that has no token, whichever command it belonged to. Callers that run
// several tokenless commands at once cannot tell their completions apart.
// Events that were not produced for any command (KernelReady, diagnostics for
// rejected frames) are not tracked at all.
//
// Completions nobody awaits are kept up to a limit. A client on a shared server
// observes every connection's commands but only awaits its own, so the oldest
// unclaimed completions are dropped first.
package correlation

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/samber/lo"
)

var (
	// ErrTrackerClosed is returned by Await once the tracker has been closed.
	ErrTrackerClosed = errors.New("tracker closed")

	// ErrStreamEnded is returned by Await when the observed stream finished
	// before the awaited command completed.
	ErrStreamEnded = errors.New("event stream ended")
)

const (
	defaultBufferLimit     = 10000
	defaultCompletionLimit = 1024
)

// Completion is everything observed for one command.
type Completion struct {
	// Terminal is the CommandSucceeded or CommandFailed event.
	Terminal protocol.Event
	// Events holds every event for the token in arrival order. The last
	// element is Terminal.
	Events []protocol.Event
}

// Succeeded reports whether the command ended with CommandSucceeded.
func (c Completion) Succeeded() bool {
	switch c.Terminal.(type) {
	case protocol.CommandSucceeded, *protocol.CommandSucceeded:
		return true
	}
	return false
}

// Message returns the failure message, or "" for a successful completion.
func (c Completion) Message() string {
	switch t := c.Terminal.(type) {
	case protocol.CommandFailed:
		return t.Message
	case *protocol.CommandFailed:
		return t.Message
	}
	return ""
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithBufferLimit caps the number of in-flight events kept per token. When a
// token exceeds the cap its oldest events are dropped. Terminal events are
// never dropped.
func WithBufferLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.limit = n
		}
	}
}

// WithCompletionLimit caps the number of completions kept for later Await
// calls across all tokens.
func WithCompletionLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.keep = n
		}
	}
}

// Tracker buffers events per token and resolves Await calls. It is safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	limit   int
	keep    int
	pending map[string][]protocol.Event
	done    map[string][]Completion
	order   []string // token of every retained completion, oldest first
	waiters map[string][]chan Completion
	err     error
}

// NewTracker returns an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		limit:   defaultBufferLimit,
		keep:    defaultCompletionLimit,
		pending: make(map[string][]protocol.Event),
		done:    make(map[string][]Completion),
		waiters: make(map[string][]chan Completion),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records ev. A terminal event completes its token: the oldest Await
// for that token receives the completion, or it is kept until one arrives.
// Events observed after Close, and events without a command, are ignored.
func (t *Tracker) Observe(ev protocol.Event) {
	if ev == nil || ev.GetCommand() == nil {
		return
	}
	token := protocol.TokenOf(ev)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}

	events := append(t.pending[token], ev)
	if !protocol.IsTerminal(ev) {
		if len(events) > t.limit {
			events = events[len(events)-t.limit:]
		}
		t.pending[token] = events
		return
	}

	delete(t.pending, token)
	c := Completion{Terminal: ev, Events: events}
	if ws := t.waiters[token]; len(ws) > 0 {
		ws[0] <- c
		t.setWaiters(token, ws[1:])
		return
	}
	t.retain(token, c)
}

// Await blocks until the command with token has completed, ctx is done, or the
// tracker is closed. Completions that arrived before Await are returned
// immediately. Each completion is handed to exactly one Await call.
func (t *Tracker) Await(ctx context.Context, token string) (Completion, error) {
	t.mu.Lock()
	if c, ok := t.claim(token); ok {
		t.mu.Unlock()
		return c, nil
	}
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return Completion{}, err
	}
	ch := make(chan Completion, 1)
	t.waiters[token] = append(t.waiters[token], ch)
	t.mu.Unlock()

	select {
	case c, ok := <-ch:
		if !ok {
			return Completion{}, t.closeErr()
		}
		return c, nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.setWaiters(token, lo.Without(t.waiters[token], ch))
	// A completion may have been handed over while ctx was being cancelled.
	select {
	case c, ok := <-ch:
		if ok {
			t.done[token] = append([]Completion{c}, t.done[token]...)
			t.order = append([]string{token}, t.order...)
		}
	default:
	}
	return Completion{}, ctx.Err()
}

// Run observes every event from events until the channel is closed or ctx is
// done. When the channel closes the tracker is closed with ErrStreamEnded so
// that outstanding Await calls return.
func (t *Tracker) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.CloseWithError(ErrStreamEnded)
				return nil
			}
			t.Observe(ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// InFlight returns the tokens that have buffered events but no terminal yet.
func (t *Tracker) InFlight() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Keys(t.pending)
}

// Close releases all waiters with ErrTrackerClosed.
func (t *Tracker) Close() {
	t.CloseWithError(ErrTrackerClosed)
}

// CloseWithError releases all waiters with err. Completions already recorded
// can still be awaited. Only the first call has an effect.
func (t *Tracker) CloseWithError(err error) {
	if err == nil {
		err = ErrTrackerClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = err
	for token, ws := range t.waiters {
		for _, ch := range ws {
			close(ch)
		}
		delete(t.waiters, token)
	}
	t.pending = make(map[string][]protocol.Event)
}

func (t *Tracker) closeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Tracker) setWaiters(token string, ws []chan Completion) {
	if len(ws) == 0 {
		delete(t.waiters, token)
		return
	}
	t.waiters[token] = ws
}

// Retained returns the number of completions waiting for an Await call.
func (t *Tracker) Retained() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

func (t *Tracker) retain(token string, c Completion) {
	t.done[token] = append(t.done[token], c)
	t.order = append(t.order, token)
	if len(t.order) <= t.keep {
		return
	}
	// The oldest retained completion is also the oldest one for its token.
	oldest := t.order[0]
	t.order = t.order[1:]
	t.setDone(oldest, t.done[oldest][1:])
}

func (t *Tracker) claim(token string) (Completion, bool) {
	cs := t.done[token]
	if len(cs) == 0 {
		return Completion{}, false
	}
	t.setDone(token, cs[1:])
	if i := slices.Index(t.order, token); i >= 0 {
		t.order = slices.Delete(t.order, i, i+1)
	}
	return cs[0], true
}

func (t *Tracker) setDone(token string, cs []Completion) {
	if len(cs) == 0 {
		delete(t.done, token)
		return
	}
	t.done[token] = cs
}
