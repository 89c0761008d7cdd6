// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"sync"

	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
)

// Script decides what a ScriptedKernel publishes for a command. The returned
// events are published in order, followed by CommandFailed when err is non-nil
// and CommandSucceeded otherwise.
type Script func(cmd protocol.Command) ([]protocol.Event, error)

// EchoScript answers SubmitCode with a return value equal to the code and
// completes every other command without output.
func EchoScript(cmd protocol.Command) ([]protocol.Event, error) {
	if sc, ok := cmd.(protocol.SubmitCode); ok {
		return []protocol.Event{ReturnValue(sc, sc.Code)}, nil
	}
	return nil, nil
}

// ScriptedKernel implements kernel.Kernel for testing
// Records every submitted command and publishes whatever its script returns
type ScriptedKernel struct {
	bus    *kernel.Bus
	script Script

	mu       sync.RWMutex
	commands []protocol.Command
	hook     func(ctx context.Context, cmd protocol.Command) error
}

// NewScriptedKernel creates a kernel driven by script (EchoScript when nil)
func NewScriptedKernel(script Script) *ScriptedKernel {
	if script == nil {
		script = EchoScript
	}
	return &ScriptedKernel{bus: kernel.NewBus(), script: script}
}

// SetSubmitHook installs a function that runs first on every Submit. A non-nil
// error is returned from Submit and nothing is published.
func (k *ScriptedKernel) SetSubmitHook(hook func(ctx context.Context, cmd protocol.Command) error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.hook = hook
}

func (k *ScriptedKernel) Submit(ctx context.Context, cmd protocol.Command) error {
	k.mu.Lock()
	k.commands = append(k.commands, cmd)
	hook := k.hook
	k.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, cmd); err != nil {
			return err
		}
	}

	events, err := k.script(cmd)
	for _, ev := range events {
		k.bus.Publish(ev)
	}
	if err != nil {
		k.bus.Publish(protocol.NewCommandFailed(cmd, err.Error()))
	} else {
		k.bus.Publish(protocol.NewCommandSucceeded(cmd))
	}
	return nil
}

func (k *ScriptedKernel) Subscribe() kernel.Subscription {
	return k.bus.Subscribe()
}

// Publish injects an event that belongs to no submitted command
func (k *ScriptedKernel) Publish(ev protocol.Event) {
	k.bus.Publish(ev)
}

// Subscribers returns the number of live subscriptions
func (k *ScriptedKernel) Subscribers() int {
	return k.bus.Subscribers()
}

// Close ends every subscription
func (k *ScriptedKernel) Close() {
	k.bus.Close()
}

// LastCommand returns the most recent command submitted, or nil if none
func (k *ScriptedKernel) LastCommand() protocol.Command {
	k.mu.RLock()
	defer k.mu.RUnlock()

	if len(k.commands) == 0 {
		return nil
	}
	return k.commands[len(k.commands)-1]
}

// CommandCount returns the number of commands submitted
func (k *ScriptedKernel) CommandCount() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.commands)
}

// AllCommands returns a copy of all submitted commands
func (k *ScriptedKernel) AllCommands() []protocol.Command {
	k.mu.RLock()
	defer k.mu.RUnlock()

	result := make([]protocol.Command, len(k.commands))
	copy(result, k.commands)
	return result
}

// EventCapture records every event delivered on a subscription
type EventCapture struct {
	mu     sync.RWMutex
	events []protocol.Event
	notify chan struct{}
	done   chan struct{}
}

// CaptureEvents starts recording sub in the background until it ends
func CaptureEvents(sub kernel.Subscription) *EventCapture {
	c := &EventCapture{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(c.done)
		for ev := range sub.Events() {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
	}()

	return c
}

// Events returns a copy of everything captured so far
func (c *EventCapture) Events() []protocol.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]protocol.Event, len(c.events))
	copy(result, c.events)
	return result
}

// ForToken returns the captured events correlated with token, in order
func (c *EventCapture) ForToken(token string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range c.Events() {
		if protocol.Correlates(ev, token) {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of events captured
func (c *EventCapture) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Done is closed once the subscription has ended
func (c *EventCapture) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until match reports true for the captured events, the
// subscription ends or ctx is done. It reports whether match was satisfied.
func (c *EventCapture) Wait(ctx context.Context, match func([]protocol.Event) bool) bool {
	for {
		if match(c.Events()) {
			return true
		}
		select {
		case <-c.notify:
		case <-c.done:
			return match(c.Events())
		case <-ctx.Done():
			return false
		}
	}
}
