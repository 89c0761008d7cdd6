// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds how long the Await helpers wait.
const DefaultWait = 5 * time.Second

// AwaitTerminal waits until the terminal event for token has been captured and
// returns it. The test fails if it does not arrive within DefaultWait.
func AwaitTerminal(t *testing.T, capture *EventCapture, token string) protocol.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()

	var terminal protocol.Event
	ok := capture.Wait(ctx, func(events []protocol.Event) bool {
		for _, ev := range events {
			if protocol.Correlates(ev, token) && protocol.IsTerminal(ev) {
				terminal = ev
				return true
			}
		}
		return false
	})
	require.True(t, ok, "no terminal event for token %q", token)
	return terminal
}

// AssertSucceeded verifies that the terminal event for token is CommandSucceeded
func AssertSucceeded(t *testing.T, capture *EventCapture, token string) {
	t.Helper()
	ev := AwaitTerminal(t, capture, token)
	assert.IsType(t, protocol.CommandSucceeded{}, ev, "command %q did not succeed", token)
}

// AssertFailed verifies that the terminal event for token is CommandFailed and
// returns its message
func AssertFailed(t *testing.T, capture *EventCapture, token string) string {
	t.Helper()
	ev := AwaitTerminal(t, capture, token)
	failed, ok := ev.(protocol.CommandFailed)
	require.True(t, ok, "command %q did not fail, got %T", token, ev)
	return failed.Message
}

// AssertTerminalLast checks that events for token contain exactly one terminal
// event and that it comes last
func AssertTerminalLast(t *testing.T, events []protocol.Event, token string) {
	t.Helper()
	var mine []protocol.Event
	for _, ev := range events {
		if protocol.Correlates(ev, token) {
			mine = append(mine, ev)
		}
	}
	require.NotEmpty(t, mine, "no events for token %q", token)

	terminals := 0
	for _, ev := range mine {
		if protocol.IsTerminal(ev) {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "terminal events for token %q", token)
	assert.True(t, protocol.IsTerminal(mine[len(mine)-1]), "last event for token %q is %s", token, mine[len(mine)-1].EventType())
}

// EventTypes lists the discriminators of events, in order
func EventTypes(events []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}
