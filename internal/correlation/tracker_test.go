// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submit(code, token string) protocol.Command {
	return protocol.WithToken(protocol.SubmitCode{Code: code}, token)
}

func returned(cmd protocol.Command, v string) protocol.Event {
	return protocol.ReturnValueProduced{
		EventBase:       protocol.On(cmd),
		FormattedValues: []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: v}},
	}
}

func types(events []protocol.Event) []protocol.EventType {
	out := make([]protocol.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.EventType()
	}
	return out
}

func awaitAsync(t *testing.T, tr *Tracker, token string) <-chan Completion {
	t.Helper()
	out := make(chan Completion, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := tr.Await(ctx, token)
		assert.NoError(t, err)
		out <- c
	}()
	return out
}

func TestTracker_InterleavedTokensResolveSeparately(t *testing.T) {
	tr := NewTracker()
	abc := submit("1 + 1", "abc")
	final := submit("2 + 2", "finalCommand")

	waitFinal := awaitAsync(t, tr, "finalCommand")

	tr.Observe(protocol.CodeSubmissionReceived{EventBase: protocol.On(abc), Code: "1 + 1"})
	tr.Observe(protocol.CodeSubmissionReceived{EventBase: protocol.On(final), Code: "2 + 2"})
	tr.Observe(returned(final, "4"))
	tr.Observe(returned(abc, "2"))
	tr.Observe(protocol.NewCommandSucceeded(abc))
	tr.Observe(protocol.NewCommandSucceeded(final))

	c, err := tr.Await(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, c.Succeeded())
	assert.Equal(t, []protocol.EventType{
		protocol.CodeSubmissionReceivedType,
		protocol.ReturnValueProducedType,
		protocol.CommandSucceededType,
	}, types(c.Events))
	assert.Equal(t, "2", c.Events[1].(protocol.ReturnValueProduced).FormattedValues[0].Value)
	for _, ev := range c.Events {
		assert.Equal(t, "abc", protocol.TokenOf(ev))
	}

	select {
	case fc := <-waitFinal:
		assert.Len(t, fc.Events, 3)
		assert.Equal(t, "4", fc.Events[1].(protocol.ReturnValueProduced).FormattedValues[0].Value)
		assert.Equal(t, fc.Terminal, fc.Events[len(fc.Events)-1])
	case <-time.After(5 * time.Second):
		t.Fatal("finalCommand never completed")
	}
}

func TestTracker_FailureCompletion(t *testing.T) {
	tr := NewTracker()
	cmd := submit("1 / 0", "f")
	tr.Observe(protocol.NewCommandFailed(cmd, "(1,1): error CALC0020: Attempted to divide by zero"))

	c, err := tr.Await(context.Background(), "f")
	require.NoError(t, err)
	assert.False(t, c.Succeeded())
	assert.Contains(t, c.Message(), "divide by zero")
}

func TestTracker_EmptyTokenResolvesOnFirstTokenlessTerminal(t *testing.T) {
	tr := NewTracker()
	tokened := submit("1", "t")
	anon := protocol.SubmitCode{Code: "2"}

	tr.Observe(protocol.NewCommandSucceeded(tokened))
	tr.Observe(returned(anon, "2"))
	tr.Observe(protocol.NewCommandSucceeded(anon))

	c, err := tr.Await(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []protocol.EventType{
		protocol.ReturnValueProducedType,
		protocol.CommandSucceededType,
	}, types(c.Events))
}

func TestTracker_EventsWithoutCommandAreNotTracked(t *testing.T) {
	tr := NewTracker()
	anon := protocol.SubmitCode{Code: "1"}

	tr.Observe(protocol.KernelReady{})
	tr.Observe(protocol.DiagnosticLogEntryProduced{Message: "malformed frame", RawFrame: "{"})
	assert.Empty(t, tr.InFlight())

	tr.Observe(protocol.CodeSubmissionReceived{EventBase: protocol.On(anon), Code: "1"})
	tr.Observe(protocol.NewCommandSucceeded(anon))

	c, err := tr.Await(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []protocol.EventType{
		protocol.CodeSubmissionReceivedType,
		protocol.CommandSucceededType,
	}, types(c.Events))
}

func TestTracker_UnclaimedCompletionsAreBounded(t *testing.T) {
	tr := NewTracker(WithCompletionLimit(3))
	for i := 0; i < 100_000; i++ {
		tr.Observe(protocol.NewCommandSucceeded(submit("x", fmt.Sprintf("other-%d", i))))
	}
	assert.Equal(t, 3, tr.Retained())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Await(ctx, "other-0")
	assert.ErrorIs(t, err, context.DeadlineExceeded, "oldest completion is dropped first")

	c, err := tr.Await(context.Background(), "other-99999")
	require.NoError(t, err)
	assert.Equal(t, "other-99999", protocol.TokenOf(c.Terminal))
	assert.Equal(t, 2, tr.Retained())
}

func TestTracker_DefaultCompletionLimit(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < defaultCompletionLimit+10; i++ {
		tr.Observe(protocol.NewCommandSucceeded(submit("x", "same")))
	}
	assert.Equal(t, defaultCompletionLimit, tr.Retained())
	assert.Len(t, tr.done["same"], defaultCompletionLimit)
}

func TestTracker_EachCompletionGoesToOneAwait(t *testing.T) {
	tr := NewTracker()
	first := protocol.SubmitCode{Code: "1"}
	second := protocol.SubmitCode{Code: "2"}
	tr.Observe(returned(first, "1"))
	tr.Observe(protocol.NewCommandSucceeded(first))
	tr.Observe(returned(second, "2"))
	tr.Observe(protocol.NewCommandSucceeded(second))

	c1, err := tr.Await(context.Background(), "")
	require.NoError(t, err)
	c2, err := tr.Await(context.Background(), "")
	require.NoError(t, err)

	assert.Equal(t, "1", c1.Events[0].(protocol.ReturnValueProduced).FormattedValues[0].Value)
	assert.Equal(t, "2", c2.Events[0].(protocol.ReturnValueProduced).FormattedValues[0].Value)
}

func TestTracker_AwaitCancelled(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Await(ctx, "never")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A later completion is still available to a new Await.
	tr.Observe(protocol.NewCommandSucceeded(submit("x", "never")))
	c, err := tr.Await(context.Background(), "never")
	require.NoError(t, err)
	assert.True(t, c.Succeeded())
}

func TestTracker_Close(t *testing.T) {
	tr := NewTracker()
	tr.Observe(protocol.NewCommandSucceeded(submit("x", "kept")))

	errs := make(chan error, 1)
	go func() {
		_, err := tr.Await(context.Background(), "waiting")
		errs <- err
	}()
	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return len(tr.waiters["waiting"]) == 1
	}, time.Second, time.Millisecond)

	tr.Close()
	tr.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrTrackerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Await not released by Close")
	}

	c, err := tr.Await(context.Background(), "kept")
	require.NoError(t, err)
	assert.True(t, c.Succeeded())

	_, err = tr.Await(context.Background(), "other")
	assert.ErrorIs(t, err, ErrTrackerClosed)
}

func TestTracker_RunEndsWithStream(t *testing.T) {
	tr := NewTracker()
	events := make(chan protocol.Event)
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(context.Background(), events) }()

	cmd := submit("1", "r")
	wait := awaitAsync(t, tr, "r")
	events <- returned(cmd, "1")
	events <- protocol.NewCommandSucceeded(cmd)
	<-wait

	events <- returned(submit("2", "open"), "2")
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"open"}, tr.InFlight())
	}, time.Second, time.Millisecond)

	close(events)
	require.NoError(t, <-runErr)

	_, err := tr.Await(context.Background(), "open")
	assert.ErrorIs(t, err, ErrStreamEnded)
}

func TestTracker_RunStopsOnContext(t *testing.T) {
	tr := NewTracker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, tr.Run(ctx, make(chan protocol.Event)), context.Canceled)
}

func TestTracker_BufferLimit(t *testing.T) {
	tr := NewTracker(WithBufferLimit(2))
	cmd := submit("x", "b")
	for _, v := range []string{"1", "2", "3"} {
		tr.Observe(returned(cmd, v))
	}
	tr.Observe(protocol.NewCommandSucceeded(cmd))

	c, err := tr.Await(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, c.Events, 3)
	assert.Equal(t, "2", c.Events[0].(protocol.ReturnValueProduced).FormattedValues[0].Value)
	assert.True(t, protocol.IsTerminal(c.Events[2]))
}

func TestTracker_ConcurrentTokens(t *testing.T) {
	tr := NewTracker()
	const n = 50

	var wg sync.WaitGroup
	results := make([]Completion, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c, err := tr.Await(ctx, string(rune('A'+i)))
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}

	for i := n - 1; i >= 0; i-- {
		cmd := submit("x", string(rune('A'+i)))
		tr.Observe(returned(cmd, string(rune('A'+i))))
		tr.Observe(protocol.NewCommandSucceeded(cmd))
	}
	wg.Wait()

	for i, c := range results {
		require.Len(t, c.Events, 2)
		assert.Equal(t, string(rune('A'+i)), protocol.TokenOf(c.Terminal))
	}
}
