// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/correlation"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every SubmitCode with its code as return value and
// succeeds every other command. It announces KernelReady first.
func echoServer(t *testing.T, end channel.Transport) {
	t.Helper()
	codec := protocol.NewCodec()
	sender := channel.NewSender(end, codec)
	ctx := context.Background()

	go func() {
		_ = sender.SendEvent(ctx, protocol.KernelReady{})
		for {
			frame, err := end.ReadNext(ctx)
			if err != nil {
				return
			}
			cmd, err := codec.DecodeCommand(frame)
			if err != nil {
				_ = sender.SendEvent(ctx, protocol.DiagnosticLogEntryProduced{Message: err.Error(), RawFrame: frame})
				continue
			}
			if sc, ok := cmd.(protocol.SubmitCode); ok {
				_ = sender.SendEvent(ctx, protocol.ReturnValueProduced{
					EventBase:       protocol.On(cmd),
					FormattedValues: []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: sc.Code}},
				})
				if sc.Code == "fail" {
					_ = sender.SendEvent(ctx, protocol.NewCommandFailed(cmd, "failed on purpose"))
					continue
				}
			}
			_ = sender.SendEvent(ctx, protocol.NewCommandSucceeded(cmd))
		}
	}()
}

func startClient(t *testing.T, opts ...Option) (*Client, <-chan error) {
	t.Helper()
	clientEnd, serverEnd := channel.NewPipe()
	echoServer(t, serverEnd)

	c := New(clientEnd, opts...)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()
	t.Cleanup(func() { c.Close() })

	select {
	case <-c.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never announced KernelReady")
	}
	return c, done
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_SubmitCode(t *testing.T) {
	c, _ := startClient(t)

	comp, err := c.SubmitCode(ctxTimeout(t), "1 + 1")
	require.NoError(t, err)
	assert.True(t, comp.Succeeded())
	require.Len(t, comp.Events, 2)
	assert.Equal(t, "1 + 1", comp.Events[0].(protocol.ReturnValueProduced).FormattedValues[0].Value)

	token := protocol.TokenOf(comp.Terminal)
	assert.NotEmpty(t, token, "client assigns a token")
	assert.Equal(t, token, protocol.TokenOf(comp.Events[0]))
}

func TestClient_AssignsTokenWhenMissing(t *testing.T) {
	c, _ := startClient(t)
	sent, err := c.Send(ctxTimeout(t), protocol.SubmitCode{Code: "1"})
	require.NoError(t, err)
	assert.True(t, sent.GetBaseMessage().HasToken())
	assert.Len(t, protocol.TokenOfCommand(sent), 36)
}

func TestClient_KeepsCallerToken(t *testing.T) {
	c, _ := startClient(t)

	sent, err := c.Send(ctxTimeout(t), protocol.WithToken(protocol.RequestKernelInfo{}, "mine"))
	require.NoError(t, err)
	assert.Equal(t, "mine", protocol.TokenOfCommand(sent))

	comp, err := c.Await(ctxTimeout(t), "mine")
	require.NoError(t, err)
	assert.True(t, comp.Succeeded())
}

func TestClient_Failure(t *testing.T) {
	c, _ := startClient(t)

	comp, err := c.SubmitCode(ctxTimeout(t), "fail")
	require.NoError(t, err)
	assert.False(t, comp.Succeeded())
	assert.Equal(t, "failed on purpose", comp.Message())
}

func TestClient_ConcurrentCommands(t *testing.T) {
	c, _ := startClient(t)
	ctx := ctxTimeout(t)

	codes := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	var wg sync.WaitGroup
	for _, code := range codes {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			comp, err := c.SubmitCode(ctx, code)
			if assert.NoError(t, err) {
				assert.Equal(t, code, comp.Events[0].(protocol.ReturnValueProduced).FormattedValues[0].Value)
			}
		}(code)
	}
	wg.Wait()
}

func TestClient_EventHandlerSeesEverything(t *testing.T) {
	var mu sync.Mutex
	var seen []protocol.EventType
	c, _ := startClient(t, WithEventHandler(func(ev protocol.Event) {
		mu.Lock()
		seen = append(seen, ev.EventType())
		mu.Unlock()
	}))

	_, err := c.SubmitCode(ctxTimeout(t), "x")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []protocol.EventType{
		protocol.KernelReadyType,
		protocol.ReturnValueProducedType,
		protocol.CommandSucceededType,
	}, seen)
}

func TestClient_RunEndsWhenServerCloses(t *testing.T) {
	clientEnd, serverEnd := channel.NewPipe()
	c := New(clientEnd)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	waitErr := make(chan error, 1)
	go func() {
		_, err := c.Await(context.Background(), "pending")
		waitErr <- err
	}()

	require.NoError(t, serverEnd.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, correlation.ErrStreamEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("Await did not return")
	}
}

func TestClient_SendAfterClose(t *testing.T) {
	c, done := startClient(t)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	select {
	case <-c.receiver.Done():
	default:
		t.Fatal("Close returned while the transport was still being read")
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}

	_, err := c.Send(ctxTimeout(t), protocol.SubmitCode{Code: "1"})
	assert.ErrorIs(t, err, channel.ErrChannelFault)
}
