// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package client is the front-end side of the kernel protocol. A Client sends
// commands over a transport, reads the event frames coming back and resolves
// each command's completion by token.
package client

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/correlation"
	"github.com/noldarim/kernelwire/internal/logger"
	"github.com/noldarim/kernelwire/internal/protocol"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetClientLogger()
		log = &l
	})
	return log
}

// EventHandler is called for every inbound event, in arrival order, before the
// event is handed to the tracker.
type EventHandler func(protocol.Event)

// Option configures a Client.
type Option func(*Client)

// WithEventHandler registers h to see every inbound event.
func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.handlers = append(c.handlers, h) }
}

// WithTracker replaces the default tracker.
func WithTracker(t *correlation.Tracker) Option {
	return func(c *Client) { c.tracker = t }
}

// Client drives a kernel server over a transport.
type Client struct {
	transport channel.Transport
	codec     *protocol.Codec
	sender    *channel.Sender
	receiver  *channel.Receiver
	tracker   *correlation.Tracker
	handlers  []EventHandler

	ready     chan struct{}
	readyOnce sync.Once
	closeOnce sync.Once
}

// New wraps t. Call Run to start reading events.
func New(t channel.Transport, opts ...Option) *Client {
	codec := protocol.NewCodec(protocol.WithRawSubmissions(false))
	c := &Client{
		transport: t,
		codec:     codec,
		sender:    channel.NewSender(t, codec),
		receiver:  channel.NewReceiver(t),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracker == nil {
		c.tracker = correlation.NewTracker()
	}
	return c
}

// Run reads event frames until the server closes the channel, ctx is done or
// the client is closed. Frames that are not events are logged and skipped.
// A clean end of input and cancellation return nil.
func (c *Client) Run(ctx context.Context) error {
	for {
		frame, err := c.receiver.ReadFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, channel.ErrClosed):
				c.tracker.Close()
				return nil
			case errors.Is(err, io.EOF):
				c.tracker.CloseWithError(correlation.ErrStreamEnded)
				return nil
			default:
				c.tracker.CloseWithError(err)
				return err
			}
		}

		ev, err := c.codec.DecodeEvent(frame)
		if err != nil {
			getLog().Warn().Err(err).Msg("Skipping inbound frame")
			continue
		}
		if _, ok := ev.(protocol.KernelReady); ok {
			c.readyOnce.Do(func() { close(c.ready) })
		}
		for _, h := range c.handlers {
			h(ev)
		}
		c.tracker.Observe(ev)
	}
}

// Ready is closed when the server has announced KernelReady.
func (c *Client) Ready() <-chan struct{} {
	return c.ready
}

// Send writes cmd and returns it as sent. A command without a token is given
// a fresh random one so that its events can be told apart.
func (c *Client) Send(ctx context.Context, cmd protocol.Command) (protocol.Command, error) {
	if !cmd.GetBaseMessage().HasToken() {
		cmd = protocol.WithToken(cmd, uuid.NewString())
	}
	if err := c.sender.SendCommand(ctx, cmd); err != nil {
		return nil, err
	}
	getLog().Debug().
		Str("command_type", string(cmd.CommandType())).
		Str("token", protocol.TokenOfCommand(cmd)).
		Msg("Command sent")
	return cmd, nil
}

// Await waits for the completion of the command carrying token.
func (c *Client) Await(ctx context.Context, token string) (correlation.Completion, error) {
	return c.tracker.Await(ctx, token)
}

// Execute sends cmd and waits for its terminal event.
func (c *Client) Execute(ctx context.Context, cmd protocol.Command) (correlation.Completion, error) {
	sent, err := c.Send(ctx, cmd)
	if err != nil {
		return correlation.Completion{}, err
	}
	return c.Await(ctx, protocol.TokenOfCommand(sent))
}

// SubmitCode runs code and waits for it to finish.
func (c *Client) SubmitCode(ctx context.Context, code string) (correlation.Completion, error) {
	return c.Execute(ctx, protocol.SubmitCode{Code: code, SubmissionType: protocol.SubmissionRun})
}

// Cancel asks the kernel to stop the command carrying token ("" for whatever
// is running) and waits for the Cancel command itself to complete.
func (c *Client) Cancel(ctx context.Context, token string) (correlation.Completion, error) {
	return c.Execute(ctx, protocol.Cancel{TargetToken: token})
}

// Close stops reading and closes the transport. Outstanding Await calls
// return correlation.ErrTrackerClosed. It returns once the transport is no
// longer being read.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.receiver.Close()
		c.tracker.Close()
		err = c.transport.Close()
		<-c.receiver.Done()
	})
	return err
}
