// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server connects front-ends to a kernel. KernelServer runs the
// protocol loop over one channel: it decodes inbound command frames, submits
// them to the kernel and forwards every kernel event back as an event frame.
// Server exposes the same loop over WebSocket connections next to a small
// HTTP API.
package server

import (
	"context"
	"errors"
	"sync"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/logger"
	"github.com/noldarim/kernelwire/internal/protocol"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once

	apiLog     *zerolog.Logger
	apiLogOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetServerLogger()
		log = &l
	})
	return log
}

func getAPILog() *zerolog.Logger {
	apiLogOnce.Do(func() {
		l := logger.GetAPILogger()
		apiLog = &l
	})
	return apiLog
}

// eventForwarder reads the kernel's merged event stream and writes every event
// to one channel, preserving kernel order.
type eventForwarder struct {
	events  <-chan protocol.Event
	sender  *channel.Sender
	settled func(protocol.Event)
}

func newEventForwarder(sub kernel.Subscription, sender *channel.Sender, settled func(protocol.Event)) *eventForwarder {
	return &eventForwarder{events: sub.Events(), sender: sender, settled: settled}
}

// Run forwards events until the subscription ends or ctx is done. It returns
// the first send failure.
func (f *eventForwarder) Run(ctx context.Context) error {
	for {
		select {
		case ev, ok := <-f.events:
			if !ok {
				getLog().Debug().Msg("Event forwarder stopped (subscription closed)")
				return nil
			}
			if err := f.dispatch(ctx, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			getLog().Debug().Msg("Event forwarder stopped (context cancelled)")
			return nil
		}
	}
}

func (f *eventForwarder) dispatch(ctx context.Context, ev protocol.Event) error {
	if err := f.sender.SendEvent(ctx, ev); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, channel.ErrChannelFault) {
			return err
		}
		// Encoding failures affect one event only.
		getLog().Error().Err(err).Str("event_type", string(ev.EventType())).Msg("Dropping event that could not be encoded")
	}
	if protocol.IsTerminal(ev) && f.settled != nil {
		f.settled(ev)
	}
	return nil
}
