// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kernel defines the execution back-end a kernel server drives: the
// Kernel contract, an event Bus, and Host, which runs an Engine one command at
// a time and reports every outcome as protocol events.
package kernel

import (
	"context"
	"errors"
	"sync"

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
		l := logger.GetKernelLogger()
		log = &l
	})
	return log
}

// ErrKernelClosed is returned by Submit after the kernel has shut down.
var ErrKernelClosed = errors.New("kernel closed")

// Kernel accepts commands and reports their progress on a merged event stream.
// Submit returns once the command is accepted; its outcome arrives as events,
// ending with exactly one CommandSucceeded or CommandFailed.
type Kernel interface {
	Submit(ctx context.Context, cmd protocol.Command) error
	Subscribe() Subscription
}

// Subscription is one consumer's view of a kernel's event stream. Events are
// delivered in publication order. The channel is closed after Close or when
// the kernel shuts down.
type Subscription interface {
	Events() <-chan protocol.Event
	Close()
}
