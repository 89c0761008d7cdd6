// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package channel provides the duplex frame channel between a front-end and a
// kernel server: a Sender that serializes concurrent writers, a Receiver that
// queues inbound frames in arrival order, and the transports they sit on.
package channel

import (
	"context"
	"errors"
	"sync"

	"github.com/noldarim/kernelwire/internal/logger"

	"github.com/rs/zerolog"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetChannelLogger()
		log = &l
	})
	return log
}

var (
	// ErrChannelFault wraps any transport read or write failure. It is the only
	// error class that is allowed to stop a kernel server.
	ErrChannelFault = errors.New("channel fault")

	// ErrClosed is returned by transports and receivers after Close.
	ErrClosed = errors.New("channel closed")
)

// FrameWriter writes one complete frame.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame string) error
}

// FrameReader yields the next inbound frame, suspending until one is available
// or ctx is done. It returns io.EOF when the peer has finished sending.
type FrameReader interface {
	ReadNext(ctx context.Context) (string, error)
}

// Transport is a bidirectional text frame pipe.
type Transport interface {
	FrameWriter
	FrameReader
	Close() error
}
