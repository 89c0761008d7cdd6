// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"io"
	"sync"
)

// defaultPipeBuffer is the number of frames a pipe direction holds before
// WriteFrame blocks.
const defaultPipeBuffer = 256

// PipeEnd is one side of an in-memory duplex frame pipe.
type PipeEnd struct {
	in  <-chan string
	out chan<- string

	closed    chan struct{} // shared by both ends
	closeOnce *sync.Once
}

// NewPipe returns two connected transports: frames written to one are read
// from the other. Closing either end closes the pipe; the peer then reads
// io.EOF once its buffered frames are drained.
func NewPipe() (*PipeEnd, *PipeEnd) {
	return NewPipeSize(defaultPipeBuffer)
}

// NewPipeSize is NewPipe with an explicit per-direction buffer.
func NewPipeSize(buffer int) (*PipeEnd, *PipeEnd) {
	ab := make(chan string, buffer)
	ba := make(chan string, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a := &PipeEnd{in: ba, out: ab, closed: closed, closeOnce: once}
	b := &PipeEnd{in: ab, out: ba, closed: closed, closeOnce: once}
	return a, b
}

// ReadNext returns the next frame written by the peer.
func (p *PipeEnd) ReadNext(ctx context.Context) (string, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case frame := <-p.in:
		return frame, nil
	case <-p.closed:
		select {
		case frame := <-p.in:
			return frame, nil
		default:
			return "", io.EOF
		}
	}
}

// WriteFrame hands frame to the peer, blocking while its buffer is full.
func (p *PipeEnd) WriteFrame(ctx context.Context, frame string) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	case p.out <- frame:
		return nil
	}
}

// Close closes the pipe for both ends.
func (p *PipeEnd) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
