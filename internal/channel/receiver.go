// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Receiver queues inbound frames in arrival order and hands them out one at a
// time. A background pump pulls from the transport; ReadFrame never touches
// the transport directly, so cancelling a ReadFrame leaves the channel intact.
type Receiver struct {
	mu     sync.Mutex
	queue  []string
	fault  error
	closed bool
	notify chan struct{}

	cancel    context.CancelFunc
	pumpDone  chan struct{}
	closeOnce sync.Once
}

// NewReceiver starts pumping frames from r.
func NewReceiver(r FrameReader) *Receiver {
	ctx, cancel := context.WithCancel(context.Background())
	rc := &Receiver{
		notify:   make(chan struct{}, 1),
		cancel:   cancel,
		pumpDone: make(chan struct{}),
	}
	go rc.pump(ctx, r)
	return rc
}

func (r *Receiver) pump(ctx context.Context, src FrameReader) {
	defer close(r.pumpDone)
	for {
		frame, err := src.ReadNext(ctx)
		if err != nil {
			r.fail(ctx, err)
			return
		}
		r.enqueue(frame)
	}
}

func (r *Receiver) enqueue(frame string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.queue = append(r.queue, frame)
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) fail(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil, errors.Is(err, ErrClosed):
		err = ErrClosed
	case errors.Is(err, io.EOF):
		err = io.EOF
	default:
		getLog().Error().Err(err).Msg("Frame read failed")
		err = fmt.Errorf("%w: read: %w", ErrChannelFault, err)
	}
	r.mu.Lock()
	if r.fault == nil {
		r.fault = err
	}
	r.mu.Unlock()
	r.signal()
}

func (r *Receiver) signal() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// ReadFrame returns the next queued frame, suspending until one arrives.
// It returns ctx.Err() when ctx is done first. Once the transport has failed,
// frames already queued are still delivered; after that the failure is
// returned: io.EOF for a clean end of input, ErrClosed after Close, and an
// error wrapping ErrChannelFault otherwise.
func (r *Receiver) ReadFrame(ctx context.Context) (string, error) {
	for {
		r.mu.Lock()
		if len(r.queue) > 0 {
			frame := r.queue[0]
			r.queue[0] = ""
			r.queue = r.queue[1:]
			more := len(r.queue) > 0
			r.mu.Unlock()
			if more {
				r.signal()
			}
			return frame, nil
		}
		fault := r.fault
		r.mu.Unlock()

		if fault != nil {
			r.signal()
			return "", fault
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.notify:
		}
	}
}

// Done is closed once the pump has stopped reading from the transport.
func (r *Receiver) Done() <-chan struct{} {
	return r.pumpDone
}

// Pending returns the number of queued frames.
func (r *Receiver) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Close stops the pump. Pending and future reads return ErrClosed.
// It is safe to call more than once.
func (r *Receiver) Close() error {
	r.closeOnce.Do(func() {
		r.cancel()
		r.mu.Lock()
		r.closed = true
		r.queue = nil
		r.fault = ErrClosed
		r.mu.Unlock()
		r.signal()
	})
	return nil
}
