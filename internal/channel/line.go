// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// DefaultMaxFrameBytes bounds a single inbound line.
const DefaultMaxFrameBytes = 4 * 1024 * 1024

// LineTransport carries one frame per line over a byte stream such as
// stdin/stdout or a named pipe. Blank lines are ignored.
type LineTransport struct {
	w   io.Writer
	wmu sync.Mutex

	lines   chan string
	readErr error // set before lines is closed

	closers   []io.Closer
	closed    chan struct{}
	closeOnce sync.Once
}

// LineOption configures a LineTransport.
type LineOption func(*lineOptions)

type lineOptions struct {
	maxFrameBytes int
	closers       []io.Closer
}

// WithMaxFrameBytes sets the longest accepted inbound line.
func WithMaxFrameBytes(n int) LineOption {
	return func(o *lineOptions) {
		if n > 0 {
			o.maxFrameBytes = n
		}
	}
}

// WithClosers registers streams closed together with the transport.
func WithClosers(closers ...io.Closer) LineOption {
	return func(o *lineOptions) { o.closers = append(o.closers, closers...) }
}

// NewLineTransport reads frames from r and writes frames to w.
func NewLineTransport(r io.Reader, w io.Writer, opts ...LineOption) *LineTransport {
	o := lineOptions{maxFrameBytes: DefaultMaxFrameBytes}
	for _, opt := range opts {
		opt(&o)
	}
	t := &LineTransport{
		w:       w,
		lines:   make(chan string),
		closers: o.closers,
		closed:  make(chan struct{}),
	}
	go t.scan(r, o.maxFrameBytes)
	return t
}

func (t *LineTransport) scan(r io.Reader, maxFrameBytes int) {
	scanner := bufio.NewScanner(r)
	initial := 64 * 1024
	if initial > maxFrameBytes {
		initial = maxFrameBytes
	}
	scanner.Buffer(make([]byte, initial), maxFrameBytes)

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		select {
		case t.lines <- line:
		case <-t.closed:
			close(t.lines)
			return
		}
	}

	err := scanner.Err()
	switch {
	case err == nil:
		err = io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		err = fmt.Errorf("inbound frame exceeds %d bytes: %w", maxFrameBytes, err)
	}
	t.readErr = err
	close(t.lines)
}

// ReadNext returns the next non-blank line without its terminator.
func (t *LineTransport) ReadNext(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.closed:
		return "", ErrClosed
	case line, ok := <-t.lines:
		if !ok {
			return "", t.endErr()
		}
		return line, nil
	}
}

// WriteFrame writes frame followed by a newline in a single write.
func (t *LineTransport) WriteFrame(ctx context.Context, frame string) error {
	if strings.ContainsAny(frame, "\r\n") {
		return fmt.Errorf("frame contains a line break")
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	_, err := io.WriteString(t.w, frame+"\n")
	return err
}

// Close stops reading and closes any registered streams.
func (t *LineTransport) Close() error {
	var errs []error
	t.closeOnce.Do(func() {
		close(t.closed)
		for _, c := range t.closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// endErr reports why the read loop stopped. A local Close wins over
// whatever error the torn-down stream produced.
func (t *LineTransport) endErr() error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if t.readErr == nil {
		return ErrClosed
	}
	return t.readErr
}
