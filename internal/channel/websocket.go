// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// WebSocket defaults
	defaultWSReadLimit = DefaultMaxFrameBytes
	defaultPongWait    = 60 * time.Second
	defaultWriteWait   = 10 * time.Second
)

// WebSocketOptions tunes a WebSocketTransport. Zero values select defaults.
type WebSocketOptions struct {
	ReadLimit  int64
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

func (o *WebSocketOptions) applyDefaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultWSReadLimit
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
}

// WebSocketTransport carries one frame per text message.
type WebSocketTransport struct {
	conn *websocket.Conn
	opts WebSocketOptions

	wmu sync.Mutex // gorilla allows a single concurrent writer

	messages chan string
	readErr  error // set before messages is closed

	closed    chan struct{}
	closeOnce sync.Once
}

// NewWebSocketTransport wraps an established connection (server or client side)
// and starts its read and keepalive loops.
func NewWebSocketTransport(conn *websocket.Conn, opts WebSocketOptions) *WebSocketTransport {
	opts.applyDefaults()
	t := &WebSocketTransport{
		conn:     conn,
		opts:     opts,
		messages: make(chan string),
		closed:   make(chan struct{}),
	}
	go t.readPump()
	go t.pingPump()
	return t
}

func (t *WebSocketTransport) readPump() {
	defer close(t.messages)

	t.conn.SetReadLimit(t.opts.ReadLimit)
	t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(t.opts.PongWait))
		return nil
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.readErr = io.EOF
			} else {
				t.readErr = err
			}
			return
		}
		if msgType != websocket.TextMessage {
			getLog().Warn().Int("message_type", msgType).Msg("Ignoring non-text WebSocket message")
			continue
		}
		select {
		case t.messages <- string(data):
		case <-t.closed:
			t.readErr = ErrClosed
			return
		}
	}
}

func (t *WebSocketTransport) pingPump() {
	ticker := time.NewTicker(t.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			t.wmu.Lock()
			t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
			err := t.conn.WriteMessage(websocket.PingMessage, nil)
			t.wmu.Unlock()
			if err != nil {
				getLog().Debug().Err(err).Msg("WebSocket ping failed")
				return
			}
		}
	}
}

// ReadNext returns the next text message.
func (t *WebSocketTransport) ReadNext(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-t.closed:
		return "", ErrClosed
	case msg, ok := <-t.messages:
		if !ok {
			return "", t.endErr()
		}
		return msg, nil
	}
}

// WriteFrame sends frame as one text message.
func (t *WebSocketTransport) WriteFrame(ctx context.Context, frame string) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(t.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the connection.
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.wmu.Lock()
		t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteWait))
		closeErr := t.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.wmu.Unlock()
		if closeErr != nil && !errors.Is(closeErr, websocket.ErrCloseSent) {
			getLog().Debug().Err(closeErr).Msg("WebSocket close frame not sent")
		}
		err = t.conn.Close()
	})
	return err
}

// endErr reports why the read loop stopped. A local Close wins over
// whatever error the torn-down stream produced.
func (t *WebSocketTransport) endErr() error {
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
