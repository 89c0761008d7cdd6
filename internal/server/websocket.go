// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/trace"
)

const defaultMaxClients = 1000

// WebSocketConfig tunes the /ws endpoint.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxFrameBytes  int64
	PingPeriod     time.Duration
	WriteTimeout   time.Duration
	Codec          *protocol.Codec
	Tracer         trace.Tracer
}

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := lo.SliceToMap(allowedOrigins, func(o string) (string, struct{}) { return o, struct{}{} })

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			_, ok := allowed[r.Header.Get("Origin")]
			return ok
		},
	}
}

// wsConn is one connected front-end with its own kernel server.
type wsConn struct {
	remote    string
	transport *channel.WebSocketTransport
	server    *KernelServer
}

func (c *wsConn) close() {
	c.server.Dispose()
	c.transport.Close()
}

// ConnectionRegistry tracks live WebSocket connections and enforces the
// client limit.
type ConnectionRegistry struct {
	mu     sync.Mutex
	max    int
	conns  map[*wsConn]struct{}
	closed bool
}

// NewConnectionRegistry creates a registry admitting at most max connections.
func NewConnectionRegistry(max int) *ConnectionRegistry {
	if max <= 0 {
		max = defaultMaxClients
	}
	return &ConnectionRegistry{max: max, conns: make(map[*wsConn]struct{})}
}

func (r *ConnectionRegistry) add(c *wsConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.conns) >= r.max {
		return false
	}
	r.conns[c] = struct{}{}
	return true
}

func (r *ConnectionRegistry) remove(c *wsConn) {
	r.mu.Lock()
	delete(r.conns, c)
	r.mu.Unlock()
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Max returns the connection limit.
func (r *ConnectionRegistry) Max() int {
	return r.max
}

// CloseAll stops every connection and refuses new ones.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	conns := lo.Keys(r.conns)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

// HandleWebSocket upgrades the request and runs a KernelServer for the
// connection until either side closes it.
func HandleWebSocket(k kernel.Kernel, registry *ConnectionRegistry, cfg WebSocketConfig) http.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getAPILog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		transport := channel.NewWebSocketTransport(conn, channel.WebSocketOptions{
			ReadLimit:  cfg.MaxFrameBytes,
			PingPeriod: cfg.PingPeriod,
			WriteWait:  cfg.WriteTimeout,
		})
		opts := []KernelServerOption{
			WithName("ws:" + r.RemoteAddr),
			WithCodec(cfg.Codec),
			WithDrainTimeout(0),
		}
		if cfg.Tracer != nil {
			opts = append(opts, WithTracer(cfg.Tracer))
		}
		client := &wsConn{
			remote:    r.RemoteAddr,
			transport: transport,
			server:    NewKernelServer(k, transport, opts...),
		}

		if !registry.add(client) {
			getAPILog().Warn().Str("remote", r.RemoteAddr).Msg("WebSocket connection limit reached")
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"),
				time.Now().Add(time.Second))
			client.close()
			return
		}
		getAPILog().Info().
			Str("remote", r.RemoteAddr).
			Str("request_id", GetRequestID(r.Context())).
			Msg("WebSocket client connected")

		defer func() {
			registry.remove(client)
			client.close()
			getAPILog().Info().Str("remote", client.remote).Msg("WebSocket client disconnected")
		}()

		// The request context ends with the handler; the loop is stopped
		// through the registry or by the peer instead.
		if err := client.server.Run(context.WithoutCancel(r.Context())); err != nil {
			getAPILog().Warn().Err(err).Str("remote", client.remote).Msg("WebSocket kernel server failed")
		}
	}
}
