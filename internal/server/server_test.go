// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/client"
	"github.com/noldarim/kernelwire/internal/config"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/kernel/calc"
	"github.com/noldarim/kernelwire/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, mutate func(*config.AppConfig)) (*httptest.Server, *kernel.Host) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	host := kernel.NewHost(calc.New())
	srv := New(cfg, host)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
		host.Close()
	})
	return ts, host
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func getJSON(t *testing.T, url string, into any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	return resp.StatusCode
}

func TestServer_Healthz(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var body map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_RequestIDHeader(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get("X-Request-ID"))
}

func TestServer_KernelInfo(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	var info protocol.KernelInfo
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/v1/kernel/info", &info))
	assert.Equal(t, calc.Name, info.LanguageName)
	assert.Equal(t, "1.0", info.LanguageVersion)
	assert.Contains(t, info.SupportedCommands, protocol.SubmitCodeType)
	assert.Contains(t, info.SupportedCommands, protocol.RequestCompletionsType)
}

func TestServer_KernelInfoAfterShutdown(t *testing.T) {
	ts, host := newTestServer(t, nil)
	require.NoError(t, host.Close())

	var body map[string]string
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, ts.URL+"/api/v1/kernel/info", &body))
	assert.NotEmpty(t, body["error"])
}

func TestServer_WebSocketRoundTrip(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)

	c := client.New(channel.NewWebSocketTransport(conn, channel.WebSocketOptions{}))
	go c.Run(context.Background())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	select {
	case <-c.Ready():
	case <-ctx.Done():
		t.Fatal("no KernelReady")
	}

	comp, err := c.SubmitCode(ctx, "let r = 4; r * r")
	require.NoError(t, err)
	require.True(t, comp.Succeeded(), comp.Message())

	var value string
	for _, ev := range comp.Events {
		if rv, ok := ev.(protocol.ReturnValueProduced); ok {
			value = rv.FormattedValues[0].Value
		}
	}
	assert.Equal(t, "16", value)

	var status StatusResponse
	getJSON(t, ts.URL+"/api/v1/status", &status)
	assert.Equal(t, 1, status.Connections)
	assert.Equal(t, 1000, status.MaxConnections)
}

func TestServer_RawFrameOverWebSocket(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))

	codec := protocol.NewCodec()
	readEvent := func() protocol.Event {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := codec.DecodeEvent(string(data))
		require.NoError(t, err)
		return ev
	}

	assert.IsType(t, protocol.KernelReady{}, readEvent())
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("10 - 3")))

	for {
		ev := readEvent()
		if rv, ok := ev.(protocol.ReturnValueProduced); ok {
			assert.Equal(t, "7", rv.FormattedValues[0].Value)
		}
		if protocol.IsTerminal(ev) {
			assert.IsType(t, protocol.CommandSucceeded{}, ev)
			return
		}
	}
}

func TestServer_ConnectionLimit(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.AppConfig) { cfg.Server.MaxClients = 1 })

	first, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = first.ReadMessage()
	require.NoError(t, err, "first client should receive KernelReady")

	second, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = second.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
}

func TestServer_DisallowedOrigin(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.AppConfig) {
		cfg.Server.AllowedOrigins = []string{"https://notebook.example"}
	})

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://notebook.example")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	conn.Close()
}
