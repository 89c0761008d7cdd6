// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"context"
	"testing"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/stretchr/testify/require"
)

// FramePeer is the far side of an in-memory channel, speaking envelopes
type FramePeer struct {
	t     *testing.T
	end   *channel.PipeEnd
	codec *protocol.Codec
}

// NewFramePeer creates a pipe and returns the transport for the code under
// test together with a peer that reads and writes envelopes on the other end
func NewFramePeer(t *testing.T) (channel.Transport, *FramePeer) {
	local, remote := channel.NewPipe()
	t.Cleanup(func() { remote.Close() })
	return local, &FramePeer{t: t, end: remote, codec: protocol.NewCodec()}
}

// SendRaw writes frame unchanged
func (p *FramePeer) SendRaw(frame string) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()
	require.NoError(p.t, p.end.WriteFrame(ctx, frame))
}

// Send encodes and writes cmd
func (p *FramePeer) Send(cmd protocol.Command) {
	p.t.Helper()
	frame, err := p.codec.EncodeCommand(cmd)
	require.NoError(p.t, err)
	p.SendRaw(frame)
}

// Next reads and decodes the next event
func (p *FramePeer) Next() protocol.Event {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWait)
	defer cancel()
	frame, err := p.end.ReadNext(ctx)
	require.NoError(p.t, err)
	ev, err := p.codec.DecodeEvent(frame)
	require.NoError(p.t, err, "frame %s", frame)
	return ev
}

// Until reads events up to and including the terminal event for token and
// returns the ones correlated with it
func (p *FramePeer) Until(token string) []protocol.Event {
	p.t.Helper()
	var out []protocol.Event
	for {
		ev := p.Next()
		if !protocol.Correlates(ev, token) {
			continue
		}
		out = append(out, ev)
		if protocol.IsTerminal(ev) {
			return out
		}
	}
}

// Close closes the peer's end, which the other side reads as end of input
func (p *FramePeer) Close() {
	p.end.Close()
}
