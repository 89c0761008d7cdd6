// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/noldarim/kernelwire/internal/protocol"
)

// Sender encodes commands and events and writes them as single frames.
// It is safe for concurrent use; writes are serialized so that frames are
// never interleaved.
type Sender struct {
	mu    sync.Mutex
	w     FrameWriter
	codec *protocol.Codec
}

// NewSender creates a sender writing to w.
func NewSender(w FrameWriter, codec *protocol.Codec) *Sender {
	if codec == nil {
		codec = protocol.NewCodec()
	}
	return &Sender{w: w, codec: codec}
}

// SendCommand writes cmd as one command envelope frame.
func (s *Sender) SendCommand(ctx context.Context, cmd protocol.Command) error {
	frame, err := s.codec.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

// SendEvent writes ev as one event envelope frame.
func (s *Sender) SendEvent(ctx context.Context, ev protocol.Event) error {
	frame, err := s.codec.EncodeEvent(ev)
	if err != nil {
		return err
	}
	return s.write(ctx, frame)
}

func (s *Sender) write(ctx context.Context, frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.w.WriteFrame(ctx, frame); err != nil {
		getLog().Error().Err(err).Int("frame_bytes", len(frame)).Msg("Frame write failed")
		return fmt.Errorf("%w: write: %w", ErrChannelFault, err)
	}
	getLog().Trace().Int("frame_bytes", len(frame)).Msg("Frame written")
	return nil
}
