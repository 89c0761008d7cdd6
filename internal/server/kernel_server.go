// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/noldarim/kernelwire/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrAlreadyStarted is returned by Run when the server has already run.
var ErrAlreadyStarted = errors.New("kernel server already started")

const (
	dispatchSpanName    = "kernelwire.dispatch"
	defaultDrainTimeout = time.Minute
)

// State is the position of a KernelServer in its loop.
type State int32

const (
	StateIdle State = iota
	StateReadingFrame
	StateDecoding
	StateDispatching
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReadingFrame:
		return "reading_frame"
	case StateDecoding:
		return "decoding"
	case StateDispatching:
		return "dispatching"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// KernelServerOption configures a KernelServer.
type KernelServerOption func(*KernelServer)

// WithCodec sets the codec used for both directions.
func WithCodec(c *protocol.Codec) KernelServerOption {
	return func(s *KernelServer) { s.codec = c }
}

// WithTracer sets the tracer for dispatch spans. The global tracer provider
// is used otherwise.
func WithTracer(t trace.Tracer) KernelServerOption {
	return func(s *KernelServer) { s.tracer = t }
}

// WithDrainTimeout bounds how long Run waits, after the peer has finished
// sending, for the commands it dispatched to complete. Zero stops at once.
func WithDrainTimeout(d time.Duration) KernelServerOption {
	return func(s *KernelServer) { s.drainTimeout = d }
}

// WithName labels the server in logs.
func WithName(name string) KernelServerOption {
	return func(s *KernelServer) { s.name = name }
}

// KernelServer runs the protocol loop for one channel. Frames are read and
// decoded one at a time; commands are submitted to the kernel without waiting
// for them to finish, so a long running command never blocks a Cancel.
type KernelServer struct {
	kernel   kernel.Kernel
	codec    *protocol.Codec
	sender   *channel.Sender
	receiver *channel.Receiver
	tracer   trace.Tracer
	name     string

	drainTimeout time.Duration

	state   atomic.Int32
	started atomic.Bool

	mu       sync.Mutex
	sub      kernel.Subscription
	disposed bool
	inflight map[string]int
	drained  chan struct{}

	qmu   sync.Mutex
	queue []submission
	qwake chan struct{}
}

// NewKernelServer creates a server for k over t. The receiver starts reading
// from t immediately; call Run to start processing.
func NewKernelServer(k kernel.Kernel, t channel.Transport, opts ...KernelServerOption) *KernelServer {
	s := &KernelServer{
		kernel:       k,
		name:         "kernel-server",
		drainTimeout: defaultDrainTimeout,
		inflight:     make(map[string]int),
		qwake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.codec == nil {
		s.codec = protocol.NewCodec()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(telemetry.TracerName)
	}
	s.sender = channel.NewSender(t, s.codec)
	s.receiver = channel.NewReceiver(t)
	return s
}

// State returns the current loop state.
func (s *KernelServer) State() State {
	return State(s.state.Load())
}

func (s *KernelServer) setState(st State) {
	s.state.Store(int32(st))
}

// Run subscribes to the kernel, announces KernelReady and processes frames
// until ctx is done, the peer finishes sending, or the channel fails. Only a
// channel failure is returned as an error. Run disposes the server on return.
func (s *KernelServer) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer s.Dispose()

	sub := s.subscribe()
	if sub == nil {
		s.setState(StateStopped)
		return nil
	}

	loopCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	// KernelReady goes out before any forwarded event.
	if err := s.sender.SendEvent(loopCtx, protocol.KernelReady{}); err != nil {
		s.setState(StateStopped)
		return s.exitError(ctx, loopCtx, err)
	}
	getLog().Info().Str("server", s.name).Msg("Kernel server ready")

	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		s.submitter(loopCtx)
	}()

	fwdDone := make(chan struct{})
	go func() {
		defer close(fwdDone)
		if err := newEventForwarder(sub, s.sender, s.settle).Run(loopCtx); err != nil {
			stop(err)
		}
	}()

	err := s.loop(loopCtx)
	if errors.Is(err, io.EOF) {
		s.drain(loopCtx)
	}
	stop(nil)
	<-subDone
	<-fwdDone
	s.setState(StateStopped)

	err = s.exitError(ctx, loopCtx, err)
	if err != nil {
		getLog().Error().Err(err).Str("server", s.name).Msg("Kernel server stopped on channel fault")
	} else {
		getLog().Info().Str("server", s.name).Msg("Kernel server stopped")
	}
	return err
}

func (s *KernelServer) loop(ctx context.Context) error {
	for {
		s.setState(StateReadingFrame)
		frame, err := s.receiver.ReadFrame(ctx)
		if err != nil {
			return err
		}
		s.setState(StateDecoding)
		s.process(ctx, frame)
		s.setState(StateIdle)
	}
}

// exitError maps the reason the loop ended to Run's result.
func (s *KernelServer) exitError(parent, loopCtx context.Context, err error) error {
	if parent.Err() != nil {
		return nil
	}
	if cause := context.Cause(loopCtx); cause != nil && errors.Is(cause, channel.ErrChannelFault) {
		return cause
	}
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, channel.ErrClosed) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process decodes and dispatches one frame. Nothing that goes wrong with a
// single frame stops the loop.
func (s *KernelServer) process(ctx context.Context, frame string) {
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("server", s.name).
				Msg("Recovered from panic while handling frame")
			s.diagnose(ctx, fmt.Sprintf("Internal error while handling frame: %v", r), frame)
		}
	}()

	env, err := s.codec.Decode(frame)
	if err != nil {
		getLog().Warn().Err(err).Str("server", s.name).Msg("Undecodable frame")
		s.diagnose(ctx, err.Error(), frame)
		return
	}
	if !env.IsCommand() {
		s.diagnose(ctx, fmt.Sprintf("Unexpected %s event: only commands are accepted", env.Event.EventType()), frame)
		return
	}

	s.setState(StateDispatching)
	s.dispatch(ctx, env.Command)
}

// dispatch hands cmd to the submitter. Cancel skips the queue so that it is
// never held up behind the command it targets.
func (s *KernelServer) dispatch(ctx context.Context, cmd protocol.Command) {
	token := protocol.TokenOfCommand(cmd)
	_, span := s.tracer.Start(ctx, dispatchSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("kernelwire.command_type", string(cmd.CommandType())),
			attribute.String("kernelwire.token", token),
		))

	s.track(token)
	sub := submission{cmd: cmd, span: span}
	if _, ok := cmd.(protocol.Cancel); ok {
		go s.submit(ctx, sub)
		return
	}

	s.qmu.Lock()
	s.queue = append(s.queue, sub)
	s.qmu.Unlock()
	select {
	case s.qwake <- struct{}{}:
	default:
	}
}

type submission struct {
	cmd  protocol.Command
	span trace.Span
}

// submitter submits queued commands in arrival order until ctx is done.
func (s *KernelServer) submitter(ctx context.Context) {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			select {
			case <-s.qwake:
				continue
			case <-ctx.Done():
				s.abandonQueued()
				return
			}
		}
		next := s.queue[0]
		s.queue[0] = submission{}
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		s.submit(ctx, next)
	}
}

func (s *KernelServer) abandonQueued() {
	s.qmu.Lock()
	queued := s.queue
	s.queue = nil
	s.qmu.Unlock()
	for _, q := range queued {
		q.span.SetStatus(codes.Error, "server stopped before submission")
		q.span.End()
		s.untrack(protocol.TokenOfCommand(q.cmd))
	}
}

func (s *KernelServer) submit(ctx context.Context, sub submission) {
	defer sub.span.End()
	if err := s.submitSafely(ctx, sub.cmd); err != nil {
		token := protocol.TokenOfCommand(sub.cmd)
		sub.span.RecordError(err)
		sub.span.SetStatus(codes.Error, err.Error())
		s.untrack(token)
		getLog().Warn().Err(err).Str("token", token).Msg("Kernel rejected command")

		if sendErr := s.sender.SendEvent(ctx, protocol.NewCommandFailed(sub.cmd, submitFailure(err))); sendErr != nil {
			getLog().Debug().Err(sendErr).Msg("Could not report rejected command")
		}
	}
}

func (s *KernelServer) submitSafely(ctx context.Context, cmd protocol.Command) (err error) {
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Str("server", s.name).
				Msg("Recovered from panic in kernel submit")
			err = fmt.Errorf("Kernel error: %v", r)
		}
	}()
	return s.kernel.Submit(ctx, cmd)
}

func submitFailure(err error) string {
	if errors.Is(err, kernel.ErrKernelClosed) {
		return "Kernel is shutting down."
	}
	return kernel.UserMessage(err.Error())
}

// diagnose sends a log entry that belongs to no command.
func (s *KernelServer) diagnose(ctx context.Context, message, frame string) {
	ev := protocol.DiagnosticLogEntryProduced{Message: message, RawFrame: frame}
	if err := s.sender.SendEvent(ctx, ev); err != nil {
		getLog().Debug().Err(err).Msg("Could not send diagnostic")
	}
}

func (s *KernelServer) subscribe() kernel.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.sub = s.kernel.Subscribe()
	return s.sub
}

// track counts a dispatched command until its terminal event is forwarded.
func (s *KernelServer) track(token string) {
	s.mu.Lock()
	s.inflight[token]++
	s.mu.Unlock()
}

func (s *KernelServer) untrack(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[token] > 1 {
		s.inflight[token]--
	} else {
		delete(s.inflight, token)
	}
	if len(s.inflight) == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

func (s *KernelServer) settle(ev protocol.Event) {
	token := protocol.TokenOf(ev)
	s.mu.Lock()
	_, ours := s.inflight[token]
	s.mu.Unlock()
	if ours {
		s.untrack(token)
	}
}

// drain waits for dispatched commands to complete so that their events reach
// the peer before the loop stops.
func (s *KernelServer) drain(ctx context.Context) {
	if s.drainTimeout <= 0 {
		return
	}
	s.mu.Lock()
	if len(s.inflight) == 0 {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.drained = done
	pending := len(s.inflight)
	s.mu.Unlock()

	getLog().Debug().Int("tokens", pending).Str("server", s.name).Msg("Waiting for dispatched commands")
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		getLog().Warn().Int("tokens", pending).Str("server", s.name).Msg("Stopped before dispatched commands completed")
	case <-ctx.Done():
	}
}

// Dispose closes the receiver and releases the kernel subscription. It is
// safe to call more than once and from any goroutine; a running loop stops.
func (s *KernelServer) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	sub := s.sub
	s.mu.Unlock()

	s.receiver.Close()
	if sub != nil {
		sub.Close()
	}
}
