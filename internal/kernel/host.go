// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package kernel

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/samber/lo"
)

const (
	cancelledMessage = "Command cancelled."
	shutdownMessage  = "Kernel is shutting down."
)

var (
	errCancelled = errors.New("command cancelled")
	errTimedOut  = errors.New("command timed out")
	errShutdown  = errors.New("kernel shutting down")
)

// Host runs an Engine behind the Kernel contract. Commands execute one at a
// time in submission order on a worker goroutine. Cancel is handled as soon as
// it is submitted. Every accepted command ends with exactly one terminal
// event, after which nothing else correlated to it is published.
type Host struct {
	engine    Engine
	bus       *Bus
	formatter Formatter
	timeout   time.Duration

	mu      sync.Mutex
	pending []*job
	running *job
	closed  bool
	wake    chan struct{}

	ctx        context.Context
	stop       context.CancelCauseFunc
	workerDone chan struct{}
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithCommandTimeout bounds each command's execution. Zero means no limit.
func WithCommandTimeout(d time.Duration) HostOption {
	return func(h *Host) { h.timeout = d }
}

// WithFormatter replaces the DefaultFormatter.
func WithFormatter(f Formatter) HostOption {
	return func(h *Host) {
		if f != nil {
			h.formatter = f
		}
	}
}

// WithBus publishes on an existing bus instead of a private one.
func WithBus(b *Bus) HostOption {
	return func(h *Host) {
		if b != nil {
			h.bus = b
		}
	}
}

// NewHost starts a host for engine.
func NewHost(engine Engine, opts ...HostOption) *Host {
	ctx, stop := context.WithCancelCause(context.Background())
	h := &Host{
		engine:     engine,
		bus:        NewBus(),
		formatter:  DefaultFormatter{},
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		stop:       stop,
		workerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.work()
	return h
}

// Name returns the engine name.
func (h *Host) Name() string { return h.engine.Name() }

// Subscribe implements Kernel.
func (h *Host) Subscribe() Subscription { return h.bus.Subscribe() }

// Submit implements Kernel. It queues cmd and returns without waiting for it
// to run. A Cancel command is applied immediately.
func (h *Host) Submit(ctx context.Context, cmd protocol.Command) error {
	if cmd == nil {
		return errors.New("submit: nil command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrKernelClosed
	}
	if c, ok := cmd.(protocol.Cancel); ok {
		victims := h.cancelLocked(c.TargetToken)
		h.mu.Unlock()
		for _, v := range victims {
			v.finish(h.bus, protocol.NewCommandFailed(v.cmd, cancelledMessage))
		}
		getLog().Debug().Str("target_token", c.TargetToken).Int("dequeued", len(victims)).Msg("Cancel applied")
		h.bus.Publish(protocol.NewCommandSucceeded(c))
		return nil
	}
	h.pending = append(h.pending, &job{cmd: cmd, token: protocol.TokenOfCommand(cmd)})
	depth := len(h.pending)
	h.mu.Unlock()

	getLog().Debug().
		Str("token", protocol.TokenOfCommand(cmd)).
		Str("command_type", string(cmd.CommandType())).
		Int("queue_depth", depth).
		Msg("Command queued")
	h.signal()
	return nil
}

// cancelLocked cancels the running command when it matches target and removes
// matching queued commands, which it returns. An empty target only affects
// the running command.
func (h *Host) cancelLocked(target string) []*job {
	if h.running != nil && (target == "" || h.running.token == target) {
		h.running.abort(errCancelled)
	}
	if target == "" {
		return nil
	}
	victims, kept := lo.FilterReject(h.pending, func(j *job, _ int) bool {
		return j.token == target
	})
	h.pending = kept
	return victims
}

func (h *Host) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Info describes the engine and the commands it supports.
func (h *Host) Info() protocol.KernelInfo {
	supported := []protocol.CommandType{
		protocol.SubmitCodeType,
		protocol.CancelType,
		protocol.DisplayValueType,
		protocol.UpdateDisplayedValueType,
		protocol.RequestKernelInfoType,
	}
	if _, ok := h.engine.(Completer); ok {
		supported = append(supported, protocol.RequestCompletionsType)
	}
	if _, ok := h.engine.(HoverProvider); ok {
		supported = append(supported, protocol.RequestHoverTextType)
	}
	if _, ok := h.engine.(Diagnoser); ok {
		supported = append(supported, protocol.RequestDiagnosticsType)
	}

	info := protocol.KernelInfo{LanguageName: h.engine.Name(), SupportedCommands: supported}
	if v, ok := h.engine.(Versioned); ok {
		info.LanguageVersion = v.LanguageVersion()
	}
	return info
}

// Close stops the worker. The running command and every queued command fail
// with a shutdown message, then all subscriptions end. Close is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.workerDone
		return nil
	}
	h.closed = true
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	h.stop(errShutdown)
	for _, j := range pending {
		j.finish(h.bus, protocol.NewCommandFailed(j.cmd, shutdownMessage))
	}
	<-h.workerDone
	h.bus.Close()
	return nil
}

func (h *Host) work() {
	defer close(h.workerDone)
	for {
		j := h.next()
		if j == nil {
			return
		}
		h.run(j)

		h.mu.Lock()
		h.running = nil
		h.mu.Unlock()
	}
}

// next blocks until a command is queued. It returns nil once the host closes.
func (h *Host) next() *job {
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil
		}
		if len(h.pending) > 0 {
			j := h.pending[0]
			h.pending[0] = nil
			h.pending = h.pending[1:]
			j.ctx, j.cancel = context.WithCancelCause(h.ctx)
			h.running = j
			h.mu.Unlock()
			return j
		}
		h.mu.Unlock()

		select {
		case <-h.wake:
		case <-h.ctx.Done():
		}
	}
}

func (h *Host) run(j *job) {
	defer j.cancel(nil)

	ctx := j.ctx
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, h.timeout, errTimedOut)
		defer cancel()
	}

	start := time.Now()
	result := make(chan error, 1)
	go func() { result <- h.handle(ctx, j) }()

	var err error
	select {
	case err = <-result:
	case <-ctx.Done():
		err = context.Cause(ctx)
		// Report now, but keep the engine to ourselves until it returns.
		defer func() { <-result }()
	}

	if err == nil {
		j.finish(h.bus, protocol.NewCommandSucceeded(j.cmd))
	} else {
		j.finish(h.bus, protocol.NewCommandFailed(j.cmd, h.failureMessage(ctx, err)))
	}

	getLog().Debug().
		Str("token", j.token).
		Str("command_type", string(j.cmd.CommandType())).
		Dur("duration", time.Since(start)).
		Bool("failed", err != nil).
		Msg("Command finished")
}

func (h *Host) handle(ctx context.Context, j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().
				Str("token", j.token).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Engine panicked")
			err = &panicError{value: r}
		}
	}()

	switch cmd := j.cmd.(type) {
	case protocol.SubmitCode:
		return h.submitCode(ctx, j, cmd)

	case protocol.RequestCompletions:
		c, ok := h.engine.(Completer)
		if !ok {
			return h.unsupported(cmd)
		}
		items, span, err := c.Completions(ctx, cmd.Code, cmd.LinePosition)
		if err != nil {
			return err
		}
		j.publish(h.bus, protocol.CompletionsProduced{
			EventBase:        protocol.On(cmd),
			Completions:      lo.Ternary(items == nil, []protocol.CompletionItem{}, items),
			LinePositionSpan: span,
		})
		return nil

	case protocol.RequestHoverText:
		hp, ok := h.engine.(HoverProvider)
		if !ok {
			return h.unsupported(cmd)
		}
		content, span, err := hp.Hover(ctx, cmd.Code, cmd.LinePosition)
		if err != nil {
			return err
		}
		j.publish(h.bus, protocol.HoverTextProduced{
			EventBase:        protocol.On(cmd),
			Content:          lo.Ternary(content == nil, []protocol.FormattedValue{}, content),
			LinePositionSpan: span,
		})
		return nil

	case protocol.RequestDiagnostics:
		return h.diagnose(ctx, j, cmd.Code)

	case protocol.DisplayValue:
		j.publish(h.bus, protocol.DisplayedValueProduced{
			EventBase:       protocol.On(cmd),
			FormattedValues: []protocol.FormattedValue{cmd.FormattedValue},
			ValueID:         cmd.ValueID,
		})
		return nil

	case protocol.UpdateDisplayedValue:
		if cmd.ValueID == "" {
			return errors.New("UpdateDisplayedValue requires a valueId")
		}
		j.publish(h.bus, protocol.DisplayedValueUpdated{
			EventBase:       protocol.On(cmd),
			FormattedValues: []protocol.FormattedValue{cmd.FormattedValue},
			ValueID:         cmd.ValueID,
		})
		return nil

	case protocol.RequestKernelInfo:
		j.publish(h.bus, protocol.KernelInfoProduced{EventBase: protocol.On(cmd), KernelInfo: h.Info()})
		return nil

	default:
		return h.unsupported(cmd)
	}
}

func (h *Host) submitCode(ctx context.Context, j *job, cmd protocol.SubmitCode) error {
	j.publish(h.bus, protocol.CodeSubmissionReceived{EventBase: protocol.On(cmd), Code: cmd.Code})

	if !h.engine.IsComplete(cmd.Code) {
		j.publish(h.bus, protocol.IncompleteCodeSubmissionReceived{EventBase: protocol.On(cmd)})
		return nil
	}
	j.publish(h.bus, protocol.CompleteCodeSubmissionReceived{EventBase: protocol.On(cmd), Code: cmd.Code})

	if cmd.SubmissionType == protocol.SubmissionDiagnose {
		return h.diagnose(ctx, j, cmd.Code)
	}

	value, err := h.engine.Execute(ctx, &ExecutionContext{host: h, job: j}, cmd.Code)
	if err != nil {
		if diags := DiagnosticsFromError(err); len(diags) > 0 {
			j.publish(h.bus, protocol.DiagnosticsProduced{EventBase: protocol.On(cmd), Diagnostics: diags})
		}
		return err
	}

	switch value.(type) {
	case nil, DisplayedValue, *DisplayedValue:
		return nil
	}
	j.publish(h.bus, protocol.ReturnValueProduced{
		EventBase:       protocol.On(cmd),
		FormattedValues: h.formatter.Format(value),
	})
	return nil
}

func (h *Host) diagnose(ctx context.Context, j *job, code string) error {
	d, ok := h.engine.(Diagnoser)
	if !ok {
		return h.unsupported(j.cmd)
	}
	diags, err := d.Diagnose(ctx, code)
	if err != nil {
		return err
	}
	j.publish(h.bus, protocol.DiagnosticsProduced{
		EventBase:   protocol.On(j.cmd),
		Diagnostics: lo.Ternary(diags == nil, []protocol.Diagnostic{}, diags),
	})
	return nil
}

func (h *Host) unsupported(cmd protocol.Command) error {
	return &unsupportedError{command: cmd.CommandType(), kernel: h.engine.Name()}
}

var (
	exceptionWord = regexp.MustCompile(`(?i)exception`)
	// Names quoted in diagnostics, as in "The name 'x' does not exist".
	quotedName = regexp.MustCompile(`'[^'\s]+'|"[^"\s]+"`)
)

// failureMessage renders err for CommandFailed. Interruptions are reported by
// cause; everything else uses the error text. Stack traces never appear.
func (h *Host) failureMessage(ctx context.Context, err error) string {
	var msg string
	switch cause := context.Cause(ctx); {
	case ctx.Err() != nil && errors.Is(cause, errCancelled):
		msg = cancelledMessage
	case ctx.Err() != nil && errors.Is(cause, errTimedOut):
		msg = fmt.Sprintf("Command timed out after %s.", h.timeout)
	case ctx.Err() != nil && errors.Is(cause, errShutdown):
		msg = shutdownMessage
	default:
		msg = err.Error()
	}
	return UserMessage(msg)
}

// UserMessage prepares text for a CommandFailed message: the word "exception"
// is replaced with "error" in any letter case. Quoted names come from the
// submitted code and are kept as written.
func UserMessage(msg string) string {
	var b strings.Builder
	last := 0
	for _, loc := range quotedName.FindAllStringIndex(msg, -1) {
		b.WriteString(exceptionWord.ReplaceAllString(msg[last:loc[0]], "error"))
		b.WriteString(msg[loc[0]:loc[1]])
		last = loc[1]
	}
	b.WriteString(exceptionWord.ReplaceAllString(msg[last:], "error"))
	return b.String()
}

type unsupportedError struct {
	command protocol.CommandType
	kernel  string
}

func (e *unsupportedError) Error() string {
	return fmt.Sprintf("%s is not supported by kernel %s.", e.command, e.kernel)
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("Kernel error: %v", e.value)
}

// job is one accepted command. Its mutex orders everything published for it,
// and done guards the terminal event.
type job struct {
	cmd   protocol.Command
	token string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.Mutex
	done bool
}

func (j *job) abort(cause error) {
	if j.cancel != nil {
		j.cancel(cause)
	}
}

// publish emits ev unless the job already has its terminal event.
func (j *job) publish(bus *Bus, ev protocol.Event) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return false
	}
	bus.Publish(ev)
	return true
}

func (j *job) finish(bus *Bus, terminal protocol.Event) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.done {
		return
	}
	j.done = true
	bus.Publish(terminal)
}
