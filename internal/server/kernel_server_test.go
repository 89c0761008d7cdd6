// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/client"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/kernel/calc"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/noldarim/kernelwire/test/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const waitFor = 5 * time.Second

type harness struct {
	*testutil.FramePeer
	t    *testing.T
	srv  *KernelServer
	done chan error
}

func newHarness(t *testing.T, k kernel.Kernel, opts ...KernelServerOption) *harness {
	t.Helper()
	local, peer := testutil.NewFramePeer(t)
	h := &harness{
		FramePeer: peer,
		t:         t,
		srv:       NewKernelServer(k, local, opts...),
		done:      make(chan error, 1),
	}
	go func() { h.done <- h.srv.Run(context.Background()) }()
	t.Cleanup(h.srv.Dispose)

	require.IsType(t, protocol.KernelReady{}, h.Next())
	return h
}

func newCalcHarness(t *testing.T, opts ...KernelServerOption) *harness {
	t.Helper()
	host := kernel.NewHost(calc.New())
	t.Cleanup(func() { host.Close() })
	return newHarness(t, host, opts...)
}

func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitFor):
		h.t.Fatal("Run did not return")
		return nil
	}
}

func TestKernelServer_ReturnValue(t *testing.T) {
	h := newCalcHarness(t)
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "1 + 2"}, "t1"))

	events := h.Until("t1")
	assert.Equal(t, []protocol.EventType{
		protocol.CodeSubmissionReceivedType,
		protocol.CompleteCodeSubmissionReceivedType,
		protocol.ReturnValueProducedType,
		protocol.CommandSucceededType,
	}, testutil.EventTypes(events))
	assert.Equal(t, "3", events[2].(protocol.ReturnValueProduced).FormattedValues[0].Value)
}

func TestKernelServer_RawSubmission(t *testing.T) {
	h := newCalcHarness(t)
	h.SendRaw("6 * 7")

	events := h.Until("")
	rv, ok := events[len(events)-2].(protocol.ReturnValueProduced)
	require.True(t, ok)
	assert.Equal(t, "42", rv.FormattedValues[0].Value)
}

func TestKernelServer_MalformedFrameIsDiagnosedAndLoopContinues(t *testing.T) {
	h := newCalcHarness(t)
	bad := `{"commandType":"SubmitCode","command":`
	h.SendRaw(bad)

	ev := h.Next()
	diag, ok := ev.(protocol.DiagnosticLogEntryProduced)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, bad, diag.RawFrame)
	assert.Contains(t, diag.Message, "malformed frame")
	assert.Empty(t, protocol.TokenOf(diag))

	h.SendRaw(`{"commandType":"Bogus","command":{}}`)
	diag = h.Next().(protocol.DiagnosticLogEntryProduced)
	assert.Contains(t, diag.Message, "unknown envelope type")

	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "1"}, "after"))
	events := h.Until("after")
	assert.IsType(t, protocol.CommandSucceeded{}, events[len(events)-1])
}

func TestKernelServer_InboundEventIsDiagnosed(t *testing.T) {
	h := newCalcHarness(t)
	frame, err := protocol.NewCodec().EncodeEvent(protocol.KernelReady{})
	require.NoError(t, err)
	h.SendRaw(frame)

	diag, ok := h.Next().(protocol.DiagnosticLogEntryProduced)
	require.True(t, ok)
	assert.Contains(t, diag.Message, "only commands are accepted")
	assert.Equal(t, frame, diag.RawFrame)
}

func TestKernelServer_IncompleteSubmission(t *testing.T) {
	h := newCalcHarness(t)
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "let x ="}, "inc"))

	events := h.Until("inc")
	assert.Equal(t, []protocol.EventType{
		protocol.CodeSubmissionReceivedType,
		protocol.IncompleteCodeSubmissionReceivedType,
		protocol.CommandSucceededType,
	}, testutil.EventTypes(events))
}

func TestKernelServer_CompileFailureMessage(t *testing.T) {
	h := newCalcHarness(t)
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "nope + 1"}, "bad"))

	events := h.Until("bad")
	failed, ok := events[len(events)-1].(protocol.CommandFailed)
	require.True(t, ok)
	assert.Equal(t, "(1,1): error CALC0103: The name 'nope' does not exist in the current context", failed.Message)
	assert.NotContains(t, strings.ToLower(failed.Message), "exception")
}

func TestKernelServer_DeeplyNestedSubmissionFailsAndLoopContinues(t *testing.T) {
	h := newCalcHarness(t)
	deep := strings.Repeat("(", 1_900_000) + "1" + strings.Repeat(")", 1_900_000)
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: deep}, "deep"))

	events := h.Until("deep")
	failed, ok := events[len(events)-1].(protocol.CommandFailed)
	require.True(t, ok, "got %T", events[len(events)-1])
	assert.Contains(t, failed.Message, "CALC0001: Expression is nested too deeply")

	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "2 + 2"}, "next"))
	events = h.Until("next")
	testutil.AssertTerminalLast(t, events, "next")
	assert.IsType(t, protocol.CommandSucceeded{}, events[len(events)-1])
}

func TestKernelServer_DisplayedValueIsNotReturned(t *testing.T) {
	h := newCalcHarness(t)
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "display(5)"}, "d"))

	types := testutil.EventTypes(h.Until("d"))
	assert.Contains(t, types, protocol.DisplayedValueProducedType)
	assert.NotContains(t, types, protocol.ReturnValueProducedType)
}

func TestKernelServer_ExactlyOneTerminalPerToken(t *testing.T) {
	h := newCalcHarness(t)
	tokens := []string{"a", "b", "c", "d", "e"}
	codes := map[string]string{"a": "1", "b": "1 / 0", "c": "let q = 2", "d": "(", "e": "q * q"}
	for _, token := range tokens {
		h.Send(protocol.WithToken(protocol.SubmitCode{Code: codes[token]}, token))
	}
	// A trailing command run after all the others; once it completes every
	// event for the earlier tokens has been forwarded.
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "0"}, "fence"))

	var events []protocol.Event
	for {
		ev := h.Next()
		events = append(events, ev)
		if protocol.IsTerminal(ev) && protocol.TokenOf(ev) == "fence" {
			break
		}
	}
	for _, token := range tokens {
		testutil.AssertTerminalLast(t, events, token)
	}
}

func TestKernelServer_ForwardsKernelEventsInEmissionOrder(t *testing.T) {
	k := testutil.NewScriptedKernel(func(cmd protocol.Command) ([]protocol.Event, error) {
		out, err := testutil.EchoScript(cmd)
		return append([]protocol.Event{testutil.Stdout(cmd, "first")}, out...), err
	})
	defer k.Close()
	kernelSide := testutil.CaptureEvents(k.Subscribe())
	h := newHarness(t, k)

	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "echo me"}, "e1"))
	h.Send(protocol.WithToken(protocol.RequestKernelInfo{}, "e2"))

	testutil.AssertSucceeded(t, kernelSide, "e1")
	testutil.AssertSucceeded(t, kernelSide, "e2")
	var forwarded []protocol.Event
	for terminals := 0; terminals < 2; {
		ev := h.Next()
		forwarded = append(forwarded, ev)
		if protocol.IsTerminal(ev) {
			terminals++
		}
	}
	assert.Equal(t, kernelSide.Events(), forwarded)
	assert.Equal(t, "echo me", kernelSide.ForToken("e1")[1].(protocol.ReturnValueProduced).FormattedValues[0].Value)
}

func TestKernelServer_InterleavedCommandsThroughClient(t *testing.T) {
	host := kernel.NewHost(calc.New())
	defer host.Close()

	local, peer := channel.NewPipe()
	srv := NewKernelServer(host, local)
	go srv.Run(context.Background())
	defer srv.Dispose()

	c := client.New(peer)
	go c.Run(context.Background())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	abc, err := c.Send(ctx, protocol.WithToken(protocol.SubmitCode{Code: "let n = 20; print(n); n + 1"}, "abc"))
	require.NoError(t, err)
	final, err := c.Send(ctx, protocol.WithToken(protocol.SubmitCode{Code: "display(n * 2)"}, "finalCommand"))
	require.NoError(t, err)

	finalDone, err := c.Await(ctx, protocol.TokenOfCommand(final))
	require.NoError(t, err)
	abcDone, err := c.Await(ctx, protocol.TokenOfCommand(abc))
	require.NoError(t, err)

	assert.True(t, abcDone.Succeeded())
	assert.True(t, finalDone.Succeeded())
	for _, ev := range abcDone.Events {
		assert.Equal(t, "abc", protocol.TokenOf(ev))
	}
	for _, ev := range finalDone.Events {
		assert.Equal(t, "finalCommand", protocol.TokenOf(ev))
	}
	assert.Contains(t, testutil.EventTypes(abcDone.Events), protocol.StandardOutputValueProducedType)
	assert.Contains(t, testutil.EventTypes(finalDone.Events), protocol.DisplayedValueProducedType)
}

func TestKernelServer_SubmitErrorBecomesCommandFailed(t *testing.T) {
	k := testutil.NewScriptedKernel(nil)
	k.SetSubmitHook(func(context.Context, protocol.Command) error {
		return errors.New("NullReferenceException in engine")
	})
	h := newHarness(t, k)
	h.Send(protocol.WithToken(protocol.RequestKernelInfo{}, "r"))

	failed, ok := h.Until("r")[0].(protocol.CommandFailed)
	require.True(t, ok)
	assert.Equal(t, "NullReferenceerror in engine", failed.Message)
}

func TestKernelServer_SubmitPanicIsContained(t *testing.T) {
	k := testutil.NewScriptedKernel(nil)
	k.SetSubmitHook(func(context.Context, protocol.Command) error {
		panic("boom")
	})
	h := newHarness(t, k)
	h.Send(protocol.WithToken(protocol.RequestKernelInfo{}, "p"))

	failed := h.Until("p")[0].(protocol.CommandFailed)
	assert.Equal(t, "Kernel error: boom", failed.Message)
	assert.NotEqual(t, StateStopped, h.srv.State())
}

func TestKernelServer_CancelIsNotQueuedBehindBlockedSubmit(t *testing.T) {
	release := make(chan struct{})
	k := testutil.NewScriptedKernel(nil)
	k.SetSubmitHook(func(ctx context.Context, cmd protocol.Command) error {
		if _, ok := cmd.(protocol.Cancel); ok {
			close(release)
			return nil
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	h := newHarness(t, k)

	submitted := func(n int) func() bool {
		return func() bool { return k.CommandCount() == n }
	}

	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "slow"}, "s"))
	require.Eventually(t, submitted(1), waitFor, time.Millisecond)
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "queued"}, "q"))
	h.Send(protocol.WithToken(protocol.Cancel{TargetToken: "s"}, "c"))

	require.Eventually(t, submitted(3), waitFor, time.Millisecond)

	var order []protocol.CommandType
	for _, cmd := range k.AllCommands() {
		order = append(order, cmd.CommandType())
	}
	assert.Equal(t, []protocol.CommandType{
		protocol.SubmitCodeType, protocol.CancelType, protocol.SubmitCodeType,
	}, order)
	assert.Equal(t, "q", protocol.TokenOfCommand(k.LastCommand()))
}

func TestKernelServer_CancelledContextStopsCleanly(t *testing.T) {
	host := kernel.NewHost(calc.New())
	defer host.Close()
	local, peer := channel.NewPipe()
	defer peer.Close()

	srv := NewKernelServer(host, local)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.State() == StateReadingFrame }, waitFor, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateStopped, srv.State())
	assert.ErrorIs(t, srv.Run(context.Background()), ErrAlreadyStarted)
}

func TestKernelServer_EndOfInputDrainsThenStops(t *testing.T) {
	host := kernel.NewHost(calc.New())
	defer host.Close()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	transport := channel.NewLineTransport(inR, outW)
	srv := NewKernelServer(host, transport)
	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	_, err := io.WriteString(inW, "2 + 2\n")
	require.NoError(t, err)
	require.NoError(t, inW.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after end of input")
	}
	outW.Close()

	codec := protocol.NewCodec()
	var types []protocol.EventType
	for line := range lines {
		ev, err := codec.DecodeEvent(line)
		require.NoError(t, err)
		types = append(types, ev.EventType())
	}
	assert.Equal(t, protocol.KernelReadyType, types[0])
	assert.Contains(t, types, protocol.ReturnValueProducedType)
	assert.Equal(t, protocol.CommandSucceededType, types[len(types)-1])
}

type failingTransport struct {
	*channel.PipeEnd
}

func (failingTransport) ReadNext(context.Context) (string, error) {
	return "", errors.New("device unplugged")
}

func TestKernelServer_ChannelFaultIsReturned(t *testing.T) {
	local, peer := channel.NewPipe()
	defer peer.Close()

	srv := NewKernelServer(testutil.NewScriptedKernel(nil), failingTransport{PipeEnd: local})
	err := srv.Run(context.Background())
	assert.ErrorIs(t, err, channel.ErrChannelFault)
	assert.Equal(t, StateStopped, srv.State())
}

func TestKernelServer_DisposeIsIdempotentAndUnsubscribes(t *testing.T) {
	bus := kernel.NewBus()
	host := kernel.NewHost(calc.New(), kernel.WithBus(bus))
	defer host.Close()

	h := newHarness(t, host)
	assert.Equal(t, 1, bus.Subscribers())

	h.srv.Dispose()
	h.srv.Dispose()
	assert.NoError(t, h.wait())
	assert.Equal(t, 0, bus.Subscribers())
	assert.Equal(t, StateStopped, h.srv.State())
}

func TestKernelServer_DispatchSpan(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())

	h := newCalcHarness(t, WithTracer(tp.Tracer("test")))
	h.Send(protocol.WithToken(protocol.SubmitCode{Code: "1"}, "span"))
	h.Until("span")

	require.Eventually(t, func() bool { return len(rec.Ended()) == 1 }, waitFor, time.Millisecond)
	span := rec.Ended()[0]
	assert.Equal(t, dispatchSpanName, span.Name())

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "SubmitCode", attrs["kernelwire.command_type"])
	assert.Equal(t, "span", attrs["kernelwire.token"])
}
