// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package calc

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_Evaluate(t *testing.T) {
	tests := []struct {
		code string
		want any
	}{
		{"1 + 2", int64(3)},
		{"2 * (3 + 4)", int64(14)},
		{"7 / 2", int64(3)},
		{"7 % 4", int64(3)},
		{"7.0 / 2", 3.5},
		{"-3 + +1", int64(-2)},
		{"1.5 * 2", 3.0},
		{"let x = 5; x * x", int64(25)},
		{"let a = 2\nlet b = a + 1\na * b", int64(6)},
		{"(1 +\n 2)", int64(3)},
		{"let y = 1", nil},
		{"", nil},
		{";;\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			got, err := New().Execute(context.Background(), nil, tt.code)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEngine_BindingsPersist(t *testing.T) {
	e := New()
	ctx := context.Background()

	_, err := e.Execute(ctx, nil, "let total = 10")
	require.NoError(t, err)
	got, err := e.Execute(ctx, nil, "total + 1")
	require.NoError(t, err)
	assert.Equal(t, int64(11), got)

	v, ok := e.Lookup("total")
	assert.True(t, ok)
	assert.Equal(t, int64(10), v)
}

func TestEngine_Errors(t *testing.T) {
	tests := []struct {
		code    string
		errCode string
		render  string
	}{
		{"1 + y", CodeUnknownName, "(1,5): error CALC0103: The name 'y' does not exist in the current context"},
		{"1 / 0", CodeDivideByZero, "(1,1): error CALC0020: Attempted to divide by zero"},
		{"2.5 % 0.0", CodeDivideByZero, ""},
		{"1 2", CodeSyntax, "(1,3): error CALC0001: Expected ';' or end of line, found '2'"},
		{"1 # 2", CodeSyntax, "(1,3): error CALC0001: Unexpected character '#'"},
		{"(1))", CodeSyntax, ""},
		{"let = 3", CodeSyntax, ""},
		{"foo(1)", CodeUnknownName, ""},
		{"print(1, 2)", CodeArgumentCount, ""},
		{"99999999999999999999", CodeNumberOverflow, ""},
		{"1\n2 + nope", CodeUnknownName, "(2,5): error CALC0103: The name 'nope' does not exist in the current context"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			_, err := New().Execute(context.Background(), nil, tt.code)
			require.Error(t, err)

			var ce *kernel.CompilationError
			require.True(t, errors.As(err, &ce), "got %T", err)
			assert.Equal(t, tt.errCode, ce.Code)
			if tt.render != "" {
				assert.Equal(t, tt.render, err.Error())
			}
			assert.NotContains(t, strings.ToLower(err.Error()), "exception")
		})
	}
}

func TestEngine_NestingIsBounded(t *testing.T) {
	nested := func(n int) string {
		return strings.Repeat("(", n) + "1" + strings.Repeat(")", n)
	}
	chain := func(n int) string {
		return "1" + strings.Repeat(" + 1", n)
	}

	e := New()
	for _, code := range []string{nested(200), chain(2000), strings.Repeat("-", 200) + "1", "let q = " + nested(100)} {
		_, err := e.Execute(context.Background(), nil, code)
		assert.NoError(t, err, "%.20s...", code)
	}

	for name, code := range map[string]string{
		"parentheses": nested(1_900_000),
		"unary signs": strings.Repeat("-", 100_000) + "1",
		"operators":   chain(100_000),
		"calls":       strings.Repeat("print(", 1000) + "1" + strings.Repeat(")", 1000),
	} {
		t.Run(name, func(t *testing.T) {
			require.True(t, e.IsComplete(code))
			_, err := e.Execute(context.Background(), nil, code)
			var ce *kernel.CompilationError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, CodeSyntax, ce.Code)
			assert.Equal(t, "Expression is nested too deeply", ce.Message)
		})
	}
}

func TestEngine_VariableUsedAsFunction(t *testing.T) {
	e := New()
	_, err := e.Execute(context.Background(), nil, "let f = 1; f(2)")
	var ce *kernel.CompilationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, CodeNotInvocable, ce.Code)
}

func TestEngine_StopsBetweenStatementsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := New()
	_, err := e.Execute(ctx, nil, "let x = 1; x")
	assert.ErrorIs(t, err, context.Canceled)
	_, bound := e.Lookup("x")
	assert.False(t, bound)
}

func TestEngine_IsComplete(t *testing.T) {
	tests := []struct {
		code     string
		complete bool
	}{
		{"1 + 2", true},
		{"", true},
		{"1 +", false},
		{"(1 + 2", false},
		{"print(", false},
		{"let x =", false},
		{"let x", false},
		{"let", false},
		{"let x = 1", true},
		{"1 + 2;\n", true},
		{"1; 2 *", false},
		{"1 # 2", true},
		{"(1))", true},
	}

	e := New()
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.complete, e.IsComplete(tt.code))
		})
	}
}

func TestEngine_Builtins(t *testing.T) {
	h := kernel.NewHost(New())
	defer h.Close()
	sub := h.Subscribe()

	cmd := protocol.WithToken(protocol.SubmitCode{Code: "let x = 6; print(x); eprint(1.5); display(x * 7)"}, "b")
	require.NoError(t, h.Submit(context.Background(), cmd))

	var events []protocol.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
			done = protocol.IsTerminal(ev)
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}

	var types []protocol.EventType
	for _, ev := range events {
		types = append(types, ev.EventType())
	}
	assert.Equal(t, []protocol.EventType{
		protocol.CodeSubmissionReceivedType,
		protocol.CompleteCodeSubmissionReceivedType,
		protocol.StandardOutputValueProducedType,
		protocol.StandardErrorValueProducedType,
		protocol.DisplayedValueProducedType,
		protocol.CommandSucceededType,
	}, types)

	assert.Equal(t, "6", events[2].(protocol.StandardOutputValueProduced).FormattedValues[0].Value)
	assert.Equal(t, "1.5", events[3].(protocol.StandardErrorValueProduced).FormattedValues[0].Value)
	assert.Equal(t, "42", events[4].(protocol.DisplayedValueProduced).FormattedValues[0].Value)
}

func TestEngine_Completions(t *testing.T) {
	e := New()
	_, err := e.Execute(context.Background(), nil, "let display_count = 3; let depth = 1")
	require.NoError(t, err)

	items, span, err := e.Completions(context.Background(), "1 + di", protocol.LinePosition{Line: 0, Character: 6})
	require.NoError(t, err)

	var names []string
	for _, it := range items {
		names = append(names, it.DisplayText)
	}
	assert.Equal(t, []string{"display", "display_count"}, names)
	assert.Equal(t, protocol.LinePositionSpan{
		Start: protocol.LinePosition{Line: 0, Character: 4},
		End:   protocol.LinePosition{Line: 0, Character: 6},
	}, *span)

	all, _, err := e.Completions(context.Background(), "", protocol.LinePosition{})
	require.NoError(t, err)
	assert.Len(t, all, 6) // let, three builtins, two variables
}

func TestEngine_Hover(t *testing.T) {
	e := New()
	_, err := e.Execute(context.Background(), nil, "let rate = 0.25")
	require.NoError(t, err)

	content, span, err := e.Hover(context.Background(), "rate * 2", protocol.LinePosition{Line: 0, Character: 2})
	require.NoError(t, err)
	require.Len(t, content, 1)
	assert.Equal(t, "rate: float = 0.25", content[0].Value)
	assert.Equal(t, 0, span.Start.Character)
	assert.Equal(t, 4, span.End.Character)

	content, _, err = e.Hover(context.Background(), "print(1)", protocol.LinePosition{Line: 0, Character: 1})
	require.NoError(t, err)
	assert.Contains(t, content[0].Value, "print(value)")

	content, span, err = e.Hover(context.Background(), "1 + 2", protocol.LinePosition{Line: 0, Character: 1})
	require.NoError(t, err)
	assert.Nil(t, content)
	assert.Nil(t, span)
}

func TestEngine_Diagnose(t *testing.T) {
	e := New()

	diags, err := e.Diagnose(context.Background(), "let a = 1; a + b; c(1); a / 0")
	require.NoError(t, err)
	var codes []string
	for _, d := range diags {
		codes = append(codes, d.Code)
	}
	assert.Equal(t, []string{CodeUnknownName, CodeUnknownName, CodeDivideByZero}, codes)

	diags, err = e.Diagnose(context.Background(), "1 +* 2")
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, CodeSyntax, diags[0].Code)

	diags, err = e.Diagnose(context.Background(), "let q = 1; q")
	require.NoError(t, err)
	assert.Empty(t, diags)

	_, bound := e.Lookup("q")
	assert.False(t, bound, "diagnose must not execute")
}
