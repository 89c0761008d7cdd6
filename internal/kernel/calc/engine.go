// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package calc is a small arithmetic language used as the default engine.
// It supports integer and floating point arithmetic, let bindings that persist
// across submissions, and the builtins display, print and eprint.
package calc

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
)

// Name is the kernel name of the calc engine.
const Name = "calc"

// Engine evaluates calc code. Bindings made with let persist between calls.
type Engine struct {
	mu   sync.RWMutex
	vars map[string]any
}

// New returns an engine with no bindings.
func New() *Engine {
	return &Engine{vars: make(map[string]any)}
}

func (e *Engine) Name() string { return Name }

func (e *Engine) LanguageVersion() string { return "1.0" }

// IsComplete reports false for code that would become valid with more input:
// unbalanced parentheses, a trailing operator, or an unfinished let.
func (e *Engine) IsComplete(code string) bool {
	tokens, err := lex(code)
	if err != nil {
		// let Execute report it
		return true
	}

	depth := 0
	for _, t := range tokens {
		if t.kind == tokOp {
			switch t.text {
			case "(":
				depth++
			case ")":
				depth--
			}
		}
	}
	if depth > 0 {
		return false
	}

	// Last statement, ignoring trailing separators.
	end := len(tokens) - 1 // tokEOF
	for end > 0 && tokens[end-1].kind == tokSep {
		end--
	}
	start := end
	for start > 0 && tokens[start-1].kind != tokSep {
		start--
	}
	last := tokens[start:end]
	if len(last) == 0 {
		return true
	}

	if tail := last[len(last)-1]; tail.kind == tokOp && tail.text != ")" {
		return false
	}
	if last[0].kind == tokIdent && last[0].text == "let" && len(last) < 4 {
		return false
	}
	return true
}

// Execute parses all of code first, then runs its statements in order. The
// value of the final statement is returned.
func (e *Engine) Execute(ctx context.Context, ec *kernel.ExecutionContext, code string) (any, error) {
	stmts, err := parse(code)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var result any
	for _, stmt := range stmts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := e.eval(ec, stmt.value)
		if err != nil {
			return nil, err
		}
		if stmt.let != nil {
			e.vars[stmt.let.name] = v
			result = nil
			continue
		}
		result = v
	}
	return result, nil
}

// Lookup returns the value bound to name.
func (e *Engine) Lookup(name string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[name]
	return v, ok
}

func (e *Engine) eval(ec *kernel.ExecutionContext, n node) (any, error) {
	switch n := n.(type) {
	case numberLit:
		return n.value, nil

	case identRef:
		v, ok := e.vars[n.name]
		if !ok {
			return nil, unknownName(n)
		}
		return v, nil

	case unaryExpr:
		x, err := e.eval(ec, n.x)
		if err != nil {
			return nil, err
		}
		if n.op == "+" {
			return numeric(x, n.op, n.sp)
		}
		return arith("-", int64(0), x, n.sp)

	case binaryExpr:
		l, err := e.eval(ec, n.l)
		if err != nil {
			return nil, err
		}
		r, err := e.eval(ec, n.r)
		if err != nil {
			return nil, err
		}
		if (n.op == "/" || n.op == "%") && isZero(r) {
			return nil, &kernel.CompilationError{Code: CodeDivideByZero, Message: "Attempted to divide by zero", Span: n.span()}
		}
		return arith(n.op, l, r, n.opSp)

	case callExpr:
		return e.call(ec, n)
	}
	return nil, fmt.Errorf("calc: unhandled node %T", n)
}

func (e *Engine) call(ec *kernel.ExecutionContext, n callExpr) (any, error) {
	b, ok := builtins[n.fn.name]
	if !ok {
		if _, isVar := e.vars[n.fn.name]; isVar {
			return nil, &kernel.CompilationError{
				Code:    CodeNotInvocable,
				Message: fmt.Sprintf("'%s' is a variable but is used like a function", n.fn.name),
				Span:    n.fn.sp,
			}
		}
		return nil, unknownName(n.fn)
	}
	if len(n.args) != 1 {
		return nil, &kernel.CompilationError{
			Code:    CodeArgumentCount,
			Message: fmt.Sprintf("No overload for '%s' takes %d arguments", n.fn.name, len(n.args)),
			Span:    n.sp,
		}
	}

	arg, err := e.eval(ec, n.args[0])
	if err != nil {
		return nil, err
	}
	if _, isNumber := asFloat(arg); !isNumber {
		return nil, &kernel.CompilationError{
			Code:    CodeOperandType,
			Message: fmt.Sprintf("Argument to '%s' must be a number", n.fn.name),
			Span:    n.args[0].span(),
		}
	}
	return b.invoke(ec, arg), nil
}

type builtin struct {
	signature string
	doc       string
	invoke    func(ec *kernel.ExecutionContext, v any) any
}

var builtins = map[string]builtin{
	"display": {
		signature: "display(value)",
		doc:       "Shows value in the front-end and returns a handle to it.",
		invoke:    func(ec *kernel.ExecutionContext, v any) any { return ec.Display(v) },
	},
	"print": {
		signature: "print(value)",
		doc:       "Writes value to standard output.",
		invoke: func(ec *kernel.ExecutionContext, v any) any {
			ec.Stdout(format(v))
			return nil
		},
	},
	"eprint": {
		signature: "eprint(value)",
		doc:       "Writes value to standard error.",
		invoke: func(ec *kernel.ExecutionContext, v any) any {
			ec.Stderr(format(v))
			return nil
		},
	},
}

func unknownName(id identRef) error {
	return &kernel.CompilationError{
		Code:    CodeUnknownName,
		Message: fmt.Sprintf("The name '%s' does not exist in the current context", id.name),
		Span:    id.sp,
	}
}

func asFloat(v any) (float64, bool) {
	switch v := v.(type) {
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func isZero(v any) bool {
	switch v := v.(type) {
	case int64:
		return v == 0
	case float64:
		return v == 0
	}
	return false
}

func numeric(v any, op string, sp protocol.LinePositionSpan) (any, error) {
	if _, ok := asFloat(v); !ok {
		return nil, operandError(op, sp)
	}
	return v, nil
}

// arith applies op. Two integers stay integral (division truncates);
// otherwise both operands are widened to float64.
func arith(op string, l, r any, sp protocol.LinePositionSpan) (any, error) {
	li, lInt := l.(int64)
	ri, rInt := r.(int64)
	if lInt && rInt {
		switch op {
		case "+":
			return li + ri, nil
		case "-":
			return li - ri, nil
		case "*":
			return li * ri, nil
		case "/":
			return li / ri, nil
		case "%":
			return li % ri, nil
		}
	}

	lf, lok := asFloat(l)
	rf, rok := asFloat(r)
	if !lok || !rok {
		return nil, operandError(op, sp)
	}
	switch op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		return lf / rf, nil
	case "%":
		return math.Mod(lf, rf), nil
	}
	return nil, operandError(op, sp)
}

func operandError(op string, sp protocol.LinePositionSpan) error {
	return &kernel.CompilationError{
		Code:    CodeOperandType,
		Message: fmt.Sprintf("Operator '%s' cannot be applied to this operand", op),
		Span:    sp,
	}
}

func format(v any) string {
	return kernel.DefaultFormatter{}.Format(v)[0].Value
}
