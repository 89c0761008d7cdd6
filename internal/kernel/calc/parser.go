// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package calc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
)

type node interface {
	span() protocol.LinePositionSpan
}

type numberLit struct {
	value any // int64 or float64
	sp    protocol.LinePositionSpan
}

type identRef struct {
	name string
	sp   protocol.LinePositionSpan
}

type unaryExpr struct {
	op string
	x  node
	sp protocol.LinePositionSpan
	h  int
}

type binaryExpr struct {
	op   string
	opSp protocol.LinePositionSpan
	l, r node
	h    int
}

type callExpr struct {
	fn   identRef
	args []node
	sp   protocol.LinePositionSpan
	h    int
}

// Limits that keep parsing and evaluation far from the goroutine stack limit.
// maxNesting counts open parentheses, call argument lists and unary signs;
// maxHeight bounds the tree, which grows by one per operator in a chain.
const (
	maxNesting = 256
	maxHeight  = 4096
)

func height(n node) int {
	switch n := n.(type) {
	case unaryExpr:
		return n.h
	case binaryExpr:
		return n.h
	case callExpr:
		return n.h
	}
	return 1
}

func (n numberLit) span() protocol.LinePositionSpan  { return n.sp }
func (n identRef) span() protocol.LinePositionSpan   { return n.sp }
func (n unaryExpr) span() protocol.LinePositionSpan  { return n.sp }
func (n callExpr) span() protocol.LinePositionSpan   { return n.sp }
func (n binaryExpr) span() protocol.LinePositionSpan { return join(n.l.span(), n.r.span()) }

// statement is either a let binding (name set) or a bare expression.
type statement struct {
	let   *identRef
	value node
}

type parser struct {
	tokens  []token
	pos     int
	nesting int
}

// parse turns code into statements. Empty statements are skipped.
func parse(code string) ([]statement, error) {
	tokens, err := lex(code)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}

	var stmts []statement
	for {
		for p.peek().kind == tokSep {
			p.pos++
		}
		if p.peek().kind == tokEOF {
			return stmts, nil
		}
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)

		switch t := p.peek(); t.kind {
		case tokSep, tokEOF:
		default:
			return nil, syntaxError(t, "Expected ';' or end of line, found %s", t)
		}
	}
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) enter(t token) error {
	p.nesting++
	if p.nesting > maxNesting {
		return tooDeep(t)
	}
	return nil
}

func (p *parser) leave() { p.nesting-- }

func (p *parser) binary(op token, l, r node) (node, error) {
	h := max(height(l), height(r)) + 1
	if h > maxHeight {
		return nil, tooDeep(op)
	}
	return binaryExpr{op: op.text, opSp: op.span, l: l, r: r, h: h}, nil
}

func (p *parser) isOp(ops string) bool {
	t := p.peek()
	return t.kind == tokOp && strings.Contains(ops, t.text)
}

func (p *parser) statement() (statement, error) {
	if t := p.peek(); t.kind == tokIdent && t.text == "let" {
		p.next()
		name := p.next()
		if name.kind != tokIdent || isReserved(name.text) {
			return statement{}, syntaxError(name, "Identifier expected, found %s", name)
		}
		if eq := p.next(); eq.kind != tokOp || eq.text != "=" {
			return statement{}, syntaxError(eq, "Expected '=', found %s", eq)
		}
		value, err := p.expr()
		if err != nil {
			return statement{}, err
		}
		return statement{let: &identRef{name: name.text, sp: name.span}, value: value}, nil
	}

	value, err := p.expr()
	if err != nil {
		return statement{}, err
	}
	return statement{value: value}, nil
}

func (p *parser) expr() (node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for p.isOp("+-") {
		op := p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		if left, err = p.binary(op, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) term() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*/%") {
		op := p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		if left, err = p.binary(op, left, right); err != nil {
			return nil, err
		}
	}
	return left, nil
}

func (p *parser) unary() (node, error) {
	if p.isOp("+-") {
		op := p.next()
		if err := p.enter(op); err != nil {
			return nil, err
		}
		defer p.leave()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		h := height(x) + 1
		if h > maxHeight {
			return nil, tooDeep(op)
		}
		return unaryExpr{op: op.text, x: x, sp: join(op.span, x.span()), h: h}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := parseNumber(t)
		if err != nil {
			return nil, err
		}
		return numberLit{value: v, sp: t.span}, nil

	case tokIdent:
		if isReserved(t.text) {
			return nil, syntaxError(t, "Unexpected keyword %s", t)
		}
		id := identRef{name: t.text, sp: t.span}
		if !p.isOp("(") {
			return id, nil
		}
		if err := p.enter(p.next()); err != nil {
			return nil, err
		}
		defer p.leave()
		var args []node
		h := 1
		if !p.isOp(")") {
			for {
				arg, err := p.expr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				h = max(h, height(arg))
				if !p.isOp(",") {
					break
				}
				p.next()
			}
		}
		closing := p.next()
		if closing.kind != tokOp || closing.text != ")" {
			return nil, syntaxError(closing, "Expected ')', found %s", closing)
		}
		if h++; h > maxHeight {
			return nil, tooDeep(t)
		}
		return callExpr{fn: id, args: args, sp: join(t.span, closing.span), h: h}, nil

	case tokOp:
		if t.text == "(" {
			if err := p.enter(t); err != nil {
				return nil, err
			}
			defer p.leave()
			inner, err := p.expr()
			if err != nil {
				return nil, err
			}
			closing := p.next()
			if closing.kind != tokOp || closing.text != ")" {
				return nil, syntaxError(closing, "Expected ')', found %s", closing)
			}
			return inner, nil
		}
	}
	return nil, syntaxError(t, "Invalid expression term %s", t)
}

func parseNumber(t token) (any, error) {
	if strings.Contains(t.text, ".") {
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxError(t, "Invalid number %s", t)
		}
		return f, nil
	}
	i, err := strconv.ParseInt(t.text, 10, 64)
	if err != nil {
		return nil, &kernel.CompilationError{
			Code:    CodeNumberOverflow,
			Message: fmt.Sprintf("Integral constant %s is too large", t.text),
			Span:    t.span,
		}
	}
	return i, nil
}

func isReserved(name string) bool {
	return name == "let"
}

func syntaxError(t token, format string, args ...any) error {
	return &kernel.CompilationError{Code: CodeSyntax, Message: fmt.Sprintf(format, args...), Span: t.span}
}

func tooDeep(t token) error {
	return syntaxError(t, "Expression is nested too deeply")
}

func join(a, b protocol.LinePositionSpan) protocol.LinePositionSpan {
	return protocol.LinePositionSpan{Start: a.Start, End: b.End}
}
