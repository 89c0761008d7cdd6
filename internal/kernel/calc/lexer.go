// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package calc

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
)

// Diagnostic codes reported by the calc engine.
const (
	CodeSyntax         = "CALC0001"
	CodeOperandType    = "CALC0019"
	CodeDivideByZero   = "CALC0020"
	CodeUnknownName    = "CALC0103"
	CodeNotInvocable   = "CALC0149"
	CodeArgumentCount  = "CALC1501"
	CodeNumberOverflow = "CALC1021"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokOp
	tokSep
)

type token struct {
	kind tokenKind
	text string
	span protocol.LinePositionSpan
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of input"
	case tokSep:
		return "end of statement"
	default:
		return fmt.Sprintf("'%s'", t.text)
	}
}

const operators = "+-*/%()=,"

// lex splits code into tokens. Newlines inside parentheses are whitespace;
// elsewhere they separate statements like ';'.
func lex(code string) ([]token, error) {
	var (
		tokens []token
		line   int
		col    int
		depth  int
	)
	runes := []rune(code)
	pos := func() protocol.LinePosition { return protocol.LinePosition{Line: line, Character: col} }

	for i := 0; i < len(runes); {
		r := runes[i]
		start := pos()

		switch {
		case r == '\n':
			if depth == 0 {
				tokens = append(tokens, token{kind: tokSep, text: "\n", span: protocol.LinePositionSpan{Start: start, End: start}})
			}
			line++
			col = 0
			i++

		case r == ';':
			tokens = append(tokens, token{kind: tokSep, text: ";", span: spanOf(start, 1)})
			col++
			i++

		case unicode.IsSpace(r):
			col++
			i++

		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i
			seenDot := false
			for j < len(runes) && (unicode.IsDigit(runes[j]) || (runes[j] == '.' && !seenDot)) {
				if runes[j] == '.' {
					seenDot = true
				}
				j++
			}
			text := string(runes[i:j])
			tokens = append(tokens, token{kind: tokNumber, text: text, span: spanOf(start, j-i)})
			col += j - i
			i = j

		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, token{kind: tokIdent, text: string(runes[i:j]), span: spanOf(start, j-i)})
			col += j - i
			i = j

		case strings.ContainsRune(operators, r):
			switch r {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			}
			tokens = append(tokens, token{kind: tokOp, text: string(r), span: spanOf(start, 1)})
			col++
			i++

		default:
			return tokens, &kernel.CompilationError{
				Code:    CodeSyntax,
				Message: fmt.Sprintf("Unexpected character '%c'", r),
				Span:    spanOf(start, 1),
			}
		}
	}

	end := pos()
	tokens = append(tokens, token{kind: tokEOF, span: protocol.LinePositionSpan{Start: end, End: end}})
	return tokens, nil
}

func spanOf(start protocol.LinePosition, width int) protocol.LinePositionSpan {
	return protocol.LinePositionSpan{
		Start: start,
		End:   protocol.LinePosition{Line: start.Line, Character: start.Character + width},
	}
}
