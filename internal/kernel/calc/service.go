// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package calc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/samber/lo"
)

var (
	_ kernel.Engine        = (*Engine)(nil)
	_ kernel.Completer     = (*Engine)(nil)
	_ kernel.HoverProvider = (*Engine)(nil)
	_ kernel.Diagnoser     = (*Engine)(nil)
	_ kernel.Versioned     = (*Engine)(nil)
)

// Completions offers keywords, builtins and bound variables matching the
// identifier that ends at pos.
func (e *Engine) Completions(ctx context.Context, code string, pos protocol.LinePosition) ([]protocol.CompletionItem, *protocol.LinePositionSpan, error) {
	line := lineAt(code, pos.Line)
	end := clamp(pos.Character, len(line))
	start := end
	for start > 0 && isIdentRune(line[start-1]) {
		start--
	}
	prefix := string(line[start:end])

	candidates := []protocol.CompletionItem{{
		DisplayText:   "let",
		Kind:          "Keyword",
		InsertText:    "let ",
		Documentation: "let name = expression",
	}}
	for name, b := range builtins {
		candidates = append(candidates, protocol.CompletionItem{
			DisplayText:   name,
			Kind:          "Method",
			InsertText:    name + "(",
			Documentation: b.signature + "\n\n" + b.doc,
		})
	}

	e.mu.RLock()
	for name, v := range e.vars {
		candidates = append(candidates, protocol.CompletionItem{
			DisplayText:   name,
			Kind:          "Variable",
			InsertText:    name,
			Documentation: describe(name, v),
		})
	}
	e.mu.RUnlock()

	items := lo.Filter(candidates, func(c protocol.CompletionItem, _ int) bool {
		return strings.HasPrefix(c.DisplayText, prefix)
	})
	sort.Slice(items, func(i, j int) bool { return items[i].DisplayText < items[j].DisplayText })

	span := &protocol.LinePositionSpan{
		Start: protocol.LinePosition{Line: pos.Line, Character: start},
		End:   protocol.LinePosition{Line: pos.Line, Character: end},
	}
	return items, span, nil
}

// Hover describes the identifier under pos. Unknown identifiers and
// positions outside any identifier yield no content.
func (e *Engine) Hover(ctx context.Context, code string, pos protocol.LinePosition) ([]protocol.FormattedValue, *protocol.LinePositionSpan, error) {
	line := lineAt(code, pos.Line)
	at := clamp(pos.Character, len(line))
	start, end := at, at
	for start > 0 && isIdentRune(line[start-1]) {
		start--
	}
	for end < len(line) && isIdentRune(line[end]) {
		end++
	}
	if start == end {
		return nil, nil, nil
	}
	word := string(line[start:end])
	span := &protocol.LinePositionSpan{
		Start: protocol.LinePosition{Line: pos.Line, Character: start},
		End:   protocol.LinePosition{Line: pos.Line, Character: end},
	}

	var text string
	if b, ok := builtins[word]; ok {
		text = b.signature + "\n\n" + b.doc
	} else if word == "let" {
		text = "let name = expression\n\nBinds name for this and later submissions."
	} else if v, ok := e.Lookup(word); ok {
		text = describe(word, v)
	} else {
		return nil, nil, nil
	}
	return []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: text}}, span, nil
}

// Diagnose reports syntax errors and references to unbound names without
// running anything.
func (e *Engine) Diagnose(ctx context.Context, code string) ([]protocol.Diagnostic, error) {
	stmts, err := parse(code)
	if err != nil {
		return kernel.DiagnosticsFromError(err), nil
	}

	e.mu.RLock()
	known := lo.SliceToMap(lo.Keys(e.vars), func(name string) (string, bool) { return name, true })
	e.mu.RUnlock()

	var diags []protocol.Diagnostic
	var walk func(n node)
	walk = func(n node) {
		switch n := n.(type) {
		case identRef:
			if !known[n.name] {
				diags = append(diags, unknownName(n).(*kernel.CompilationError).Diagnostic())
			}
		case unaryExpr:
			walk(n.x)
		case binaryExpr:
			walk(n.l)
			walk(n.r)
			if lit, ok := n.r.(numberLit); ok && (n.op == "/" || n.op == "%") && isZero(lit.value) {
				diags = append(diags, protocol.Diagnostic{
					LinePositionSpan: n.span(),
					Severity:         protocol.SeverityError,
					Code:             CodeDivideByZero,
					Message:          "Division by constant zero",
				})
			}
		case callExpr:
			if _, ok := builtins[n.fn.name]; !ok {
				diags = append(diags, unknownName(n.fn).(*kernel.CompilationError).Diagnostic())
			}
			for _, a := range n.args {
				walk(a)
			}
		}
	}

	for _, stmt := range stmts {
		walk(stmt.value)
		if stmt.let != nil {
			known[stmt.let.name] = true
		}
	}
	return diags, nil
}

func describe(name string, v any) string {
	switch v := v.(type) {
	case int64:
		return fmt.Sprintf("%s: int = %d", name, v)
	case float64:
		return fmt.Sprintf("%s: float = %s", name, format(v))
	case kernel.DisplayedValue:
		return fmt.Sprintf("%s: displayed value %s", name, v.ValueID)
	default:
		return fmt.Sprintf("%s = %s", name, format(v))
	}
}

func lineAt(code string, n int) []rune {
	lines := strings.Split(code, "\n")
	if n < 0 || n >= len(lines) {
		return nil
	}
	return []rune(strings.TrimSuffix(lines[n], "\r"))
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
