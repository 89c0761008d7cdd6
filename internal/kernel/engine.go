// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/noldarim/kernelwire/internal/protocol"
)

// Engine evaluates source code. Host calls it from a single goroutine, so an
// Engine need not be safe for concurrent use, but Execute must return promptly
// once ctx is done.
type Engine interface {
	// Name is the kernel name reported in KernelInfo and error messages.
	Name() string

	// IsComplete reports whether code is a complete submission. Incomplete
	// code is acknowledged and not executed.
	IsComplete(code string) bool

	// Execute runs code. A non-nil result is reported as the return value
	// unless it is a DisplayedValue.
	Execute(ctx context.Context, ec *ExecutionContext, code string) (any, error)
}

// Completer is implemented by engines that offer completions.
type Completer interface {
	Completions(ctx context.Context, code string, pos protocol.LinePosition) ([]protocol.CompletionItem, *protocol.LinePositionSpan, error)
}

// HoverProvider is implemented by engines that offer hover text.
type HoverProvider interface {
	Hover(ctx context.Context, code string, pos protocol.LinePosition) ([]protocol.FormattedValue, *protocol.LinePositionSpan, error)
}

// Diagnoser is implemented by engines that can check code without running it.
type Diagnoser interface {
	Diagnose(ctx context.Context, code string) ([]protocol.Diagnostic, error)
}

// Versioned is implemented by engines that report a language version.
type Versioned interface {
	LanguageVersion() string
}

// CompilationError is a user-facing error attached to a location in the
// submitted code. Span positions are zero-based.
type CompilationError struct {
	Code    string
	Message string
	Span    protocol.LinePositionSpan
}

// Error renders the error as "(line,col): error CODE: message" with one-based
// positions.
func (e *CompilationError) Error() string {
	return fmt.Sprintf("(%d,%d): error %s: %s",
		e.Span.Start.Line+1, e.Span.Start.Character+1, e.Code, e.Message)
}

// Diagnostic converts the error into an error-severity diagnostic.
func (e *CompilationError) Diagnostic() protocol.Diagnostic {
	return protocol.Diagnostic{
		LinePositionSpan: e.Span,
		Severity:         protocol.SeverityError,
		Code:             e.Code,
		Message:          e.Message,
	}
}

// DiagnosticsFromError collects the diagnostics carried by err, which may
// join several CompilationErrors.
func DiagnosticsFromError(err error) []protocol.Diagnostic {
	if err == nil {
		return nil
	}
	var out []protocol.Diagnostic
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, DiagnosticsFromError(e)...)
		}
		return out
	}
	var ce *CompilationError
	if errors.As(err, &ce) {
		out = append(out, ce.Diagnostic())
	}
	return out
}

// DisplayedValue is a handle to a value shown through ExecutionContext.Display.
// Returning it from Execute does not produce a separate return value.
type DisplayedValue struct {
	ValueID  string
	MimeType string
}
