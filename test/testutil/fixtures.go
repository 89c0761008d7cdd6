// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package testutil

import (
	"github.com/noldarim/kernelwire/internal/protocol"
)

// Sample data creators for consistent testing

// SampleCommands returns one command of every type, each with its own token
func SampleCommands() []protocol.Command {
	return []protocol.Command{
		protocol.WithToken(protocol.SubmitCode{Code: "1 + 2", SubmissionType: protocol.SubmissionRun}, "submit"),
		protocol.WithToken(protocol.RequestCompletions{Code: "di", LinePosition: protocol.LinePosition{Character: 2}}, "completions"),
		protocol.WithToken(protocol.RequestHoverText{Code: "rate", LinePosition: protocol.LinePosition{Character: 1}}, "hover"),
		protocol.WithToken(protocol.RequestDiagnostics{Code: "1 +"}, "diagnostics"),
		protocol.WithToken(protocol.Cancel{TargetToken: "submit"}, "cancel"),
		protocol.WithToken(protocol.DisplayValue{
			FormattedValue: protocol.FormattedValue{MimeType: protocol.PlainText, Value: "42"},
			ValueID:        "v1",
		}, "display"),
		protocol.WithToken(protocol.UpdateDisplayedValue{
			FormattedValue: protocol.FormattedValue{MimeType: protocol.PlainText, Value: "43"},
			ValueID:        "v1",
		}, "update"),
		protocol.WithToken(protocol.RequestKernelInfo{}, "info"),
	}
}

// PlainValues wraps text as a single text/plain rendering
func PlainValues(text string) []protocol.FormattedValue {
	return []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: text}}
}

// ReturnValue creates a ReturnValueProduced for cmd
func ReturnValue(cmd protocol.Command, text string) protocol.ReturnValueProduced {
	return protocol.ReturnValueProduced{EventBase: protocol.On(cmd), FormattedValues: PlainValues(text)}
}

// Stdout creates a StandardOutputValueProduced for cmd
func Stdout(cmd protocol.Command, text string) protocol.StandardOutputValueProduced {
	return protocol.StandardOutputValueProduced{EventBase: protocol.On(cmd), FormattedValues: PlainValues(text)}
}

// SampleEvents returns one event of every type, all produced for cmd
func SampleEvents(cmd protocol.Command) []protocol.Event {
	span := protocol.LinePositionSpan{End: protocol.LinePosition{Character: 3}}
	return []protocol.Event{
		protocol.CodeSubmissionReceived{EventBase: protocol.On(cmd), Code: "1 + 2"},
		protocol.CompleteCodeSubmissionReceived{EventBase: protocol.On(cmd), Code: "1 + 2"},
		protocol.IncompleteCodeSubmissionReceived{EventBase: protocol.On(cmd)},
		protocol.DisplayedValueProduced{EventBase: protocol.On(cmd), FormattedValues: PlainValues("42"), ValueID: "v1"},
		protocol.DisplayedValueUpdated{EventBase: protocol.On(cmd), FormattedValues: PlainValues("43"), ValueID: "v1"},
		ReturnValue(cmd, "3"),
		Stdout(cmd, "hello"),
		protocol.StandardErrorValueProduced{EventBase: protocol.On(cmd), FormattedValues: PlainValues("oops")},
		protocol.CompletionsProduced{EventBase: protocol.On(cmd), Completions: []protocol.CompletionItem{
			{DisplayText: "display", Kind: "Method", InsertText: "display"},
		}, LinePositionSpan: &span},
		protocol.HoverTextProduced{EventBase: protocol.On(cmd), Content: PlainValues("rate: float"), LinePositionSpan: &span},
		protocol.DiagnosticsProduced{EventBase: protocol.On(cmd), Diagnostics: []protocol.Diagnostic{
			{LinePositionSpan: span, Severity: protocol.SeverityError, Code: "CALC0001", Message: "Unexpected end of input"},
		}},
		protocol.DiagnosticLogEntryProduced{Message: "bad frame", RawFrame: "{"},
		protocol.KernelReady{},
		protocol.KernelInfoProduced{EventBase: protocol.On(cmd), KernelInfo: protocol.KernelInfo{
			LanguageName: "calc", LanguageVersion: "1.0",
			SupportedCommands: []protocol.CommandType{protocol.SubmitCodeType},
		}},
		protocol.NewCommandSucceeded(cmd),
		protocol.NewCommandFailed(cmd, "it broke"),
	}
}
