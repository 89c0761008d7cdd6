// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the data that a front-end can receive from the kernel.
// All data that the front-end can receive from the kernel will be named: Event
// Events produced while handling a command carry that command as a back-reference,
// so a front-end can split one merged stream into per-command streams by token.
// Events that belong to no command (kernel readiness, transport diagnostics) carry nil.
package protocol

// Event represents events that can be sent from the kernel to the front-end.
type Event interface {
	// GetMetadata returns the metadata of the originating command (zero when none)
	GetMetadata() Metadata
	EventType() EventType
	GetCommand() Command
}

// Event discriminators as they appear on the wire.
const (
	CommandSucceededType                 EventType = "CommandSucceeded"
	CommandFailedType                    EventType = "CommandFailed"
	CodeSubmissionReceivedType           EventType = "CodeSubmissionReceived"
	CompleteCodeSubmissionReceivedType   EventType = "CompleteCodeSubmissionReceived"
	IncompleteCodeSubmissionReceivedType EventType = "IncompleteCodeSubmissionReceived"
	DisplayedValueProducedType           EventType = "DisplayedValueProduced"
	DisplayedValueUpdatedType            EventType = "DisplayedValueUpdated"
	ReturnValueProducedType              EventType = "ReturnValueProduced"
	StandardOutputValueProducedType      EventType = "StandardOutputValueProduced"
	StandardErrorValueProducedType       EventType = "StandardErrorValueProduced"
	CompletionsProducedType              EventType = "CompletionsProduced"
	HoverTextProducedType                EventType = "HoverTextProduced"
	DiagnosticsProducedType              EventType = "DiagnosticsProduced"
	DiagnosticLogEntryProducedType       EventType = "DiagnosticLogEntryProduced"
	KernelReadyType                      EventType = "KernelReady"
	KernelInfoProducedType               EventType = "KernelInfoProduced"
)

// EventBase holds the back-reference to the command an event was produced for.
type EventBase struct {
	Command Command `json:"-"`
}

// On returns an EventBase bound to cmd. Pass nil for events that belong to no command.
func On(cmd Command) EventBase {
	return EventBase{Command: cmd}
}

func (b EventBase) GetCommand() Command { return b.Command }

func (b EventBase) GetMetadata() Metadata {
	if b.Command == nil {
		return Metadata{}
	}
	return b.Command.GetBaseMessage()
}

func (b *EventBase) bind(cmd Command) { b.Command = cmd }

// Terminal events

// CommandSucceeded marks the successful end of a command
type CommandSucceeded struct {
	EventBase
}

func (e CommandSucceeded) EventType() EventType { return CommandSucceededType }

// CommandFailed marks the failed end of a command.
// Message is user-facing; it never carries an internal fault trace.
type CommandFailed struct {
	EventBase
	Message string `json:"message"`
}

func (e CommandFailed) EventType() EventType { return CommandFailedType }

// NewCommandSucceeded creates the success terminal event for cmd
func NewCommandSucceeded(cmd Command) CommandSucceeded {
	return CommandSucceeded{EventBase: On(cmd)}
}

// NewCommandFailed creates the failure terminal event for cmd
func NewCommandFailed(cmd Command, message string) CommandFailed {
	return CommandFailed{EventBase: On(cmd), Message: message}
}

// Submission events

// CodeSubmissionReceived is published as soon as a SubmitCode is picked up
type CodeSubmissionReceived struct {
	EventBase
	Code string `json:"code"`
}

func (e CodeSubmissionReceived) EventType() EventType { return CodeSubmissionReceivedType }

// CompleteCodeSubmissionReceived reports that the submission is syntactically complete
type CompleteCodeSubmissionReceived struct {
	EventBase
	Code string `json:"code"`
}

func (e CompleteCodeSubmissionReceived) EventType() EventType {
	return CompleteCodeSubmissionReceivedType
}

// IncompleteCodeSubmissionReceived reports that the submission needs more input.
// It is not a failure: the command still ends with CommandSucceeded.
type IncompleteCodeSubmissionReceived struct {
	EventBase
}

func (e IncompleteCodeSubmissionReceived) EventType() EventType {
	return IncompleteCodeSubmissionReceivedType
}

// Value events

// DisplayedValueProduced carries a value explicitly displayed by the code
type DisplayedValueProduced struct {
	EventBase
	FormattedValues []FormattedValue `json:"formattedValues"`
	ValueID         string           `json:"valueId,omitempty"`
}

func (e DisplayedValueProduced) EventType() EventType { return DisplayedValueProducedType }

// DisplayedValueUpdated replaces the rendering of a displayed value
type DisplayedValueUpdated struct {
	EventBase
	FormattedValues []FormattedValue `json:"formattedValues"`
	ValueID         string           `json:"valueId"`
}

func (e DisplayedValueUpdated) EventType() EventType { return DisplayedValueUpdatedType }

// ReturnValueProduced carries the value a submission evaluated to.
// It is never published for a value that was already displayed.
type ReturnValueProduced struct {
	EventBase
	FormattedValues []FormattedValue `json:"formattedValues"`
}

func (e ReturnValueProduced) EventType() EventType { return ReturnValueProducedType }

// StandardOutputValueProduced carries text written to standard output
type StandardOutputValueProduced struct {
	EventBase
	FormattedValues []FormattedValue `json:"formattedValues"`
}

func (e StandardOutputValueProduced) EventType() EventType {
	return StandardOutputValueProducedType
}

// StandardErrorValueProduced carries text written to standard error
type StandardErrorValueProduced struct {
	EventBase
	FormattedValues []FormattedValue `json:"formattedValues"`
}

func (e StandardErrorValueProduced) EventType() EventType {
	return StandardErrorValueProducedType
}

// Language service events

// CompletionItem is one completion suggestion
type CompletionItem struct {
	DisplayText   string `json:"displayText"`
	Kind          string `json:"kind"`
	InsertText    string `json:"insertText,omitempty"`
	Documentation string `json:"documentation,omitempty"`
}

// CompletionsProduced answers RequestCompletions
type CompletionsProduced struct {
	EventBase
	Completions      []CompletionItem  `json:"completions"`
	LinePositionSpan *LinePositionSpan `json:"linePositionSpan,omitempty"`
}

func (e CompletionsProduced) EventType() EventType { return CompletionsProducedType }

// HoverTextProduced answers RequestHoverText
type HoverTextProduced struct {
	EventBase
	Content          []FormattedValue  `json:"content"`
	LinePositionSpan *LinePositionSpan `json:"linePositionSpan,omitempty"`
}

func (e HoverTextProduced) EventType() EventType { return HoverTextProducedType }

// DiagnosticSeverity grades a Diagnostic
type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "error"
	SeverityWarning DiagnosticSeverity = "warning"
	SeverityInfo    DiagnosticSeverity = "info"
)

// Diagnostic is one compiler message attached to a span of code
type Diagnostic struct {
	LinePositionSpan LinePositionSpan   `json:"linePositionSpan"`
	Severity         DiagnosticSeverity `json:"severity"`
	Code             string             `json:"code"`
	Message          string             `json:"message"`
}

// DiagnosticsProduced answers RequestDiagnostics and diagnose-only submissions
type DiagnosticsProduced struct {
	EventBase
	Diagnostics []Diagnostic `json:"diagnostics"`
}

func (e DiagnosticsProduced) EventType() EventType { return DiagnosticsProducedType }

// Kernel events

// DiagnosticLogEntryProduced is a log-style notice. The server uses it for input
// that never became a command (malformed or unrecognized frames); RawFrame then
// carries the offending text.
type DiagnosticLogEntryProduced struct {
	EventBase
	Message  string `json:"message"`
	RawFrame string `json:"rawFrame,omitempty"`
}

func (e DiagnosticLogEntryProduced) EventType() EventType { return DiagnosticLogEntryProducedType }

// KernelReady is published once when a kernel server starts accepting frames
type KernelReady struct {
	EventBase
}

func (e KernelReady) EventType() EventType { return KernelReadyType }

// KernelInfo describes a kernel
type KernelInfo struct {
	LanguageName      string        `json:"languageName"`
	LanguageVersion   string        `json:"languageVersion,omitempty"`
	SupportedCommands []CommandType `json:"supportedCommands,omitempty"`
}

// KernelInfoProduced answers RequestKernelInfo
type KernelInfoProduced struct {
	EventBase
	KernelInfo KernelInfo `json:"kernelInfo"`
}

func (e KernelInfoProduced) EventType() EventType { return KernelInfoProducedType }
