// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the data that a kernel can receive from a front-end.
// All data that is received by the kernel from the front-end will be named: Command
//
// Commands are plain values. Submitting a command copies it, so the token that
// was attached before submission is the one every resulting event refers to.
// The token travels in the envelope, not in the command payload.
package protocol

// Command represents commands that can be sent to a kernel
type Command interface {
	// All commands embed Metadata for correlation and versioning
	GetBaseMessage() Metadata
	CommandType() CommandType

	withMetadata(Metadata) Command
}

// Command discriminators as they appear on the wire.
const (
	SubmitCodeType           CommandType = "SubmitCode"
	RequestCompletionsType   CommandType = "RequestCompletions"
	RequestHoverTextType     CommandType = "RequestHoverText"
	RequestDiagnosticsType   CommandType = "RequestDiagnostics"
	CancelType               CommandType = "Cancel"
	DisplayValueType         CommandType = "DisplayValue"
	UpdateDisplayedValueType CommandType = "UpdateDisplayedValue"
	RequestKernelInfoType    CommandType = "RequestKernelInfo"
)

// WithToken returns a copy of cmd carrying the given correlation token.
func WithToken(cmd Command, token string) Command {
	md := cmd.GetBaseMessage()
	md.Token = token
	if md.Version == "" {
		md.Version = CurrentProtocolVersion
	}
	return cmd.withMetadata(md)
}

// TokenOfCommand returns the correlation token of cmd, or "" for a nil command.
func TokenOfCommand(cmd Command) string {
	if cmd == nil {
		return ""
	}
	return cmd.GetBaseMessage().Token
}

// SubmissionType selects whether a submission is executed or only analysed.
type SubmissionType string

const (
	SubmissionRun      SubmissionType = "run"
	SubmissionDiagnose SubmissionType = "diagnose"
)

// Execution commands

// SubmitCode asks the kernel to run (or diagnose) a piece of code
type SubmitCode struct {
	Metadata         `json:"-"`
	Code             string         `json:"code"`
	TargetKernelName string         `json:"targetKernelName,omitempty"`
	SubmissionType   SubmissionType `json:"submissionType,omitempty"`
}

func (c SubmitCode) GetBaseMessage() Metadata { return c.Metadata }
func (c SubmitCode) CommandType() CommandType { return SubmitCodeType }
func (c SubmitCode) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// Cancel asks the kernel to stop the running command.
// TargetToken narrows the cancellation to one command; empty cancels whatever runs.
type Cancel struct {
	Metadata    `json:"-"`
	TargetToken string `json:"targetToken,omitempty"`
}

func (c Cancel) GetBaseMessage() Metadata { return c.Metadata }
func (c Cancel) CommandType() CommandType { return CancelType }
func (c Cancel) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// Language service commands

// RequestCompletions asks for completion items at a position in code
type RequestCompletions struct {
	Metadata     `json:"-"`
	Code         string       `json:"code"`
	LinePosition LinePosition `json:"linePosition"`
}

func (c RequestCompletions) GetBaseMessage() Metadata { return c.Metadata }
func (c RequestCompletions) CommandType() CommandType { return RequestCompletionsType }
func (c RequestCompletions) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// RequestHoverText asks for hover documentation at a position in code
type RequestHoverText struct {
	Metadata     `json:"-"`
	Code         string       `json:"code"`
	LinePosition LinePosition `json:"linePosition"`
}

func (c RequestHoverText) GetBaseMessage() Metadata { return c.Metadata }
func (c RequestHoverText) CommandType() CommandType { return RequestHoverTextType }
func (c RequestHoverText) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// RequestDiagnostics asks for compile diagnostics without running the code
type RequestDiagnostics struct {
	Metadata `json:"-"`
	Code     string `json:"code"`
}

func (c RequestDiagnostics) GetBaseMessage() Metadata { return c.Metadata }
func (c RequestDiagnostics) CommandType() CommandType { return RequestDiagnosticsType }
func (c RequestDiagnostics) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// Display commands

// DisplayValue asks the kernel to publish an already formatted value
type DisplayValue struct {
	Metadata       `json:"-"`
	FormattedValue FormattedValue `json:"formattedValue"`
	ValueID        string         `json:"valueId,omitempty"`
}

func (c DisplayValue) GetBaseMessage() Metadata { return c.Metadata }
func (c DisplayValue) CommandType() CommandType { return DisplayValueType }
func (c DisplayValue) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// UpdateDisplayedValue replaces a value previously displayed under ValueID
type UpdateDisplayedValue struct {
	Metadata       `json:"-"`
	FormattedValue FormattedValue `json:"formattedValue"`
	ValueID        string         `json:"valueId"`
}

func (c UpdateDisplayedValue) GetBaseMessage() Metadata { return c.Metadata }
func (c UpdateDisplayedValue) CommandType() CommandType { return UpdateDisplayedValueType }
func (c UpdateDisplayedValue) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}

// RequestKernelInfo asks the kernel to describe itself
type RequestKernelInfo struct {
	Metadata `json:"-"`
}

func (c RequestKernelInfo) GetBaseMessage() Metadata { return c.Metadata }
func (c RequestKernelInfo) CommandType() CommandType { return RequestKernelInfoType }
func (c RequestKernelInfo) withMetadata(m Metadata) Command {
	c.Metadata = m
	return c
}
