// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package kernel

import (
	"github.com/google/uuid"
	"github.com/noldarim/kernelwire/internal/protocol"
)

// ExecutionContext lets an Engine publish output for the command it is
// executing. Output published after the command has finished (for example
// after it was cancelled) is dropped.
type ExecutionContext struct {
	host *Host
	job  *job
}

// Command returns the command being executed.
func (ec *ExecutionContext) Command() protocol.Command {
	return ec.job.cmd
}

// Display shows value and returns a handle for later updates.
func (ec *ExecutionContext) Display(value any) DisplayedValue {
	values := ec.host.formatter.Format(value)
	dv := DisplayedValue{ValueID: uuid.NewString()}
	if len(values) > 0 {
		dv.MimeType = values[0].MimeType
	}
	ec.job.publish(ec.host.bus, protocol.DisplayedValueProduced{
		EventBase:       protocol.On(ec.job.cmd),
		FormattedValues: values,
		ValueID:         dv.ValueID,
	})
	return dv
}

// UpdateDisplay replaces the content of a previously displayed value.
func (ec *ExecutionContext) UpdateDisplay(dv DisplayedValue, value any) {
	ec.job.publish(ec.host.bus, protocol.DisplayedValueUpdated{
		EventBase:       protocol.On(ec.job.cmd),
		FormattedValues: ec.host.formatter.Format(value),
		ValueID:         dv.ValueID,
	})
}

// Stdout publishes text written to standard output.
func (ec *ExecutionContext) Stdout(text string) {
	ec.job.publish(ec.host.bus, protocol.StandardOutputValueProduced{
		EventBase:       protocol.On(ec.job.cmd),
		FormattedValues: []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: text}},
	})
}

// Stderr publishes text written to standard error.
func (ec *ExecutionContext) Stderr(text string) {
	ec.job.publish(ec.host.bus, protocol.StandardErrorValueProduced{
		EventBase:       protocol.On(ec.job.cmd),
		FormattedValues: []protocol.FormattedValue{{MimeType: protocol.PlainText, Value: text}},
	})
}
