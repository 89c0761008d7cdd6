// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvent_GetMetadataFollowsCommand(t *testing.T) {
	cmd := WithToken(SubmitCode{Code: "1 + 1"}, "test-token")

	event := NewCommandSucceeded(cmd)

	metadata := event.GetMetadata()
	assert.Equal(t, "test-token", metadata.Token)
	assert.Equal(t, CurrentProtocolVersion, metadata.Version)
	assert.Equal(t, cmd, event.GetCommand())
}

func TestEvent_WithoutCommand(t *testing.T) {
	event := KernelReady{}

	assert.Nil(t, event.GetCommand())
	assert.Equal(t, Metadata{}, event.GetMetadata())
	assert.Equal(t, "", TokenOf(event))
}

func TestIsTerminal(t *testing.T) {
	cmd := SubmitCode{Code: "x"}

	tests := []struct {
		name     string
		event    Event
		terminal bool
	}{
		{name: "succeeded", event: NewCommandSucceeded(cmd), terminal: true},
		{name: "failed", event: NewCommandFailed(cmd, "boom"), terminal: true},
		{name: "succeeded pointer", event: &CommandSucceeded{EventBase: On(cmd)}, terminal: true},
		{name: "incomplete submission", event: IncompleteCodeSubmissionReceived{EventBase: On(cmd)}, terminal: false},
		{name: "return value", event: ReturnValueProduced{EventBase: On(cmd)}, terminal: false},
		{name: "diagnostic log entry", event: DiagnosticLogEntryProduced{Message: "bad frame"}, terminal: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, IsTerminal(tt.event))
		})
	}
}

func TestWithToken_DoesNotMutateOriginal(t *testing.T) {
	original := SubmitCode{Code: "1"}

	tagged := WithToken(original, "abc")

	assert.Equal(t, "", original.Token)
	assert.Equal(t, "abc", tagged.GetBaseMessage().Token)
	assert.Equal(t, "1", tagged.(SubmitCode).Code)
}

func TestCorrelates_OpaqueEquality(t *testing.T) {
	a := NewCommandSucceeded(WithToken(SubmitCode{}, "10"))
	b := NewCommandSucceeded(WithToken(SubmitCode{}, "010"))

	assert.True(t, Correlates(a, "10"))
	assert.False(t, Correlates(b, "10"), "tokens are compared as opaque strings")
	assert.True(t, Correlates(NewCommandSucceeded(SubmitCode{}), ""))
	assert.False(t, Correlates(KernelReady{}, ""), "events without a command belong to no token")
	assert.False(t, Correlates(DiagnosticLogEntryProduced{RawFrame: "{"}, ""))
}
