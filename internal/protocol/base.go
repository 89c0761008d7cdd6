// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import "github.com/noldarim/kernelwire/internal/common"

// Re-export common types so callers only need the protocol package.
type Metadata = common.Metadata

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion

// CommandType is the wire discriminator of a command envelope.
type CommandType string

// EventType is the wire discriminator of an event envelope.
type EventType string

// FormattedValue is one rendering of a value for a given MIME type.
type FormattedValue struct {
	MimeType string `json:"mimeType"`
	Value    string `json:"value"`
}

// PlainText is the MIME type every formatter must be able to produce.
const PlainText = "text/plain"

// LinePosition is a zero-based position inside a submission.
type LinePosition struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// LinePositionSpan is a half-open range inside a submission.
type LinePositionSpan struct {
	Start LinePosition `json:"start"`
	End   LinePosition `json:"end"`
}
