// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors for decode failure classification.
var (
	// ErrMalformedFrame indicates a frame that is not a valid envelope structure,
	// such as broken JSON or a payload that does not fit its declared type.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrUnknownEnvelopeType indicates a well-formed envelope whose discriminator
	// is missing or not registered.
	ErrUnknownEnvelopeType = errors.New("unknown envelope type")
)

// maxQuotedFrame bounds how much of a frame is repeated in Error().
const maxQuotedFrame = 256

// FrameError reports a frame that could not be decoded.
// It matches ErrMalformedFrame or ErrUnknownEnvelopeType through errors.Is.
type FrameError struct {
	// Kind is ErrMalformedFrame or ErrUnknownEnvelopeType.
	Kind error

	// Frame is the offending raw text, unmodified.
	Frame string

	// Detail names the discriminator or the part of the envelope at fault.
	Detail string

	// Err is the underlying parse error, if any.
	Err error
}

func (e *FrameError) Error() string {
	quoted := e.Frame
	if len(quoted) > maxQuotedFrame {
		quoted = quoted[:maxQuotedFrame] + "..."
	}
	msg := e.Kind.Error()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return fmt.Sprintf("%s (frame %q)", msg, quoted)
}

// Unwrap exposes both the classification and the parse error to errors.Is/As.
func (e *FrameError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func malformed(frame, detail string, err error) *FrameError {
	return &FrameError{Kind: ErrMalformedFrame, Frame: frame, Detail: detail, Err: err}
}

func unknownType(frame, detail string) *FrameError {
	return &FrameError{Kind: ErrUnknownEnvelopeType, Frame: frame, Detail: detail}
}

// RawFrame extracts the offending frame from a decode error, if it carries one.
func RawFrame(err error) (string, bool) {
	var fe *FrameError
	if errors.As(err, &fe) {
		return fe.Frame, true
	}
	return "", false
}
