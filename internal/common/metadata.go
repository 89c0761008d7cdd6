// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

// Metadata contains common fields for all messages crossing the kernel channel.
// This includes Commands (front-end → kernel) and Events (kernel → front-end).
type Metadata struct {
	// Token is the caller-assigned correlation key of a command.
	// It is opaque: compared for equality, never parsed or ordered.
	// Optional - commands without a token can only be matched by fallback.
	Token string `json:"token,omitempty"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version,omitempty"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// HasToken reports whether a correlation token is attached.
func (m Metadata) HasToken() bool {
	return m.Token != ""
}
