// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// IsTerminal reports whether ev ends the processing of its command.
// Exactly two kinds are terminal: CommandSucceeded and CommandFailed.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case CommandSucceeded, *CommandSucceeded, CommandFailed, *CommandFailed:
		return true
	}
	return false
}

// TokenOf returns the token of the command ev was produced for ("" when none).
func TokenOf(ev Event) string {
	if ev == nil {
		return ""
	}
	return TokenOfCommand(ev.GetCommand())
}

// Correlates reports whether ev belongs to the command carrying token.
// The token is an opaque key; only equality is meaningful. Events that were
// not produced for a command, such as KernelReady, correlate with no token.
func Correlates(ev Event, token string) bool {
	return ev != nil && ev.GetCommand() != nil && TokenOf(ev) == token
}
