// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels
// These ensure consistent logger names across the codebase

// GetServerLogger returns a logger for the kernel server loop
func GetServerLogger() zerolog.Logger {
	return GetLogger("server")
}

// GetKernelLogger returns a logger for kernel hosts and engines
func GetKernelLogger() zerolog.Logger {
	return GetLogger("kernel")
}

// GetChannelLogger returns a logger for transports, senders and receivers
func GetChannelLogger() zerolog.Logger {
	return GetLogger("channel")
}

// GetAPILogger returns a logger for HTTP and WebSocket operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}

// GetClientLogger returns a logger for the front-end client
func GetClientLogger() zerolog.Logger {
	return GetLogger("client")
}

// GetTelemetryLogger returns a logger for tracing setup and export errors
func GetTelemetryLogger() zerolog.Logger {
	return GetLogger("telemetry")
}

// GetCLILogger returns a logger for command-line entry points
func GetCLILogger() zerolog.Logger {
	return GetLogger("cli")
}
