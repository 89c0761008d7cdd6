// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
)

const (
	appName    = "kernelwire"
	appVersion = "0.1.0-alpha"
)

// streams are the process's standard streams; tests substitute buffers.
type streams struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// Execute runs the CLI application
func Execute() error {
	return execute(os.Args[1:], streams{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr})
}

func execute(argv []string, std streams) error {
	if len(argv) < 1 {
		return printUsage(std.stdout)
	}

	command := argv[0]
	args := argv[1:]

	switch command {
	case "stdio":
		return stdioCommand(args, std)
	case "serve":
		return serveCommand(args, std)
	case "run":
		return runCommand(args, std)
	case "config":
		return configCommand(args, std)
	case "version":
		fmt.Fprintf(std.stdout, "%s version %s\n", appName, appVersion)
		return nil
	case "help", "-h", "--help":
		return printUsage(std.stdout)
	default:
		fmt.Fprintf(std.stderr, "Unknown command: %s\n\n", command)
		return printUsage(std.stderr)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintf(w, `%s - interactive kernel protocol relay

Usage:
  %s <command> [arguments]

Commands:
  stdio          Serve one kernel over stdin/stdout, one JSON frame per line
  serve          Serve the kernel over HTTP and WebSocket (/ws)
  run [code...]  Submit code and print what the kernel produces
  config         Print the effective configuration as YAML
  version        Print version information
  help           Show this help message

Examples:
  %s stdio
  %s serve --port 9000
  %s run "let x = 6" "x * 7"
  %s run --url ws://127.0.0.1:8765/ws "1 + 2"
  echo "2 * 21" | %s run
  %s config --config kernelwire.yaml

`, appName, appName, appName, appName, appName, appName, appName, appName)
	return nil
}
