// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"flag"
	"fmt"

	"github.com/noldarim/kernelwire/internal/config"

	"gopkg.in/yaml.v3"
)

func configCommand(args []string, std streams) error {
	fs := flag.NewFlagSet("config", flag.ContinueOnError)
	fs.SetOutput(std.stderr)
	configPath := fs.String("config", "", "Path to config file (default: search kernelwire.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	enc := yaml.NewEncoder(std.stdout)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
