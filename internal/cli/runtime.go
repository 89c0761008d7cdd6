// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/noldarim/kernelwire/internal/config"
	"github.com/noldarim/kernelwire/internal/kernel"
	"github.com/noldarim/kernelwire/internal/kernel/calc"
	"github.com/noldarim/kernelwire/internal/logger"
	"github.com/noldarim/kernelwire/internal/telemetry"

	"github.com/rs/zerolog"
)

func getLog() *zerolog.Logger {
	l := logger.GetCLILogger()
	return &l
}

// runtime is the process-wide state every long-running command sets up:
// configuration, logging and tracing.
type runtime struct {
	cfg    *config.AppConfig
	tracer *telemetry.Provider
}

// setup loads configuration, initializes logging and installs the tracer
// provider. Callers must call close.
func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return setupWith(ctx, cfg)
}

func setupWith(ctx context.Context, cfg *config.AppConfig) (*runtime, error) {
	if err := logger.Initialize(&cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tp, err := telemetry.New(ctx, cfg.Tracing, telemetry.WithVersion(appVersion))
	if err != nil {
		logger.CloseGlobal()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	tp.Install()

	return &runtime{cfg: cfg, tracer: tp}, nil
}

func (r *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracer.Shutdown(ctx); err != nil {
		getLog().Warn().Err(err).Msg("Tracer shutdown failed")
	}
	logger.CloseGlobal()
}

// newHost builds the configured engine behind a serializing kernel host.
func (r *runtime) newHost() (*kernel.Host, error) {
	engine, err := newEngine(r.cfg.Kernel.Engine)
	if err != nil {
		return nil, err
	}
	getLog().Info().Str("engine", engine.Name()).Dur("command_timeout", r.cfg.Kernel.CommandTimeout).Msg("Starting kernel")
	return kernel.NewHost(engine, kernel.WithCommandTimeout(r.cfg.Kernel.CommandTimeout)), nil
}

func newEngine(name string) (kernel.Engine, error) {
	switch name {
	case calc.Name:
		return calc.New(), nil
	default:
		return nil, fmt.Errorf("unknown kernel engine %q (available: %s)", name, calc.Name)
	}
}
