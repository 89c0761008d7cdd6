// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/noldarim/kernelwire/internal/server"
)

type serveOptions struct {
	configPath string
	host       string
	port       int
}

func serveCommand(args []string, std streams) error {
	opts := &serveOptions{}
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(std.stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (default: search kernelwire.yaml)")
	fs.StringVar(&opts.host, "host", "", "Listen host (overrides server.host)")
	fs.IntVar(&opts.port, "port", 0, "Listen port (overrides server.port)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	if opts.host != "" {
		rt.cfg.Server.Host = opts.host
	}
	if opts.port != 0 {
		rt.cfg.Server.Port = opts.port
	}

	host, err := rt.newHost()
	if err != nil {
		return err
	}
	defer host.Close()

	srv := server.New(rt.cfg, host, server.WithServerTracer(rt.tracer.Tracer()))
	fmt.Fprintf(std.stderr, "▸ %s listening on ws://%s/ws\n", appName, rt.cfg.Server.Addr())

	if err := srv.Run(ctx); err != nil {
		getLog().Error().Err(err).Msg("Server error")
		return err
	}
	getLog().Info().Msg("Server shut down")
	return nil
}
