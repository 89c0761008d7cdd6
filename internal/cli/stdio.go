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

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/noldarim/kernelwire/internal/server"
)

type stdioOptions struct {
	configPath string
	noRaw      bool
}

func stdioCommand(args []string, std streams) error {
	opts := &stdioOptions{}
	fs := flag.NewFlagSet("stdio", flag.ContinueOnError)
	fs.SetOutput(std.stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (default: search kernelwire.yaml)")
	fs.BoolVar(&opts.noRaw, "no-raw", false, "Reject frames that are not JSON envelopes instead of treating them as code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("stdio takes no arguments, got %q", fs.Args())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer rt.close()
	return serveStdio(ctx, rt, std, opts)
}

// serveStdio runs one kernel server over the given streams until the input
// ends, ctx is cancelled or the channel fails.
func serveStdio(ctx context.Context, rt *runtime, std streams, opts *stdioOptions) error {
	host, err := rt.newHost()
	if err != nil {
		return err
	}
	defer host.Close()

	transport := channel.NewLineTransport(std.stdin, std.stdout,
		channel.WithMaxFrameBytes(rt.cfg.Transport.MaxFrameBytes))
	defer transport.Close()

	accept := rt.cfg.Transport.AcceptRawSubmissions && !opts.noRaw
	srv := server.NewKernelServer(host, transport,
		server.WithName("stdio"),
		server.WithCodec(protocol.NewCodec(protocol.WithRawSubmissions(accept))),
		server.WithTracer(rt.tracer.Tracer()),
	)

	getLog().Info().Bool("raw_submissions", accept).Msg("Serving kernel on stdio")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("stdio channel failed: %w", err)
	}
	return nil
}
