// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/noldarim/kernelwire/internal/channel"
	"github.com/noldarim/kernelwire/internal/client"
	"github.com/noldarim/kernelwire/internal/protocol"
	"github.com/noldarim/kernelwire/internal/server"

	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

type runOptions struct {
	configPath string
	url        string        // --url: remote kernel; empty runs one in-process
	jsonOut    bool          // --json: print event frames instead of text
	noColor    bool          // --no-color: plain labels even on a terminal
	diagnose   bool          // --diagnose: analyse without executing
	timeout    time.Duration // --timeout: per submission
}

func runCommand(args []string, std streams) error {
	opts := &runOptions{}
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(std.stderr)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file (default: search kernelwire.yaml)")
	fs.StringVar(&opts.url, "url", "", "WebSocket URL of a running server (default: start a kernel in-process)")
	fs.BoolVar(&opts.jsonOut, "json", false, "Print every event as a JSON frame")
	fs.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	fs.BoolVar(&opts.diagnose, "diagnose", false, "Only report diagnostics, do not execute")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Maximum time to wait for each submission")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Each argument is one submission; without arguments each stdin line is.
	submissions := fs.Args()
	if len(submissions) == 0 {
		lines, err := readSubmissions(std.stdin)
		if err != nil {
			return err
		}
		submissions = lines
	}
	if len(submissions) == 0 {
		return fmt.Errorf("no code to run\n\nUsage:\n  %s run \"<code>\" [\"<code>\" ...]\n  echo \"<code>\" | %s run", appName, appName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, opts.configPath)
	if err != nil {
		return err
	}
	defer rt.close()

	return executeRun(ctx, rt, submissions, opts, std)
}

func readSubmissions(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read submissions: %w", err)
	}
	return out, nil
}

func executeRun(ctx context.Context, rt *runtime, submissions []string, opts *runOptions, std streams) error {
	transport, cleanup, err := connect(ctx, rt, opts.url)
	if err != nil {
		return err
	}
	defer cleanup()

	c := client.New(transport)
	defer c.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	select {
	case <-c.Ready():
	case err := <-runErr:
		if err == nil {
			err = errors.New("kernel closed the connection before it was ready")
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	p := &printer{
		out:    std.stdout,
		errOut: std.stderr,
		json:   opts.jsonOut,
		codec:  protocol.NewCodec(),
		styles: newStyles(std.stderr, opts.noColor),
	}
	submissionType := protocol.SubmissionRun
	if opts.diagnose {
		submissionType = protocol.SubmissionDiagnose
	}

	failed := 0
	for _, code := range submissions {
		subCtx, cancel := context.WithTimeout(ctx, opts.timeout)
		comp, err := c.Execute(subCtx, protocol.SubmitCode{Code: code, SubmissionType: submissionType})
		cancel()
		if err != nil {
			return fmt.Errorf("submission %q: %w", code, err)
		}
		p.print(comp.Events)
		if !comp.Succeeded() {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed, len(submissions))
	}
	return nil
}

// connect dials url, or starts an in-process kernel server behind a pipe when
// url is empty. cleanup releases whatever connect started.
func connect(ctx context.Context, rt *runtime, url string) (channel.Transport, func(), error) {
	if url != "" {
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		getLog().Info().Str("url", url).Msg("Connected to kernel server")
		transport := channel.NewWebSocketTransport(conn, channel.WebSocketOptions{
			ReadLimit:  int64(rt.cfg.Transport.MaxFrameBytes),
			PingPeriod: rt.cfg.Transport.PingPeriod,
			WriteWait:  rt.cfg.Transport.WriteTimeout,
		})
		return transport, func() { transport.Close() }, nil
	}

	host, err := rt.newHost()
	if err != nil {
		return nil, nil, err
	}
	local, peer := channel.NewPipe()
	srv := server.NewKernelServer(host, local, server.WithName("in-process"), server.WithTracer(rt.tracer.Tracer()))
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(context.WithoutCancel(ctx)); err != nil {
			getLog().Error().Err(err).Msg("In-process kernel server failed")
		}
	}()

	return peer, func() {
		srv.Dispose()
		<-done
		host.Close()
	}, nil
}

// styles color the labels printed on stderr. Values are never styled since
// multi-line renderings must reach the terminal unchanged.
type styles struct {
	failure  lipgloss.Style
	warning  lipgloss.Style
	location lipgloss.Style
}

func newStyles(w io.Writer, noColor bool) styles {
	if noColor {
		plain := lipgloss.NewStyle()
		return styles{failure: plain, warning: plain, location: plain}
	}
	r := lipgloss.NewRenderer(w)
	return styles{
		failure:  r.NewStyle().Foreground(lipgloss.Color("196")),
		warning:  r.NewStyle().Foreground(lipgloss.Color("214")),
		location: r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

// printer renders events for a terminal.
type printer struct {
	out    io.Writer
	errOut io.Writer
	json   bool
	codec  *protocol.Codec
	styles styles
}

func (p *printer) print(events []protocol.Event) {
	for _, ev := range events {
		if p.json {
			frame, err := p.codec.EncodeEvent(ev)
			if err != nil {
				fmt.Fprintf(p.errOut, "error: %v\n", err)
				continue
			}
			fmt.Fprintln(p.out, frame)
			continue
		}

		switch e := ev.(type) {
		case protocol.ReturnValueProduced:
			fmt.Fprintln(p.out, plain(e.FormattedValues))
		case protocol.DisplayedValueProduced:
			fmt.Fprintln(p.out, plain(e.FormattedValues))
		case protocol.DisplayedValueUpdated:
			fmt.Fprintln(p.out, plain(e.FormattedValues))
		case protocol.StandardOutputValueProduced:
			fmt.Fprintln(p.out, plain(e.FormattedValues))
		case protocol.StandardErrorValueProduced:
			fmt.Fprintln(p.errOut, plain(e.FormattedValues))
		case protocol.DiagnosticsProduced:
			for _, d := range e.Diagnostics {
				loc := fmt.Sprintf("(%d,%d):", d.LinePositionSpan.Start.Line+1, d.LinePositionSpan.Start.Character+1)
				fmt.Fprintf(p.errOut, "%s %s %s: %s\n",
					p.styles.location.Render(loc), p.severity(d.Severity), d.Code, d.Message)
			}
		case protocol.IncompleteCodeSubmissionReceived:
			fmt.Fprintln(p.errOut, p.styles.warning.Render("incomplete submission"))
		case protocol.CommandFailed:
			fmt.Fprintf(p.errOut, "%s %s\n", p.styles.failure.Render("error:"), e.Message)
		}
	}
}

func (p *printer) severity(s protocol.DiagnosticSeverity) string {
	if s == protocol.SeverityError {
		return p.styles.failure.Render(string(s))
	}
	return p.styles.warning.Render(string(s))
}

// plain picks the text/plain rendering, falling back to the first one.
func plain(values []protocol.FormattedValue) string {
	v, ok := lo.Find(values, func(v protocol.FormattedValue) bool { return v.MimeType == protocol.PlainText })
	if ok {
		return v.Value
	}
	if len(values) > 0 {
		return values[0].Value
	}
	return ""
}
