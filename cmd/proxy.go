package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
	"github.com/xkilldash9x/scalpel-puppet/internal/mitm"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
	"github.com/xkilldash9x/scalpel-puppet/internal/recorder"
)

func newProxyCmd(a *app) *cobra.Command {
	var (
		sessions      []string
		challengeAuth bool
	)
	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Runs the intercepting proxy on its own",
		Long: `Runs the intercepting proxy without a browser. Clients select a session by
sending its id as the user name of Basic Proxy-Authorization credentials.
Sessions named with --session get the configured block and emulation policy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProxy(cmd.Context(), a, cmd.OutOrStdout(), sessions, challengeAuth)
		},
	}

	flags := proxyCmd.Flags()
	flags.StringSliceVar(&sessions, "session", nil, "session ids to register")
	flags.BoolVar(&challengeAuth, "challenge-auth", false, "answer requests without credentials with 407")
	flags.String("address", "", "listen address")
	flags.String("metrics-address", "", "serve Prometheus metrics on this address")
	flags.String("policy", "", "unresolved session policy (pass or reject)")
	flags.StringSlice("block", nil, "resource types blocked for registered sessions")
	flags.String("sink", "", "recorder sink (none, jsonl, postgres)")
	flags.String("record-path", "", "JSONL recording path, - for stdout")
	flags.String("ca-cert", "", "interception CA certificate, created with its key if missing")
	flags.String("ca-key", "", "interception CA private key")

	bindConfigKey(flags, "address", "proxy.address")
	bindConfigKey(flags, "metrics-address", "proxy.metrics_address")
	bindConfigKey(flags, "policy", "proxy.unresolved_session_policy")
	bindConfigKey(flags, "block", "proxy.blocked_resource_types")
	bindConfigKey(flags, "sink", "recorder.sink")
	bindConfigKey(flags, "record-path", "recorder.path")
	bindConfigKey(flags, "ca-cert", "proxy.ca_cert")
	bindConfigKey(flags, "ca-key", "proxy.ca_key")
	return proxyCmd
}

func runProxy(ctx context.Context, a *app, out io.Writer, sessionIDs []string, challengeAuth bool) error {
	cfg := a.cfg
	logger := a.logger
	reporter := observability.NewReporter(logger)

	delegate, err := emulation.NewDelegate(profileFromConfig(cfg.Browser()))
	if err != nil {
		return err
	}

	sink, err := recorder.OpenSink(ctx, cfg.Recorder(), logger)
	if err != nil {
		return fmt.Errorf("opening recorder sink: %w", err)
	}
	rec := recorder.New(sink, recorder.Options{
		Logger:        logger,
		Reporter:      reporter,
		BatchSize:     cfg.Recorder().BatchSize,
		FlushInterval: cfg.Recorder().FlushInterval,
	})
	defer func() {
		if err := rec.Close(context.Background()); err != nil && !errors.Is(err, recorder.ErrClosed) {
			logger.Warn("Error flushing recorder", zap.Error(err))
		}
	}()

	var reg *prometheus.Registry
	if cfg.Proxy().MetricsAddress != "" {
		reg = prometheus.NewRegistry()
	}
	proxy, err := newProxy(cfg.Proxy(), logger, reporter, registerer(reg), challengeAuth)
	if err != nil {
		return err
	}
	defer proxy.Close()
	off := rec.AttachFunc(proxy.Events(), proxyEventIDs)
	defer off()

	for _, id := range sessionIDs {
		proxy.Sessions().Register(mitm.NewRequestSession(id, sessionOptions(cfg.Proxy(), delegate)))
	}

	addr, err := proxy.Listen(cfg.Proxy().Address)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Proxy listening on %s\n", addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return proxy.Serve(gctx) })
	if reg != nil {
		g.Go(func() error { return serveMetrics(gctx, cfg.Proxy().MetricsAddress, reg, logger) })
	}
	return g.Wait()
}
