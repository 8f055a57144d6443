package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-puppet/internal/browser"
	"github.com/xkilldash9x/scalpel-puppet/internal/config"
	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/launcher"
	"github.com/xkilldash9x/scalpel-puppet/internal/mitm"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
	"github.com/xkilldash9x/scalpel-puppet/internal/recorder"
)

const shutdownTimeout = 15 * time.Second

func newRunCmd(a *app) *cobra.Command {
	var (
		contexts int
		keepOpen bool
	)
	runCmd := &cobra.Command{
		Use:   "run [urls...]",
		Short: "Launches or connects to a browser and opens each URL in its own page",
		Long: `Starts the intercepting proxy, launches a browser engine (or connects to
the one given by --ws-url) and opens every URL in a new page. Pages are spread
over --contexts isolated browser contexts. Page, frame, network and proxy events
are written to the configured recorder sink.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if contexts < 1 {
				return fmt.Errorf("--contexts must be at least 1")
			}
			st, err := startStack(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer st.Shutdown()

			if err := st.visit(ctx, args, contexts); err != nil {
				return err
			}
			if keepOpen {
				a.logger.Info("Pages are open. Press Ctrl+C to exit.")
				<-ctx.Done()
			}
			return nil
		},
	}

	flags := runCmd.Flags()
	flags.IntVar(&contexts, "contexts", 1, "number of isolated browser contexts to spread pages over")
	flags.BoolVar(&keepOpen, "keep-open", false, "keep the browser running until interrupted")
	flags.String("ws-url", "", "connect to a running browser endpoint instead of launching one")
	flags.Bool("headless", true, "run the launched browser headless")
	flags.String("executable-path", "", "browser executable to launch")
	flags.Bool("proxy", true, "route pages through the intercepting proxy")
	flags.StringSlice("block", nil, "resource types the proxy blocks (e.g. image,font,media)")
	flags.String("sink", "", "recorder sink (none, jsonl, postgres)")
	flags.String("record-path", "", "JSONL recording path, - for stdout")

	bindConfigKey(flags, "ws-url", "cdp.ws_url")
	bindConfigKey(flags, "headless", "browser.headless")
	bindConfigKey(flags, "executable-path", "browser.executable_path")
	bindConfigKey(flags, "proxy", "proxy.enabled")
	bindConfigKey(flags, "block", "proxy.blocked_resource_types")
	bindConfigKey(flags, "sink", "recorder.sink")
	bindConfigKey(flags, "record-path", "recorder.path")
	return runCmd
}

// stack is everything run starts, torn down in reverse order.
type stack struct {
	cfg      *config.Config
	logger   *zap.Logger
	reporter *observability.Reporter
	profile  emulation.Profile
	delegate *emulation.Delegate

	recorder  *recorder.Recorder
	proxy     *mitm.Proxy
	proxyDone chan struct{}
	stopAux   context.CancelFunc
	process   *launcher.Process
	registry  *devtools.Registry
	browser   *browser.Browser
	offs      []func()
}

func startStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (st *stack, err error) {
	st = &stack{
		cfg:      cfg,
		logger:   logger,
		reporter: observability.NewReporter(logger),
		profile:  profileFromConfig(cfg.Browser()),
		registry: devtools.NewRegistry(),
	}
	defer func() {
		if err != nil {
			st.Shutdown()
		}
	}()

	if st.delegate, err = emulation.NewDelegate(st.profile); err != nil {
		return st, err
	}

	sink, err := recorder.OpenSink(ctx, cfg.Recorder(), logger)
	if err != nil {
		return st, fmt.Errorf("opening recorder sink: %w", err)
	}
	st.recorder = recorder.New(sink, recorder.Options{
		Logger:        logger,
		Reporter:      st.reporter,
		BatchSize:     cfg.Recorder().BatchSize,
		FlushInterval: cfg.Recorder().FlushInterval,
	})

	browserOpts := browser.Options{
		Logger:            logger,
		Reporter:          st.reporter,
		Profile:           &st.profile,
		NavigationTimeout: cfg.Browser().NavigationTimeout,
		Conn: devtools.Options{
			CommandTimeout: cfg.CDP().CommandTimeout,
			WriteTimeout:   cfg.CDP().WriteTimeout,
			ReadLimit:      cfg.CDP().ReadLimit,
			Trace:          cfg.CDP().TraceMessages,
		},
	}

	if cfg.Proxy().Enabled {
		addr, err := st.startProxy(ctx)
		if err != nil {
			return st, err
		}
		browserOpts.ProxyServer = "http://" + addr
		browserOpts.ProxyBypassList = "<-loopback>"
		browserOpts.ProxyAuth = true
		browserOpts.IgnoreCertificateErrors = st.proxy.Intercepts()
	}

	wsURL := cfg.CDP().WebSocketURL
	if wsURL == "" {
		st.process, err = launcher.Launch(ctx, launcher.Options{Browser: cfg.Browser(), Logger: logger})
		if err != nil {
			return st, err
		}
		wsURL = st.process.WebSocketURL()
	}

	st.browser, err = browser.Connect(ctx, wsURL, st.registry, browserOpts)
	if err != nil {
		return st, err
	}
	if v, err := st.browser.Version(ctx); err == nil {
		logger.Info("Connected to browser.", zap.String("product", v.Product), zap.String("protocol", v.ProtocolVersion))
	}
	return st, nil
}

func (st *stack) startProxy(ctx context.Context) (string, error) {
	proxyCfg := st.cfg.Proxy()
	var reg *prometheus.Registry
	if proxyCfg.MetricsAddress != "" {
		reg = prometheus.NewRegistry()
	}
	var err error
	st.proxy, err = newProxy(proxyCfg, st.logger, st.reporter, registerer(reg), true)
	if err != nil {
		return "", err
	}
	addr, err := st.proxy.Listen(proxyCfg.Address)
	if err != nil {
		return "", err
	}
	st.offs = append(st.offs, st.recorder.AttachFunc(st.proxy.Events(), proxyEventIDs))

	st.proxyDone = make(chan struct{})
	go func() {
		defer close(st.proxyDone)
		if err := st.proxy.Serve(context.WithoutCancel(ctx)); err != nil {
			st.reporter.Report("", "proxy.serve", err)
		}
	}()
	if reg != nil {
		auxCtx, stop := context.WithCancel(ctx)
		st.stopAux = stop
		go func() {
			if err := serveMetrics(auxCtx, proxyCfg.MetricsAddress, reg, st.logger); err != nil {
				st.reporter.Report("", "proxy.metrics", err)
			}
		}()
	}
	return addr.String(), nil
}

// registerer avoids handing a typed nil to an interface.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}

// newContext opens a browser context, registers it with the proxy and
// records its pages.
func (st *stack) newContext(ctx context.Context) (*browser.BrowserContext, error) {
	bc, err := st.browser.NewContext(ctx)
	if err != nil {
		return nil, err
	}
	id := string(bc.ID())
	if st.proxy != nil {
		st.proxy.Sessions().Register(mitm.NewRequestSession(id, sessionOptions(st.cfg.Proxy(), st.delegate)))
		st.offs = append(st.offs, func() { st.proxy.Sessions().Remove(id) })
	}
	st.offs = append(st.offs,
		st.recorder.Attach(bc.Events(), "", id),
		events.On(bc.Events(), func(ev browser.PageCreated) {
			st.recorder.Attach(ev.Page.Events(), ev.Page.TargetID(), id)
		}),
	)
	return bc, nil
}

// visit opens urls round robin over n contexts, one page each.
func (st *stack) visit(ctx context.Context, urls []string, n int) error {
	if n > len(urls) && len(urls) > 0 {
		n = len(urls)
	}
	bcs := make([]*browser.BrowserContext, 0, n)
	for i := 0; i < n; i++ {
		bc, err := st.newContext(ctx)
		if err != nil {
			return err
		}
		bcs = append(bcs, bc)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range urls {
		target := normalizeURL(raw)
		bc := bcs[i%len(bcs)]
		g.Go(func() error {
			page, err := bc.NewPage(gctx)
			if err != nil {
				return err
			}
			logger := st.logger.With(zap.String("target_id", page.TargetID()), zap.String("url", target))
			if err := page.Navigate(gctx, target, ""); err != nil {
				var navErr *browser.NavigationError
				if errors.As(err, &navErr) {
					logger.Warn("Navigation failed.", zap.String("error_text", navErr.ErrorText))
					return nil
				}
				return fmt.Errorf("navigating to %s: %w", target, err)
			}
			cookies, err := page.GetPageCookies(gctx)
			if err != nil {
				logger.Warn("Could not read page cookies.", zap.Error(err))
			}
			finalURL := target
			if mf := page.MainFrame(); mf != nil {
				finalURL = mf.URL()
			}
			logger.Info("Page loaded.", zap.String("final_url", finalURL), zap.Int("cookies", len(cookies)))
			return nil
		})
	}
	return g.Wait()
}

// Shutdown stops everything that was started. It is safe on a partially
// started stack.
func (st *stack) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if st.browser != nil {
		if err := st.browser.Close(ctx); err != nil {
			st.logger.Warn("Error during browser shutdown", zap.Error(err))
		}
	}
	if st.process != nil {
		st.process.Close()
	}
	for i := len(st.offs) - 1; i >= 0; i-- {
		st.offs[i]()
	}
	st.offs = nil
	if st.stopAux != nil {
		st.stopAux()
	}
	if st.proxy != nil {
		if err := st.proxy.Close(); err != nil {
			st.logger.Warn("Error closing proxy", zap.Error(err))
		}
		if st.proxyDone != nil {
			<-st.proxyDone
		}
	}
	if st.recorder != nil {
		if err := st.recorder.Close(ctx); err != nil && !errors.Is(err, recorder.ErrClosed) {
			st.logger.Warn("Error flushing recorder", zap.Error(err))
		}
	}
	if err := st.registry.Close(); err != nil {
		st.logger.Warn("Error closing session registry", zap.Error(err))
	}
}

// normalizeURL adds https:// to bare host names.
func normalizeURL(raw string) string {
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "about:") || strings.HasPrefix(raw, "data:") {
		return raw
	}
	return "https://" + raw
}
