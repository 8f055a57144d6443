// Package launcher starts a local browser engine with remote debugging enabled
// and discovers its browser-level debugging endpoint.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/config"
)

const defaultLaunchTimeout = 30 * time.Second

// Options configures Launch.
type Options struct {
	Browser config.BrowserConfig
	// ProxyServer routes all engine traffic through the given host:port.
	ProxyServer string
	// Port fixes the remote debugging port. Zero picks a free one.
	Port   int
	Logger *zap.Logger
}

// Process is a running browser engine.
type Process struct {
	wsURL  string
	port   int
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
	closeOnce     sync.Once
}

// Launch starts the engine and blocks until its debugging endpoint answers or
// the launch timeout expires.
func Launch(ctx context.Context, opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("launcher")

	port := opts.Port
	if port == 0 {
		p, err := freePort()
		if err != nil {
			return nil, fmt.Errorf("failed to reserve debugging port: %w", err)
		}
		port = p
	}

	timeout := opts.Browser.LaunchTimeout
	if timeout <= 0 {
		timeout = defaultLaunchTimeout
	}

	// The allocator context outlives ctx; it is tied to the process lifetime.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts, port)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	proc := &Process{
		port:          port,
		logger:        logger,
		allocCancel:   allocCancel,
		browserCancel: browserCancel,
	}

	logger.Info("Launching browser engine.",
		zap.String("executable", opts.Browser.ExecutablePath),
		zap.Bool("headless", opts.Browser.Headless),
		zap.Int("port", port))

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			proc.Close()
			return nil, fmt.Errorf("failed to start browser engine: %w", err)
		}
	case <-startCtx.Done():
		proc.Close()
		return nil, fmt.Errorf("browser engine did not start within %s: %w", timeout, startCtx.Err())
	}

	wsURL, err := Discover(startCtx, "http://127.0.0.1:"+strconv.Itoa(port), logger)
	if err != nil {
		proc.Close()
		return nil, err
	}
	proc.wsURL = wsURL
	logger.Info("Browser engine is ready.", zap.String("ws_url", wsURL))
	return proc, nil
}

func allocatorOptions(opts Options, port int) []chromedp.ExecAllocatorOption {
	cfg := opts.Browser
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(port)),
	)
	if cfg.ExecutablePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(cfg.ExecutablePath))
	}
	if cfg.UserDataDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(cfg.UserDataDir))
	}
	if cfg.IgnoreTLSErrors {
		allocOpts = append(allocOpts, chromedp.IgnoreCertErrors)
	}
	if opts.ProxyServer != "" {
		allocOpts = append(allocOpts,
			chromedp.ProxyServer(opts.ProxyServer),
			// Loopback requests still go through the proxy.
			chromedp.Flag("proxy-bypass-list", "<-loopback>"),
		)
	}
	for _, arg := range cfg.Args {
		name, value := parseFlag(arg)
		if name == "" {
			continue
		}
		allocOpts = append(allocOpts, chromedp.Flag(name, value))
	}
	return allocOpts
}

// parseFlag turns "--name=value" into a string flag and "--name" into a
// boolean one.
func parseFlag(arg string) (string, any) {
	arg = strings.TrimLeft(strings.TrimSpace(arg), "-")
	name, value, ok := strings.Cut(arg, "=")
	if !ok {
		return name, true
	}
	return name, value
}

// WebSocketURL is the browser-level debugging endpoint.
func (p *Process) WebSocketURL() string { return p.wsURL }

// Port is the remote debugging port.
func (p *Process) Port() int { return p.port }

// Close terminates the engine and waits for it to exit.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		p.browserCancel()
		p.allocCancel()
		p.logger.Info("Browser engine stopped.")
	})
}

// Discover polls the /json/version document under endpoint until it names a
// browser debugging URL or ctx expires.
func Discover(ctx context.Context, endpoint string, logger *zap.Logger) (string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 60
	client.RetryWaitMin = 50 * time.Millisecond
	client.RetryWaitMax = 500 * time.Millisecond
	client.HTTPClient.Timeout = 2 * time.Second
	client.Logger = nil
	client.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if retry, rerr := retryablehttp.DefaultRetryPolicy(ctx, resp, err); retry || rerr != nil {
			return retry, rerr
		}
		// The endpoint answers 404 until the browser target is up.
		return resp != nil && resp.StatusCode != http.StatusOK, nil
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(endpoint, "/")+"/json/version", nil)
	if err != nil {
		return "", fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach debugging endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("debugging endpoint answered %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read version document: %w", err)
	}
	doc := gjson.ParseBytes(body)
	wsURL := doc.Get("webSocketDebuggerUrl").String()
	if wsURL == "" {
		return "", errors.New("version document has no webSocketDebuggerUrl")
	}
	logger.Debug("Discovered debugging endpoint.",
		zap.String("browser", doc.Get("Browser").String()),
		zap.String("protocol", doc.Get("Protocol-Version").String()))
	return wsURL, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
