// Package browser drives a browser engine over the debugging protocol. A
// Browser owns one devtools connection and the browser contexts created on
// it; each context owns its pages, and each page owns the frames and network
// managers built from its session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	defaultInitTimeout       = 30 * time.Second
	releaseTimeout           = 10 * time.Second
	shutdownGracePeriod      = 15 * time.Second
)

// ErrClosed is returned by operations on a closed Browser or BrowserContext.
var ErrClosed = errors.New("browser: closed")

// Options configures a Browser and everything created from it.
type Options struct {
	Logger   *zap.Logger
	Reporter *observability.Reporter
	// Profile, when set, is applied to every page and worker.
	Profile *emulation.Profile
	// NavigationTimeout bounds navigations and frame waits whose context
	// has no deadline.
	NavigationTimeout time.Duration
	// InitTimeout bounds the initialization of an attached page or worker.
	InitTimeout  time.Duration
	ExtraHeaders map[string]string
	// ProxyServer routes every new browser context through a proxy.
	ProxyServer     string
	ProxyBypassList string
	// ProxyAuth answers proxy authentication challenges with the browser
	// context id as user name, which is how the intercepting proxy resolves
	// the session a request belongs to.
	ProxyAuth bool
	// IgnoreCertificateErrors makes the engine accept the certificates the
	// intercepting proxy signs for TLS origins.
	IgnoreCertificateErrors bool
	// Conn tunes the connection made by Connect. Its Registry and Reporter
	// are overridden.
	Conn devtools.Options
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = defaultNavigationTimeout
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = defaultInitTimeout
	}
	return o
}

// Version describes the connected engine.
type Version struct {
	ProtocolVersion string
	Product         string
	Revision        string
	UserAgent       string
	JSVersion       string
}

// Browser is a connected browser engine.
type Browser struct {
	conn   *devtools.Conn
	root   *devtools.Session
	logger *zap.Logger
	opts   Options

	mu       sync.RWMutex
	contexts map[cdp.BrowserContextID]*BrowserContext
	wg       sync.WaitGroup // open contexts
	offs     []func()
	closed   bool
}

// Connect dials the engine's browser endpoint and initializes a Browser on
// it. reg may be nil.
func Connect(ctx context.Context, wsURL string, reg *devtools.Registry, opts Options) (*Browser, error) {
	opts = opts.withDefaults()
	connOpts := opts.Conn
	connOpts.Registry = reg
	connOpts.Reporter = opts.Reporter
	conn, err := devtools.Dial(ctx, wsURL, opts.Logger, connOpts)
	if err != nil {
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}
	b := New(conn, opts)
	if err := b.Initialize(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return b, nil
}

// New wraps an established connection. Call Initialize before creating
// contexts so new pages are attached paused.
func New(conn *devtools.Conn, opts Options) *Browser {
	opts = opts.withDefaults()
	b := &Browser{
		conn:     conn,
		root:     conn.Root(),
		logger:   opts.Logger.Named("browser"),
		opts:     opts,
		contexts: make(map[cdp.BrowserContextID]*BrowserContext),
	}
	b.offs = []func(){
		devtools.Listen(b.root, cdproto.EventTargetAttachedToTarget, b.onAttachedToTarget),
		devtools.Listen(b.root, cdproto.EventTargetTargetCrashed, b.onTargetCrashed),
	}
	return b
}

// Initialize makes the engine attach to every new page and hold it until
// it has been set up.
func (b *Browser) Initialize(ctx context.Context) error {
	err := target.SetAutoAttach(true, true).WithFlatten(true).Do(b.root.WithExecutor(ctx))
	if err != nil {
		return fmt.Errorf("enabling auto attach: %w", err)
	}
	if b.opts.IgnoreCertificateErrors {
		if err := security.SetIgnoreCertificateErrors(true).Do(b.root.WithExecutor(ctx)); err != nil {
			return fmt.Errorf("ignoring certificate errors: %w", err)
		}
	}
	b.logger.Info("Browser initialized.")
	return nil
}

// Conn returns the underlying connection.
func (b *Browser) Conn() *devtools.Conn { return b.conn }

// Version queries the engine's version information.
func (b *Browser) Version(ctx context.Context) (Version, error) {
	proto, product, rev, ua, js, err := cdpbrowser.GetVersion().Do(b.root.WithExecutor(ctx))
	if err != nil {
		return Version{}, fmt.Errorf("getting browser version: %w", err)
	}
	return Version{ProtocolVersion: proto, Product: product, Revision: rev, UserAgent: ua, JSVersion: js}, nil
}

// NewContext creates an isolated browser context.
func (b *Browser) NewContext(ctx context.Context) (*BrowserContext, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	create := target.CreateBrowserContext().WithDisposeOnDetach(true)
	if b.opts.ProxyServer != "" {
		create = create.WithProxyServer(b.opts.ProxyServer)
		if b.opts.ProxyBypassList != "" {
			create = create.WithProxyBypassList(b.opts.ProxyBypassList)
		}
	}
	id, err := create.Do(b.root.WithExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("creating browser context: %w", err)
	}

	bc := newBrowserContext(b, id)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = target.DisposeBrowserContext(id).Do(b.root.WithExecutor(ctx))
		return nil, ErrClosed
	}
	b.wg.Add(1)
	bc.onClose = func() {
		b.mu.Lock()
		delete(b.contexts, id)
		b.mu.Unlock()
		b.wg.Done()
		b.logger.Debug("Browser context removed.", zap.String("context_id", string(id)))
	}
	b.contexts[id] = bc
	b.mu.Unlock()

	b.logger.Info("New browser context created.", zap.String("context_id", string(id)))
	return bc, nil
}

// Contexts returns the open browser contexts.
func (b *Browser) Contexts() []*BrowserContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*BrowserContext, 0, len(b.contexts))
	for _, bc := range b.contexts {
		out = append(out, bc)
	}
	return out
}

func (b *Browser) browserContext(id cdp.BrowserContextID) (*BrowserContext, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bc, ok := b.contexts[id]
	return bc, ok
}

// onAttachedToTarget routes pages to the context they were created in.
// Targets nobody owns are let go.
func (b *Browser) onAttachedToTarget(ev *target.EventAttachedToTarget) {
	s, ok := b.conn.Session(ev.SessionID)
	if !ok || ev.TargetInfo == nil {
		return
	}
	info := ev.TargetInfo
	if info.Type == "page" {
		if bc, ok := b.browserContext(info.BrowserContextID); ok {
			go bc.adoptPage(s, info, ev.WaitingForDebugger)
			return
		}
	}
	b.logger.Debug("Releasing unowned target",
		zap.String("target_id", string(info.TargetID)), zap.String("type", info.Type))
	go release(s, ev.WaitingForDebugger, b.logger)
}

func (b *Browser) onTargetCrashed(ev *target.EventTargetCrashed) {
	for _, bc := range b.Contexts() {
		if p, ok := bc.page(ev.TargetID); ok {
			p.crashed(ev.Status, ev.ErrorCode)
			return
		}
	}
}

// release resumes a target paused on start and detaches from it.
func release(s *devtools.Session, waiting bool, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if waiting {
		if err := runtime.RunIfWaitingForDebugger().Do(s.WithExecutor(ctx)); err != nil && !devtools.IsDisconnected(err) {
			logger.Debug("Could not resume target", zap.String("session_id", string(s.ID())), zap.Error(err))
		}
	}
	_ = s.Close(ctx)
}

// Close closes every context concurrently, waits for them up to ctx (or a
// grace period when ctx has no deadline), then closes the connection.
func (b *Browser) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	toClose := make([]*BrowserContext, 0, len(b.contexts))
	for _, bc := range b.contexts {
		toClose = append(toClose, bc)
	}
	offs := b.offs
	b.offs = nil
	b.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownGracePeriod)
		defer cancel()
	}

	b.logger.Info("Shutting down browser.", zap.Int("contexts", len(toClose)))
	for _, bc := range toClose {
		go func(bc *BrowserContext) {
			if err := bc.Close(ctx); err != nil {
				b.logger.Warn("Error during context close in shutdown.", zap.String("context_id", string(bc.ID())), zap.Error(err))
			}
		}(bc)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.logger.Info("All browser contexts closed gracefully.")
	case <-ctx.Done():
		b.logger.Warn("Timeout waiting for browser contexts to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	}

	for _, off := range offs {
		off()
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("closing browser connection: %w", err)
	}
	return nil
}
