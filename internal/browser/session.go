package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-puppet/internal/browser/frames"
	"github.com/xkilldash9x/scalpel-puppet/internal/browser/network"
	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

// NavigationError is the engine refusing a navigation outright, for
// example on a DNS failure.
type NavigationError struct {
	URL       string
	ErrorText string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigating to %s: %s", e.URL, e.ErrorText)
}

// Page is one tab. It owns the frames and network managers of its session
// and re-publishes their events on its own registry, next to the page
// events.
type Page struct {
	base
	context *BrowserContext
	opener  *Page
	logger  *zap.Logger
	opts    Options
	frames  *frames.Manager
	network *network.Manager
	events  *events.Registry

	ready   chan struct{}
	initErr error

	mu      sync.Mutex
	workers map[target.ID]*Worker
	offs    []func()

	crashOnce   sync.Once
	disposeOnce sync.Once
}

func newPage(bc *BrowserContext, s *devtools.Session, info *target.Info, opener *Page) *Page {
	opts := bc.browser.opts
	logger := opts.Logger.Named("page").With(
		zap.String("session_id", string(s.ID())),
		zap.String("target_id", string(info.TargetID)),
	)
	p := &Page{
		base:    base{session: s, targetID: string(info.TargetID)},
		context: bc,
		opener:  opener,
		logger:  logger,
		opts:    opts,
		frames: frames.NewManager(s, frames.Options{
			Logger:         opts.Logger,
			Reporter:       opts.Reporter,
			DefaultTimeout: opts.NavigationTimeout,
		}),
		// The page applies the full emulation profile itself.
		network: network.NewManager(s, network.Options{
			Logger:       opts.Logger,
			Reporter:     opts.Reporter,
			ExtraHeaders: opts.ExtraHeaders,
		}),
		events:  events.NewRegistry(logger, opts.Reporter, string(s.ID())),
		ready:   make(chan struct{}),
		workers: make(map[target.ID]*Worker),
	}

	p.offs = []func(){
		devtools.Listen(s, cdproto.EventRuntimeExceptionThrown, p.onRuntimeException),
		devtools.Listen(s, cdproto.EventRuntimeConsoleAPICalled, p.onRuntimeConsole),
		devtools.Listen(s, cdproto.EventInspectorTargetCrashed, func(*inspector.EventTargetCrashed) { p.crashed("crashed", 0) }),
		devtools.Listen(s, cdproto.EventTargetAttachedToTarget, p.onAttachedToTarget),
		p.frames.Events().OnAll(p.events.Emit),
		p.network.Events().OnAll(p.events.Emit),
		events.On(p.frames.Events(), func(ev frames.FrameLifecycle) {
			if ev.Name == frames.Load && ev.Frame.IsMain() {
				p.events.Emit(Load{FrameID: ev.Frame.ID(), LoaderID: ev.LoaderID})
			}
		}),
	}
	if opts.ProxyAuth {
		p.offs = append(p.offs, p.listenProxyAuth()...)
	}

	go func() {
		<-s.Done()
		p.dispose()
	}()
	return p
}

// initialize enables the domains the page depends on in parallel, waits for
// the opener, then lets the paused page run.
func (p *Page) initialize(ctx context.Context, waiting bool) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.network.Initialize(gctx) })
	g.Go(func() error { return p.frames.Initialize(gctx) })
	g.Go(func() error {
		return target.SetAutoAttach(true, true).WithFlatten(true).Do(p.exec(gctx))
	})
	if prof := p.opts.Profile; prof != nil {
		g.Go(func() error { return prof.Apply(p.exec(gctx), p.logger) })
	}
	if p.opts.ProxyAuth {
		g.Go(func() error { return enableProxyAuth(p.exec(gctx)) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initializing page %s: %w", p.targetID, err)
	}

	if p.opener != nil {
		select {
		case <-p.opener.ready:
		case <-ctx.Done():
			return fmt.Errorf("waiting for opener %s: %w", p.opener.targetID, ctx.Err())
		}
	}

	if waiting {
		if err := runtime.RunIfWaitingForDebugger().Do(p.exec(ctx)); err != nil {
			return fmt.Errorf("resuming page %s: %w", p.targetID, err)
		}
	}
	return nil
}

// Context returns the page's browser context.
func (p *Page) Context() *BrowserContext { return p.context }

// Opener returns the page that opened this one, if any.
func (p *Page) Opener() *Page { return p.opener }

// Events returns the registry page, frame and network events are
// published on.
func (p *Page) Events() *events.Registry { return p.events }

// Frames returns the page's frames manager.
func (p *Page) Frames() *frames.Manager { return p.frames }

// Network returns the page's network manager.
func (p *Page) Network() *network.Manager { return p.network }

// MainFrame returns the top-level frame, nil before the tree is loaded.
func (p *Page) MainFrame() *frames.Frame { return p.frames.MainFrame() }

// Workers returns the service workers attached to the page.
func (p *Page) Workers() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// IsClosed reports whether the page's session is gone.
func (p *Page) IsClosed() bool { return p.session.IsClosed() }

func (p *Page) MarshalJSON() ([]byte, error) {
	out := struct {
		TargetID  string               `json:"targetId"`
		ContextID cdp.BrowserContextID `json:"browserContextId"`
		URL       string               `json:"url,omitempty"`
	}{TargetID: p.targetID, ContextID: p.context.id}
	if mf := p.frames.MainFrame(); mf != nil {
		out.URL = mf.URL()
	}
	return json.Marshal(out)
}

// -- Navigation --

func (p *Page) withNavigationTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.NavigationTimeout)
}

// Navigate loads url in the main frame and waits for the navigation to
// commit. Same-document navigations return as soon as the engine accepts
// them.
func (p *Page) Navigate(ctx context.Context, url, referrer string) error {
	mf := p.frames.MainFrame()
	if mf == nil {
		return fmt.Errorf("page %s has no main frame", p.targetID)
	}
	ctx, cancel := p.withNavigationTimeout(ctx)
	defer cancel()

	nav := page.Navigate(url).WithFrameID(mf.ID())
	if referrer != "" {
		nav = nav.WithReferrer(referrer)
	}
	_, loaderID, errorText, _, err := nav.Do(p.exec(ctx))
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	if errorText != "" {
		return &NavigationError{URL: url, ErrorText: errorText}
	}
	if loaderID == "" {
		return nil
	}
	return mf.WaitForLoader(ctx, loaderID)
}

// GoBack navigates one history entry back. It is a no-op at the start of
// history.
func (p *Page) GoBack(ctx context.Context) error { return p.navigateHistory(ctx, -1) }

// GoForward navigates one history entry forward. It is a no-op at the end
// of history.
func (p *Page) GoForward(ctx context.Context) error { return p.navigateHistory(ctx, 1) }

func (p *Page) navigateHistory(ctx context.Context, delta int) error {
	current, entries, err := page.GetNavigationHistory().Do(p.exec(ctx))
	if err != nil {
		return fmt.Errorf("reading navigation history: %w", err)
	}
	i := int(current) + delta
	if i < 0 || i >= len(entries) {
		return nil
	}
	if err := page.NavigateToHistoryEntry(entries[i].ID).Do(p.exec(ctx)); err != nil {
		return fmt.Errorf("navigating to history entry %d: %w", entries[i].ID, err)
	}
	return nil
}

func (p *Page) Reload(ctx context.Context) error {
	if err := page.Reload().Do(p.exec(ctx)); err != nil {
		return fmt.Errorf("reloading page: %w", err)
	}
	return nil
}

func (p *Page) BringToFront(ctx context.Context) error {
	return page.BringToFront().Do(p.exec(ctx))
}

// Close stops frame tracking and asks the engine to close the page. Closing
// a page whose session is already gone is a no-op.
func (p *Page) Close(ctx context.Context) error {
	p.frames.Close()
	if p.session.IsClosed() {
		return nil
	}
	if err := page.Close().Do(p.exec(ctx)); err != nil && !devtools.IsDisconnected(err) {
		return fmt.Errorf("closing page: %w", err)
	}
	return nil
}

// -- Scripting --

// Evaluate runs expression in the main frame's page world.
func (p *Page) Evaluate(ctx context.Context, expression string) (jsontext.Value, error) {
	mf := p.frames.MainFrame()
	if mf == nil {
		return nil, fmt.Errorf("page %s has no main frame", p.targetID)
	}
	return mf.Evaluate(ctx, expression, false, frames.EvaluateOptions{})
}

// RunInFrames evaluates script in every active frame.
func (p *Page) RunInFrames(ctx context.Context, script string, isolated bool) map[cdp.FrameID]frames.FrameResult {
	return p.frames.RunInActiveFrames(ctx, script, isolated)
}

// AddNewDocumentScript installs script in every current and future
// document of the page.
func (p *Page) AddNewDocumentScript(ctx context.Context, script string, isolated bool) error {
	return p.frames.AddNewDocumentScript(ctx, script, isolated)
}

func (p *Page) SetJavaScriptEnabled(ctx context.Context, enabled bool) error {
	return emulation.SetScriptExecutionDisabled(!enabled).Do(p.exec(ctx))
}

// HandleJavaScriptDialog answers a dialog that cannot be handled in-page.
func (p *Page) HandleJavaScriptDialog(ctx context.Context, accept bool, promptText string) error {
	return page.HandleJavaScriptDialog(accept).WithPromptText(promptText).Do(p.exec(ctx))
}

// -- Event handlers --

func (p *Page) onRuntimeException(ev *runtime.EventExceptionThrown) {
	if ev.ExceptionDetails == nil {
		return
	}
	frameID, _ := p.frames.FrameIDForExecutionContext(p.session.ID(), ev.ExceptionDetails.ExecutionContextID)
	p.events.Emit(PageError{FrameID: frameID, Error: exceptionMessage(ev.ExceptionDetails)})
}

func (p *Page) onRuntimeConsole(ev *runtime.EventConsoleAPICalled) {
	frameID, _ := p.frames.FrameIDForExecutionContext(p.session.ID(), ev.ExecutionContextID)
	p.events.Emit(ConsoleLog{
		FrameID:  frameID,
		Type:     ev.Type.String(),
		Message:  consoleMessage(ev.Args),
		Location: consoleLocation(ev),
	})
	releaseObjects(p.session, ev.Args)
}

// releaseObjects frees the remote handles of console arguments.
func releaseObjects(s *devtools.Session, args []*runtime.RemoteObject) {
	var ids []runtime.RemoteObjectID
	for _, a := range args {
		if a != nil && a.ObjectID != "" {
			ids = append(ids, a.ObjectID)
		}
	}
	if len(ids) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		for _, id := range ids {
			_ = runtime.ReleaseObject(id).Do(s.WithExecutor(ctx))
		}
	}()
}

func (p *Page) crashed(status string, code int64) {
	p.crashOnce.Do(func() {
		p.logger.Warn("Page crashed.", zap.String("status", status), zap.Int64("error_code", code))
		p.events.Emit(TargetCrashed{TargetID: p.targetID, Status: status, ErrorCode: code})
	})
}

// onAttachedToTarget handles targets auto-attached to the page: service
// workers are tracked, out-of-process iframes join the frame tree and
// anything else is resumed and let go.
func (p *Page) onAttachedToTarget(ev *target.EventAttachedToTarget) {
	child, ok := p.session.Conn().Session(ev.SessionID)
	if !ok || ev.TargetInfo == nil {
		return
	}
	info := ev.TargetInfo
	switch info.Type {
	case "service_worker":
		w := newWorker(p, child, info)
		p.mu.Lock()
		p.workers[info.TargetID] = w
		p.mu.Unlock()
		go p.startWorker(w, ev.WaitingForDebugger)
	case "iframe":
		go p.attachFrame(child, ev.WaitingForDebugger)
	default:
		if ev.WaitingForDebugger {
			go release(child, true, p.logger)
		}
	}
}

func (p *Page) startWorker(w *Worker, waiting bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.InitTimeout)
	defer cancel()
	if err := w.initialize(ctx, waiting); err != nil {
		p.opts.Reporter.Report(string(w.session.ID()), "worker.initialize", err)
		return
	}
	p.events.Emit(WorkerCreated{Worker: w})
}

func (p *Page) removeWorker(id target.ID) {
	p.mu.Lock()
	delete(p.workers, id)
	p.mu.Unlock()
}

// attachFrame adopts an out-of-process iframe's session and lets it run.
// Targets attached to the iframe are handled like the page's own.
func (p *Page) attachFrame(s *devtools.Session, waiting bool) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.InitTimeout)
	defer cancel()

	devtools.Listen(s, cdproto.EventTargetAttachedToTarget, p.onAttachedToTarget)
	err := p.frames.AttachFrameSession(ctx, s)
	if err == nil {
		err = target.SetAutoAttach(true, true).WithFlatten(true).Do(s.WithExecutor(ctx))
	}
	if err != nil && !devtools.IsDisconnected(err) {
		p.opts.Reporter.Report(string(s.ID()), "page.attachFrame", err)
	}
	if waiting {
		if err := runtime.RunIfWaitingForDebugger().Do(s.WithExecutor(ctx)); err != nil && !devtools.IsDisconnected(err) {
			p.logger.Debug("Could not resume frame target", zap.String("frame_session_id", string(s.ID())), zap.Error(err))
		}
	}
}

// dispose runs once the page's session is gone, or its context closed.
func (p *Page) dispose() {
	p.disposeOnce.Do(func() {
		p.mu.Lock()
		offs := p.offs
		p.offs = nil
		p.mu.Unlock()
		for _, off := range offs {
			off()
		}
		p.frames.Close()
		p.network.Close()
		p.context.removePage(target.ID(p.targetID))
		p.events.Emit(PageClosed{TargetID: p.targetID})
		p.events.Close()
		p.logger.Debug("Page closed.")
	})
}
