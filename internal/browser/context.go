package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

// BrowserContext is an isolated cookie and cache scope holding pages.
type BrowserContext struct {
	id      cdp.BrowserContextID
	browser *Browser
	logger  *zap.Logger
	events  *events.Registry
	onClose func()

	mu      sync.Mutex
	pages   map[target.ID]*Page
	changed chan struct{}
	closed  bool
	done    chan struct{}
}

func newBrowserContext(b *Browser, id cdp.BrowserContextID) *BrowserContext {
	logger := b.logger.Named("context").With(zap.String("context_id", string(id)))
	return &BrowserContext{
		id:      id,
		browser: b,
		logger:  logger,
		events:  events.NewRegistry(logger, b.opts.Reporter, string(id)),
		pages:   make(map[target.ID]*Page),
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ID returns the browser context id. The intercepting proxy knows the
// context's traffic by this id.
func (bc *BrowserContext) ID() cdp.BrowserContextID { return bc.id }

// Events returns the registry PageCreated events are published on.
func (bc *BrowserContext) Events() *events.Registry { return bc.events }

// Browser returns the owning browser.
func (bc *BrowserContext) Browser() *Browser { return bc.browser }

// NewPage opens a blank page in the context and returns it once it is
// initialized.
func (bc *BrowserContext) NewPage(ctx context.Context) (*Page, error) {
	if bc.isClosed() {
		return nil, ErrClosed
	}
	id, err := target.CreateTarget("about:blank").WithBrowserContextID(bc.id).Do(bc.browser.root.WithExecutor(ctx))
	if err != nil {
		return nil, fmt.Errorf("creating page: %w", err)
	}
	return bc.waitForPage(ctx, id)
}

// waitForPage blocks until the page for id is attached and ready.
func (bc *BrowserContext) waitForPage(ctx context.Context, id target.ID) (*Page, error) {
	for {
		bc.mu.Lock()
		p, ok := bc.pages[id]
		changed, closed := bc.changed, bc.closed
		bc.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		if ok {
			select {
			case <-p.ready:
				if p.initErr != nil {
					return nil, p.initErr
				}
				return p, nil
			case <-ctx.Done():
				return nil, fmt.Errorf("waiting for page %s: %w", id, ctx.Err())
			}
		}
		select {
		case <-changed:
		case <-bc.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for page %s: %w", id, ctx.Err())
		}
	}
}

// Pages returns the context's initialized pages.
func (bc *BrowserContext) Pages() []*Page {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	out := make([]*Page, 0, len(bc.pages))
	for _, p := range bc.pages {
		select {
		case <-p.ready:
			if p.initErr == nil {
				out = append(out, p)
			}
		default:
		}
	}
	return out
}

func (bc *BrowserContext) page(id target.ID) (*Page, bool) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	p, ok := bc.pages[id]
	return p, ok
}

func (bc *BrowserContext) isClosed() bool {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	return bc.closed
}

// notifyLocked wakes every waitForPage call.
func (bc *BrowserContext) notifyLocked() {
	close(bc.changed)
	bc.changed = make(chan struct{})
}

// adoptPage builds and initializes the page for an attached session. A
// page opened by another page of the context waits for its opener.
func (bc *BrowserContext) adoptPage(s *devtools.Session, info *target.Info, waiting bool) {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		release(s, waiting, bc.logger)
		return
	}
	var opener *Page
	if info.OpenerID != "" {
		opener = bc.pages[info.OpenerID]
	}
	p := newPage(bc, s, info, opener)
	bc.pages[info.TargetID] = p
	bc.notifyLocked()
	bc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), bc.browser.opts.InitTimeout)
	defer cancel()
	if err := p.initialize(ctx, waiting); err != nil {
		p.initErr = err
		close(p.ready)
		bc.browser.opts.Reporter.Report(string(s.ID()), "page.initialize", err)
		bc.logger.Warn("Page failed to initialize.", zap.String("target_id", string(info.TargetID)), zap.Error(err))
		return
	}
	close(p.ready)
	bc.logger.Debug("Page ready.", zap.String("target_id", string(info.TargetID)))
	bc.events.Emit(PageCreated{Page: p})
}

func (bc *BrowserContext) removePage(id target.ID) {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if _, ok := bc.pages[id]; ok {
		delete(bc.pages, id)
		bc.notifyLocked()
	}
}

// Close disposes of the context in the browser, which closes its pages.
// Closing a closed context is a no-op.
func (bc *BrowserContext) Close(ctx context.Context) error {
	bc.mu.Lock()
	if bc.closed {
		bc.mu.Unlock()
		return nil
	}
	bc.closed = true
	close(bc.done)
	pages := make([]*Page, 0, len(bc.pages))
	for _, p := range bc.pages {
		pages = append(pages, p)
	}
	bc.mu.Unlock()

	var err error
	if !bc.browser.root.IsClosed() {
		if derr := target.DisposeBrowserContext(bc.id).Do(bc.browser.root.WithExecutor(ctx)); derr != nil && !devtools.IsDisconnected(derr) {
			err = fmt.Errorf("disposing browser context %s: %w", bc.id, derr)
		}
	}
	for _, p := range pages {
		p.dispose()
	}
	bc.events.Close()
	if bc.onClose != nil {
		bc.onClose()
	}
	return err
}
