package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/browser/network"
	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
)

// Worker is a service worker attached to a page. Its console output,
// exceptions and network events are published on the page's registry.
type Worker struct {
	base
	page    *Page
	url     string
	logger  *zap.Logger
	network *network.Manager

	mu          sync.Mutex
	offs        []func()
	disposeOnce sync.Once
}

func newWorker(p *Page, s *devtools.Session, info *target.Info) *Worker {
	logger := p.logger.Named("worker").With(zap.String("worker_session_id", string(s.ID())))
	w := &Worker{
		base:   base{session: s, targetID: string(info.TargetID)},
		page:   p,
		url:    info.URL,
		logger: logger,
		network: network.NewManager(s, network.Options{
			Logger:       p.opts.Logger,
			Reporter:     p.opts.Reporter,
			Profile:      p.opts.Profile,
			ExtraHeaders: p.opts.ExtraHeaders,
		}),
	}
	w.offs = []func(){
		devtools.Listen(s, cdproto.EventRuntimeConsoleAPICalled, func(ev *runtime.EventConsoleAPICalled) {
			p.events.Emit(ConsoleLog{
				Type:     ev.Type.String(),
				Message:  consoleMessage(ev.Args),
				Location: consoleLocation(ev),
			})
			releaseObjects(s, ev.Args)
		}),
		devtools.Listen(s, cdproto.EventRuntimeExceptionThrown, func(ev *runtime.EventExceptionThrown) {
			p.events.Emit(PageError{Error: exceptionMessage(ev.ExceptionDetails)})
		}),
		w.network.Events().OnAll(p.events.Emit),
	}
	go func() {
		<-s.Done()
		w.dispose()
	}()
	return w
}

// initialize enables the worker's runtime and network, then lets it run.
func (w *Worker) initialize(ctx context.Context, waiting bool) error {
	if err := runtime.Enable().Do(w.exec(ctx)); err != nil {
		return fmt.Errorf("enabling runtime on worker %s: %w", w.targetID, err)
	}
	if err := w.network.Initialize(ctx); err != nil {
		return err
	}
	if waiting {
		if err := runtime.RunIfWaitingForDebugger().Do(w.exec(ctx)); err != nil {
			return fmt.Errorf("resuming worker %s: %w", w.targetID, err)
		}
	}
	w.logger.Debug("Worker ready.", zap.String("url", w.url))
	return nil
}

// Page returns the page the worker is attached to.
func (w *Worker) Page() *Page { return w.page }

func (w *Worker) URL() string { return w.url }

// Network returns the worker's network manager.
func (w *Worker) Network() *network.Manager { return w.network }

func (w *Worker) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TargetID string `json:"targetId"`
		URL      string `json:"url"`
	}{w.targetID, w.url})
}

func (w *Worker) dispose() {
	w.disposeOnce.Do(func() {
		w.mu.Lock()
		offs := w.offs
		w.offs = nil
		w.mu.Unlock()
		for _, off := range offs {
			off()
		}
		w.network.Close()
		w.page.removeWorker(target.ID(w.targetID))
	})
}
