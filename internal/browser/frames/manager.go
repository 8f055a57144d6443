// Package frames tracks a page's frame tree and the navigation loader state
// machine of every frame, built from Page and Runtime domain events.
package frames

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

// DefaultIsolatedWorld is the name of the script world created for
// isolated evaluation.
const DefaultIsolatedWorld = "__puppet_world__"

// Options configures a Manager.
type Options struct {
	Logger   *zap.Logger
	Reporter *observability.Reporter
	// DefaultTimeout bounds waits whose context has no deadline.
	DefaultTimeout    time.Duration
	IsolatedWorldName string
}

type contextKey struct {
	session target.SessionID
	id      runtime.ExecutionContextID
}

type newDocumentScript struct {
	source   string
	isolated bool
}

// Manager owns the frame tree of one page. It is the only writer of frame
// state; every mutation happens on a session's event delivery goroutine
// while holding mu.
type Manager struct {
	session *devtools.Session
	logger  *zap.Logger
	events  *events.Registry
	opts    Options

	mu            sync.Mutex
	frames        map[cdp.FrameID]*Frame
	mainID        cdp.FrameID
	pending       map[cdp.FrameID][]*Frame
	contexts      map[contextKey]*Frame
	frameSessions map[cdp.FrameID]*devtools.Session
	offs          map[target.SessionID][]func()
	scripts       []newDocumentScript
	closed        bool
	closeErr      error
	done          chan struct{}

	attach singleflight.Group
}

// NewManager subscribes to the page session's frame events. Call Initialize
// to enable the domains and load the current tree.
func NewManager(s *devtools.Session, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.IsolatedWorldName == "" {
		opts.IsolatedWorldName = DefaultIsolatedWorld
	}
	logger := opts.Logger.Named("frames")
	if s != nil {
		logger = logger.With(zap.String("session_id", string(s.ID())))
	}
	m := &Manager{
		session:       s,
		logger:        logger,
		opts:          opts,
		events:        events.NewRegistry(logger, opts.Reporter, sessionScope(s)),
		frames:        make(map[cdp.FrameID]*Frame),
		pending:       make(map[cdp.FrameID][]*Frame),
		contexts:      make(map[contextKey]*Frame),
		frameSessions: make(map[cdp.FrameID]*devtools.Session),
		offs:          make(map[target.SessionID][]func()),
		done:          make(chan struct{}),
	}
	if s != nil {
		m.offs[s.ID()] = m.listen(s)
		go m.watchPageSession(s)
	}
	return m
}

// watchPageSession closes the manager when the page session is torn down,
// so pending waits fail with the session's teardown reason.
func (m *Manager) watchPageSession(s *devtools.Session) {
	select {
	case <-s.Done():
		m.Close()
	case <-m.done:
	}
}

func sessionScope(s *devtools.Session) string {
	if s == nil {
		return ""
	}
	return string(s.ID())
}

// Events returns the registry frame events are published on.
func (m *Manager) Events() *events.Registry { return m.events }

// Initialize enables the Page and Runtime domains on the page session and
// loads the existing frame tree.
func (m *Manager) Initialize(ctx context.Context) error {
	return m.initSession(ctx, m.session)
}

func (m *Manager) initSession(ctx context.Context, s *devtools.Session) error {
	m.mu.Lock()
	scripts := append([]newDocumentScript(nil), m.scripts...)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	exec := func() context.Context { return s.WithExecutor(gctx) }
	g.Go(func() error { return page.Enable().Do(exec()) })
	g.Go(func() error { return page.SetLifecycleEventsEnabled(true).Do(exec()) })
	g.Go(func() error { return runtime.Enable().Do(exec()) })
	g.Go(func() error {
		tree, err := page.GetFrameTree().Do(exec())
		if err != nil {
			return err
		}
		m.loadTree(s, tree)
		return nil
	})
	for _, sc := range scripts {
		g.Go(func() error { return m.addScript(exec(), sc) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("initializing frames on session %s: %w", s.ID(), err)
	}
	return nil
}

func (m *Manager) listen(s *devtools.Session) []func() {
	return []func(){
		devtools.Listen(s, cdproto.EventPageFrameAttached, func(ev *page.EventFrameAttached) {
			m.onFrameAttached(s, ev.FrameID, ev.ParentFrameID)
		}),
		devtools.Listen(s, cdproto.EventPageFrameNavigated, func(ev *page.EventFrameNavigated) {
			m.onFrameNavigated(s, ev.Frame)
		}),
		devtools.Listen(s, cdproto.EventPageNavigatedWithinDocument, func(ev *page.EventNavigatedWithinDocument) {
			m.onNavigatedWithinDocument(ev.FrameID, ev.URL)
		}),
		devtools.Listen(s, cdproto.EventPageFrameDetached, func(ev *page.EventFrameDetached) {
			m.onFrameDetached(ev.FrameID, string(ev.Reason))
		}),
		devtools.Listen(s, cdproto.EventPageLifecycleEvent, func(ev *page.EventLifecycleEvent) {
			m.onLifecycleEvent(ev.FrameID, ev.LoaderID, Milestone(ev.Name), time.Now())
		}),
		devtools.Listen(s, cdproto.EventPageFrameRequestedNavigation, func(ev *page.EventFrameRequestedNavigation) {
			m.onFrameRequestedNavigation(ev.FrameID, ev.URL, string(ev.Reason), string(ev.Disposition))
		}),
		devtools.Listen(s, cdproto.EventRuntimeExecutionContextCreated, func(ev *runtime.EventExecutionContextCreated) {
			if ev.Context != nil {
				m.onExecutionContextCreated(s.ID(), ev.Context.ID, ev.Context.Name, ev.Context.AuxData)
			}
		}),
		devtools.Listen(s, cdproto.EventRuntimeExecutionContextDestroyed, func(ev *runtime.EventExecutionContextDestroyed) {
			m.onExecutionContextDestroyed(s.ID(), ev.ExecutionContextID)
		}),
		devtools.Listen(s, cdproto.EventRuntimeExecutionContextsCleared, func(*runtime.EventExecutionContextsCleared) {
			m.onExecutionContextsCleared(s.ID())
		}),
	}
}

// -- Tree access --

// MainFrame returns the top-level frame, or nil before the first event.
func (m *Manager) MainFrame() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[m.mainID]
}

// Frame looks up a frame by id. Frames waiting for their parent are
// returned too; check IsAttached.
func (m *Manager) Frame(id cdp.FrameID) (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[id]
	return f, ok
}

// ActiveFrames returns every attached frame.
func (m *Manager) ActiveFrames() []*Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Frame, 0, len(m.frames))
	for _, f := range m.frames {
		if f.attached {
			out = append(out, f)
		}
	}
	return out
}

// SecurityOrigin pairs an origin with a frame that has it.
type SecurityOrigin struct {
	Origin  string
	FrameID cdp.FrameID
}

// SecurityOrigins returns each distinct origin of the attached frames.
func (m *Manager) SecurityOrigins() []SecurityOrigin {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []SecurityOrigin
	for _, f := range m.frames {
		o := f.securityOrigin
		if !f.attached || o == "" || o == "://" || seen[o] {
			continue
		}
		seen[o] = true
		out = append(out, SecurityOrigin{Origin: o, FrameID: f.id})
	}
	return out
}

// FrameIDForExecutionContext maps an execution context reported on a
// session back to its frame.
func (m *Manager) FrameIDForExecutionContext(sessionID target.SessionID, id runtime.ExecutionContextID) (cdp.FrameID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.contexts[contextKey{session: sessionID, id: id}]
	if !ok {
		return "", false
	}
	return f.id, true
}

// Close fails every outstanding wait, unsubscribes from all sessions and
// closes the event registry. It is safe to call more than once. Waits fail
// with the page session's teardown error (a *devtools.TransportError when
// the connection dropped) or with ErrManagerClosed if the session is live.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = ErrManagerClosed
	if m.session != nil {
		if err := m.session.Err(); err != nil {
			m.closeErr = err
		} else if c := m.session.Conn(); c != nil && c.Err() != nil {
			m.closeErr = c.Err()
		}
	}
	close(m.done)
	var offs []func()
	for _, fs := range m.offs {
		offs = append(offs, fs...)
	}
	m.offs = make(map[target.SessionID][]func())
	for _, f := range m.frames {
		f.notify()
	}
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
	m.events.Close()
}

// -- Event handlers --

func (m *Manager) onFrameAttached(s *devtools.Session, id, parentID cdp.FrameID) {
	var out []events.Event
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if f, ok := m.frames[id]; ok {
		// Re-announced after a process swap.
		if f.oop && s != nil && f.session == nil {
			f.session = s
		}
		m.mu.Unlock()
		return
	}
	m.addFrameLocked(s, id, parentID, &out)
	m.mu.Unlock()
	m.emit(out)
}

// addFrameLocked inserts a frame. If its parent is unknown the frame is
// parked until the parent arrives.
func (m *Manager) addFrameLocked(s *devtools.Session, id, parentID cdp.FrameID, out *[]events.Event) *Frame {
	f := newFrame(m, id, parentID, s)
	m.frames[id] = f

	if parentID == "" {
		if m.mainID == "" {
			m.mainID = id
		}
		m.attachLocked(f, out)
		return f
	}
	if parent, ok := m.frames[parentID]; ok && parent.attached {
		parent.children[id] = f
		m.attachLocked(f, out)
		return f
	}
	m.logger.Debug("Parking frame until its parent is known",
		zap.String("frame_id", string(id)), zap.String("parent_id", string(parentID)))
	m.pending[parentID] = append(m.pending[parentID], f)
	return f
}

func (m *Manager) attachLocked(f *Frame, out *[]events.Event) {
	f.attached = true
	f.notify()
	var loaderID cdp.LoaderID
	if f.active != nil {
		loaderID = f.active.id
	}
	*out = append(*out, FrameCreated{Frame: f, LoaderID: loaderID})

	children := m.pending[f.id]
	delete(m.pending, f.id)
	for _, c := range children {
		f.children[c.id] = c
		m.attachLocked(c, out)
	}
}

func (m *Manager) onFrameNavigated(s *devtools.Session, fr *cdp.Frame) {
	if fr == nil {
		return
	}
	var out []events.Event
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	f, ok := m.frames[fr.ID]
	if !ok {
		f = m.addFrameLocked(s, fr.ID, fr.ParentID, &out)
	}
	url := fr.URL + fr.URLFragment
	f.name = fr.Name
	f.url = url
	f.securityOrigin = fr.SecurityOrigin

	l := f.findLoader(fr.LoaderID)
	if l == nil && fr.LoaderID != "" {
		l = f.startLoader(fr.LoaderID, url)
		out = append(out, FrameLoaderCreated{Frame: f, LoaderID: l.id})
	}
	if l != nil {
		l.url = url
		l.complete = true
	}
	f.notify()
	out = append(out, FrameNavigated{Frame: f, URL: url, LoaderID: fr.LoaderID})
	m.mu.Unlock()
	m.emit(out)
}

func (m *Manager) onNavigatedWithinDocument(id cdp.FrameID, url string) {
	m.mu.Lock()
	f, ok := m.frames[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	f.url = url
	var loaderID cdp.LoaderID
	if f.active != nil {
		loaderID = f.active.id
	}
	f.notify()
	m.mu.Unlock()
	m.emit([]events.Event{FrameNavigated{Frame: f, URL: url, LoaderID: loaderID, NavigatedInDocument: true}})
}

func (m *Manager) onLifecycleEvent(id cdp.FrameID, loaderID cdp.LoaderID, name Milestone, at time.Time) {
	var out []events.Event
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	f, ok := m.frames[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Debug("Lifecycle event for unknown frame", zap.String("frame_id", string(id)), zap.String("name", string(name)))
		return
	}
	l := f.findLoader(loaderID)
	if l == nil {
		if loaderID == "" {
			l = f.active
		} else {
			l = f.startLoader(loaderID, f.url)
			out = append(out, FrameLoaderCreated{Frame: f, LoaderID: loaderID})
		}
	}
	if l != nil {
		f.recordMilestone(l, name, at)
		loaderID = l.id
	}
	f.notify()
	out = append(out, FrameLifecycle{Frame: f, Name: name, LoaderID: loaderID})
	m.mu.Unlock()
	m.emit(out)
}

func (m *Manager) onFrameRequestedNavigation(id cdp.FrameID, url, reason, disposition string) {
	m.mu.Lock()
	f, ok := m.frames[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	f.navigationReason = reason
	f.disposition = disposition
	m.mu.Unlock()
	m.emit([]events.Event{FrameRequestedNavigation{Frame: f, URL: url, Reason: reason, Disposition: disposition}})
}

func (m *Manager) onFrameDetached(id cdp.FrameID, reason string) {
	var out []events.Event
	m.mu.Lock()
	f, ok := m.frames[id]
	if !ok || m.closed {
		m.mu.Unlock()
		return
	}
	if reason == string(page.FrameDetachedReasonSwap) {
		// The frame moved to its own process and will be reported by the
		// new target's session.
		f.oop = true
		f.session = nil
		m.clearContextsLocked(f)
		f.notify()
		m.mu.Unlock()
		return
	}
	m.detachLocked(f, &out)
	m.mu.Unlock()
	m.emit(out)
}

// detachLocked removes f and its subtree, parked children included.
// Detaching a detached frame does nothing.
func (m *Manager) detachLocked(f *Frame, out *[]events.Event) {
	if f.detached {
		return
	}
	for _, c := range f.children {
		m.detachLocked(c, out)
	}
	for _, c := range m.pending[f.id] {
		m.detachLocked(c, out)
	}
	delete(m.pending, f.id)
	if parent, ok := m.frames[f.parentID]; ok {
		delete(parent.children, f.id)
	}
	if !f.attached {
		siblings := m.pending[f.parentID]
		for i, c := range siblings {
			if c == f {
				m.pending[f.parentID] = append(siblings[:i:i], siblings[i+1:]...)
				break
			}
		}
	}

	f.detached = true
	f.attached = false
	m.clearContextsLocked(f)
	delete(m.frames, f.id)
	delete(m.frameSessions, f.id)
	if m.mainID == f.id {
		m.mainID = ""
	}
	f.notify()
	*out = append(*out, FrameDetached{FrameID: f.id})
}

func (m *Manager) onExecutionContextCreated(sid target.SessionID, id runtime.ExecutionContextID, name string, auxData []byte) {
	aux := gjson.ParseBytes(auxData)
	frameID := cdp.FrameID(aux.Get("frameId").String())

	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.frames[frameID]
	if !ok || m.closed {
		return
	}
	var w world
	switch {
	case aux.Get("isDefault").Bool():
		w = mainWorld
	case name == m.opts.IsolatedWorldName:
		w = isolatedWorld
	default:
		return
	}
	f.contexts[w] = id
	m.contexts[contextKey{session: sid, id: id}] = f
	f.notify()
}

func (m *Manager) onExecutionContextDestroyed(sid target.SessionID, id runtime.ExecutionContextID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := contextKey{session: sid, id: id}
	f, ok := m.contexts[key]
	if !ok {
		return
	}
	delete(m.contexts, key)
	for w, cid := range f.contexts {
		if cid == id {
			delete(f.contexts, w)
		}
	}
}

func (m *Manager) onExecutionContextsCleared(sid target.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, f := range m.contexts {
		if key.session != sid {
			continue
		}
		delete(m.contexts, key)
		for w, cid := range f.contexts {
			if cid == key.id {
				delete(f.contexts, w)
			}
		}
	}
}

func (m *Manager) clearContextsLocked(f *Frame) {
	for key, owner := range m.contexts {
		if owner == f {
			delete(m.contexts, key)
		}
	}
	clear(f.contexts)
}

// loadTree merges the result of Page.getFrameTree. Frames already built
// from events keep their state.
func (m *Manager) loadTree(s *devtools.Session, tree *page.FrameTree) {
	var out []events.Event
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	var walk func(*page.FrameTree)
	walk = func(t *page.FrameTree) {
		if t == nil || t.Frame == nil {
			return
		}
		fr := t.Frame
		f, ok := m.frames[fr.ID]
		if !ok {
			f = m.addFrameLocked(s, fr.ID, fr.ParentID, &out)
		}
		if f.active == nil {
			url := fr.URL + fr.URLFragment
			f.name = fr.Name
			f.url = url
			f.securityOrigin = fr.SecurityOrigin
			if fr.LoaderID != "" {
				l := f.startLoader(fr.LoaderID, url)
				l.complete = true
			}
			f.notify()
		}
		for _, c := range t.ChildFrames {
			walk(c)
		}
	}
	walk(tree)
	m.mu.Unlock()
	m.emit(out)
}

func (m *Manager) emit(evs []events.Event) {
	for _, ev := range evs {
		m.events.Emit(ev)
	}
}

// withDefaultTimeout applies DefaultTimeout when ctx has no deadline and
// returns the resulting budget for error reporting.
func (m *Manager) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc, time.Duration) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok && m.opts.DefaultTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, m.opts.DefaultTimeout)
	}
	var budget time.Duration
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}
	return ctx, cancel, budget
}
