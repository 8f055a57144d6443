package frames

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
)

type world int

const (
	mainWorld world = iota
	isolatedWorld
)

func worldFor(isolated bool) world {
	if isolated {
		return isolatedWorld
	}
	return mainWorld
}

// Frame is one node of a page's frame tree. All state is owned by the
// Manager; accessors return copies taken under its lock.
type Frame struct {
	id cdp.FrameID
	m  *Manager

	parentID         cdp.FrameID
	name             string
	url              string
	securityOrigin   string
	navigationReason string
	disposition      string
	attached         bool
	detached         bool
	oop              bool
	session          *devtools.Session
	active           *loader
	loaders          []*loader
	retired          map[cdp.LoaderID]*loader
	retiredIDs       []cdp.LoaderID
	contexts         map[world]runtime.ExecutionContextID
	children         map[cdp.FrameID]*Frame
	changed          chan struct{}
}

func newFrame(m *Manager, id, parentID cdp.FrameID, s *devtools.Session) *Frame {
	return &Frame{
		id:       id,
		m:        m,
		parentID: parentID,
		session:  s,
		contexts: make(map[world]runtime.ExecutionContextID),
		children: make(map[cdp.FrameID]*Frame),
		retired:  make(map[cdp.LoaderID]*loader),
		changed:  make(chan struct{}),
	}
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID { return f.id }

type frameJSON struct {
	ID             cdp.FrameID             `json:"id"`
	ParentID       cdp.FrameID             `json:"parentId,omitempty"`
	Name           string                  `json:"name,omitempty"`
	URL            string                  `json:"url"`
	SecurityOrigin string                  `json:"securityOrigin,omitempty"`
	IsAttached     bool                    `json:"isAttached"`
	ActiveLoader   cdp.LoaderID            `json:"activeLoaderId,omitempty"`
	Lifecycle      map[Milestone]time.Time `json:"lifecycle,omitempty"`
}

// MarshalJSON encodes a snapshot of the frame for event records.
func (f *Frame) MarshalJSON() ([]byte, error) {
	f.m.mu.Lock()
	out := frameJSON{
		ID:             f.id,
		ParentID:       f.parentID,
		Name:           f.name,
		URL:            f.url,
		SecurityOrigin: f.securityOrigin,
		IsAttached:     f.attached && !f.detached,
	}
	if f.active != nil {
		l := f.active.snapshot()
		out.ActiveLoader, out.Lifecycle = l.ID, l.Lifecycle
	}
	f.m.mu.Unlock()
	return json.Marshal(out)
}

// ParentID returns the parent frame id, empty for the main frame.
func (f *Frame) ParentID() cdp.FrameID {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.parentID
}

// IsMain reports whether this is the page's top-level frame.
func (f *Frame) IsMain() bool { return f.ParentID() == "" }

func (f *Frame) Name() string {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.name
}

func (f *Frame) URL() string {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.url
}

func (f *Frame) SecurityOrigin() string {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.securityOrigin
}

// NavigationReason returns the reason of the last requested navigation.
func (f *Frame) NavigationReason() (reason, disposition string) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.navigationReason, f.disposition
}

// IsDefaultURL reports whether the frame has not navigated anywhere yet.
func (f *Frame) IsDefaultURL() bool {
	u := f.URL()
	return u == "" || u == "about:blank"
}

func (f *Frame) IsAttached() bool {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.attached && !f.detached
}

func (f *Frame) IsDetached() bool {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	return f.detached
}

// ActiveLoader returns the frame's current navigation loader.
func (f *Frame) ActiveLoader() (Loader, bool) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if f.active == nil {
		return Loader{}, false
	}
	return f.active.snapshot(), true
}

// Loader returns a recent loader by id, including superseded ones.
func (f *Frame) Loader(id cdp.LoaderID) (Loader, bool) {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if l := f.findLoader(id); l != nil {
		return l.snapshot(), true
	}
	return Loader{}, false
}

// ChildFrames returns the attached children.
func (f *Frame) ChildFrames() []*Frame {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	out := make([]*Frame, 0, len(f.children))
	for _, c := range f.children {
		if c.attached {
			out = append(out, c)
		}
	}
	return out
}

// CanEvaluate reports whether script can be dispatched to the frame's main
// or isolated world right now without creating anything.
func (f *Frame) CanEvaluate(isolated bool) bool {
	f.m.mu.Lock()
	defer f.m.mu.Unlock()
	if !f.attached || f.detached {
		return false
	}
	_, ok := f.contexts[worldFor(isolated)]
	return ok
}

// WaitForLifecycleEvent blocks until milestone is recorded for the loader
// named by loaderID. With an empty loaderID it binds to the active loader,
// or to the next one if the frame has not started navigating. It fails with
// a NavigationSupersededError if the loader is replaced first, with a
// FrameDetachedError if the frame goes away and with a
// *devtools.TimeoutError when ctx expires.
//
// It must not be called from a frames event handler, which runs on the
// goroutine that would deliver the milestone.
func (f *Frame) WaitForLifecycleEvent(ctx context.Context, milestone Milestone, loaderID cdp.LoaderID) error {
	return f.wait(ctx, "wait for "+string(milestone), loaderID, func(l *loader) (bool, error) {
		if _, ok := l.lifecycle[milestone]; ok {
			return true, nil
		}
		if l.supersededBy != "" {
			return true, l.supersededErr()
		}
		return false, nil
	})
}

// WaitForLoader blocks until the loader named by loaderID (or the active
// one) has been committed by a frame-navigated event.
func (f *Frame) WaitForLoader(ctx context.Context, loaderID cdp.LoaderID) error {
	return f.wait(ctx, "wait for navigation", loaderID, func(l *loader) (bool, error) {
		if l.complete {
			return true, nil
		}
		if l.supersededBy != "" {
			return true, l.supersededErr()
		}
		return false, nil
	})
}

// wait re-evaluates check each time the frame changes. check runs under
// the manager lock.
func (f *Frame) wait(ctx context.Context, op string, pinned cdp.LoaderID, check func(*loader) (bool, error)) error {
	ctx, cancel, budget := f.m.withDefaultTimeout(ctx)
	defer cancel()

	f.m.mu.Lock()
	for {
		if f.detached {
			f.m.mu.Unlock()
			return &FrameDetachedError{FrameID: f.id}
		}
		if f.m.closed {
			f.m.mu.Unlock()
			return f.m.closeErr
		}
		if pinned == "" && f.active != nil {
			pinned = f.active.id
		}
		if l := f.findLoader(pinned); pinned != "" && l != nil {
			if done, err := check(l); done {
				f.m.mu.Unlock()
				return err
			}
		}
		changed := f.changed
		f.m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &devtools.TimeoutError{Op: op + " in frame " + string(f.id), Timeout: budget}
			}
			return ctx.Err()
		}
		f.m.mu.Lock()
	}
}

// -- helpers below require Manager.mu --

func (f *Frame) notify() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Frame) findLoader(id cdp.LoaderID) *loader {
	if id == "" {
		return nil
	}
	for i := len(f.loaders) - 1; i >= 0; i-- {
		if f.loaders[i].id == id {
			return f.loaders[i]
		}
	}
	return f.retired[id]
}

// startLoader makes id the active loader, superseding the previous one.
func (f *Frame) startLoader(id cdp.LoaderID, url string) *loader {
	l := newLoader(f.id, id, url)
	if prev := f.active; prev != nil {
		prev.supersededBy = id
	}
	f.active = l
	f.loaders = append(f.loaders, l)
	if n := len(f.loaders) - maxLoadersPerFrame; n > 0 {
		for _, old := range f.loaders[:n] {
			f.retire(old)
		}
		f.loaders = f.loaders[n:]
	}
	return l
}

// retire moves a loader out of the history while keeping it resolvable for
// waits still pinned to it.
func (f *Frame) retire(l *loader) {
	f.retired[l.id] = l
	f.retiredIDs = append(f.retiredIDs, l.id)
	if len(f.retiredIDs) > maxRetiredLoaders {
		delete(f.retired, f.retiredIDs[0])
		f.retiredIDs = f.retiredIDs[1:]
	}
}

func (f *Frame) recordMilestone(l *loader, m Milestone, at time.Time) {
	if _, ok := l.lifecycle[m]; !ok {
		l.lifecycle[m] = at
	}
}
