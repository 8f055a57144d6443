package frames

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/go-json-experiment/json/jsontext"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
)

// EvaluateOptions tunes Frame.Evaluate.
type EvaluateOptions struct {
	AwaitPromise bool
	// RetriesWaitingForLoad retries when the world is missing or was torn
	// down by a navigation, waiting for the next load in between.
	RetriesWaitingForLoad int
}

// Evaluate runs expression in the frame's main world, or in the isolated
// world when isolated is set, and returns the result by value. Detached and
// unattached frames fail immediately.
func (f *Frame) Evaluate(ctx context.Context, expression string, isolated bool, opts EvaluateOptions) (jsontext.Value, error) {
	for attempt := 0; ; attempt++ {
		v, err := f.evaluateOnce(ctx, expression, isolated, opts)
		if err == nil {
			return v, nil
		}
		if attempt >= opts.RetriesWaitingForLoad || !retryable(err) {
			return nil, err
		}
		if werr := f.WaitForLifecycleEvent(ctx, Load, ""); werr != nil {
			return nil, werr
		}
	}
}

func (f *Frame) evaluateOnce(ctx context.Context, expression string, isolated bool, opts EvaluateOptions) (jsontext.Value, error) {
	s, ctxID, err := f.executionContext(ctx, isolated)
	if err != nil {
		return nil, err
	}
	obj, exc, err := runtime.Evaluate(expression).
		WithContextID(ctxID).
		WithReturnByValue(true).
		WithAwaitPromise(opts.AwaitPromise).
		Do(s.WithExecutor(ctx))
	if err != nil {
		if contextGone(err) {
			f.m.forgetContext(f, s, ctxID)
		}
		return nil, err
	}
	if exc != nil {
		return nil, &EvaluationError{FrameID: f.id, Text: exceptionText(exc)}
	}
	if obj == nil {
		return nil, nil
	}
	return obj.Value, nil
}

// executionContext resolves the session and context id for a world,
// creating the isolated world on demand.
func (f *Frame) executionContext(ctx context.Context, isolated bool) (*devtools.Session, runtime.ExecutionContextID, error) {
	m := f.m
	w := worldFor(isolated)

	m.mu.Lock()
	if err := f.usableLocked(); err != nil {
		m.mu.Unlock()
		return nil, 0, err
	}
	id, known := f.contexts[w]
	m.mu.Unlock()

	s, err := m.SessionFor(ctx, f.id)
	if err != nil {
		return nil, 0, err
	}
	if known {
		return s, id, nil
	}
	if !isolated {
		return nil, 0, fmt.Errorf("%w %s", ErrNoExecutionContext, f.id)
	}

	id, err = page.CreateIsolatedWorld(f.id).
		WithWorldName(m.opts.IsolatedWorldName).
		WithGrantUniveralAccess(true).
		Do(s.WithExecutor(ctx))
	if err != nil {
		return nil, 0, fmt.Errorf("creating isolated world in frame %s: %w", f.id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := f.usableLocked(); err != nil {
		return nil, 0, err
	}
	f.contexts[isolatedWorld] = id
	m.contexts[contextKey{session: s.ID(), id: id}] = f
	return s, id, nil
}

func (f *Frame) usableLocked() error {
	switch {
	case f.detached:
		return &FrameDetachedError{FrameID: f.id}
	case f.m.closed:
		return f.m.closeErr
	case !f.attached:
		return fmt.Errorf("%w: %s", ErrNotAttached, f.id)
	}
	return nil
}

func (m *Manager) forgetContext(f *Frame, s *devtools.Session, id runtime.ExecutionContextID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.contexts, contextKey{session: s.ID(), id: id})
	for w, cid := range f.contexts {
		if cid == id {
			delete(f.contexts, w)
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrNoExecutionContext) || contextGone(err)
}

func contextGone(err error) bool {
	var pe *devtools.ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return strings.Contains(pe.Message, "Cannot find context with specified id") ||
		strings.Contains(pe.Message, "Execution context was destroyed")
}

func exceptionText(exc *runtime.ExceptionDetails) string {
	if exc.Exception != nil && exc.Exception.Description != "" {
		return exc.Exception.Description
	}
	return exc.Text
}

// FrameResult is one frame's outcome from RunInActiveFrames.
type FrameResult struct {
	Value jsontext.Value
	Err   error
}

// RunInActiveFrames evaluates script in every attached frame concurrently.
func (m *Manager) RunInActiveFrames(ctx context.Context, script string, isolated bool) map[cdp.FrameID]FrameResult {
	frames := m.ActiveFrames()
	out := make(map[cdp.FrameID]FrameResult, len(frames))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, f := range frames {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := f.Evaluate(ctx, script, isolated, EvaluateOptions{})
			mu.Lock()
			out[f.id] = FrameResult{Value: v, Err: err}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// AddNewDocumentScript installs script to run in every new document of
// the page and of frame sessions adopted later.
func (m *Manager) AddNewDocumentScript(ctx context.Context, script string, isolated bool) error {
	sc := newDocumentScript{source: script, isolated: isolated}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.closeErr
	}
	m.scripts = append(m.scripts, sc)
	sessions := []*devtools.Session{m.session}
	for _, s := range m.frameSessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := m.addScript(s.WithExecutor(ctx), sc); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) addScript(ctx context.Context, sc newDocumentScript) error {
	p := page.AddScriptToEvaluateOnNewDocument(sc.source)
	if sc.isolated {
		p = p.WithWorldName(m.opts.IsolatedWorldName)
	}
	_, err := p.Do(ctx)
	return err
}
