package frames

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil, Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(m.Close)
	return m
}

// waitAsync runs fn in a goroutine and returns a channel with its result.
func waitAsync(fn func() error) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- fn() }()
	return ch
}

func requirePending(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("wait resolved early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
}

func requireResolved(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not resolve")
		return nil
	}
}

func mainFrame(t *testing.T, m *Manager, id cdp.FrameID) *Frame {
	t.Helper()
	m.onFrameAttached(nil, id, "")
	f, ok := m.Frame(id)
	require.True(t, ok)
	return f
}

// -- Tree construction --

func TestFrameCreated_ChildWaitsForUnknownParent(t *testing.T) {
	m := newTestManager(t)
	var created []cdp.FrameID
	events.On(m.Events(), func(ev FrameCreated) { created = append(created, ev.Frame.ID()) })

	m.onFrameAttached(nil, "C2", "C1")
	m.onFrameAttached(nil, "C1", "P")

	child, ok := m.Frame("C2")
	require.True(t, ok, "parked frames are still addressable")
	assert.False(t, child.IsAttached())
	assert.Empty(t, created)

	_, err := child.Evaluate(context.Background(), "1", false, EvaluateOptions{})
	assert.ErrorIs(t, err, ErrNotAttached)

	m.onFrameAttached(nil, "P", "")

	assert.Equal(t, []cdp.FrameID{"P", "C1", "C2"}, created)
	assert.True(t, child.IsAttached())
	assert.Equal(t, cdp.FrameID("P"), m.MainFrame().ID())
	require.Len(t, m.MainFrame().ChildFrames(), 1)
	assert.Len(t, m.ActiveFrames(), 3)
}

func TestFrameAttached_DuplicateIsIgnored(t *testing.T) {
	m := newTestManager(t)
	calls := 0
	events.On(m.Events(), func(FrameCreated) { calls++ })

	f := mainFrame(t, m, "F1")
	m.onFrameAttached(nil, "F1", "")

	same, _ := m.Frame("F1")
	assert.Same(t, f, same)
	assert.Equal(t, 1, calls)
}

// -- Loader state machine --

func TestLifecycle_ScenarioWaitBeforeAndAfterMilestone(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")

	// Issued before any loader exists: binds to the next loader.
	early := waitAsync(func() error { return f.WaitForLifecycleEvent(context.Background(), Load, "") })
	m.onLifecycleEvent("F1", "L1", Init, time.Now())

	before := waitAsync(func() error { return f.WaitForLifecycleEvent(context.Background(), Load, "") })
	requirePending(t, before)
	requirePending(t, early)

	m.onLifecycleEvent("F1", "L1", Load, time.Now())
	require.NoError(t, requireResolved(t, before))
	require.NoError(t, requireResolved(t, early))

	// Issued after the milestone: resolves immediately.
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	require.NoError(t, f.WaitForLifecycleEvent(ctx, Load, "L1"))
	require.NoError(t, f.WaitForLifecycleEvent(ctx, Load, ""))

	l, ok := f.ActiveLoader()
	require.True(t, ok)
	assert.True(t, l.Reached(Init))
	assert.True(t, l.Reached(Load))
	assert.False(t, l.Reached(DOMContentLoaded))
}

func TestLoader_NewLoaderSupersedesActiveOne(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	var created []cdp.LoaderID
	events.On(m.Events(), func(ev FrameLoaderCreated) { created = append(created, ev.LoaderID) })

	m.onLifecycleEvent("F1", "L1", Init, time.Now())
	onLoad := waitAsync(func() error { return f.WaitForLifecycleEvent(context.Background(), Load, "L1") })
	onCommit := waitAsync(func() error { return f.WaitForLoader(context.Background(), "L1") })
	requirePending(t, onLoad)

	m.onLifecycleEvent("F1", "L2", Init, time.Now())

	for _, ch := range []<-chan error{onLoad, onCommit} {
		err := requireResolved(t, ch)
		var se *NavigationSupersededError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, cdp.LoaderID("L1"), se.LoaderID)
		assert.Equal(t, cdp.LoaderID("L2"), se.SupersededBy)
		assert.True(t, IsSuperseded(err))
	}

	active, _ := f.ActiveLoader()
	assert.Equal(t, cdp.LoaderID("L2"), active.ID)
	old, ok := f.Loader("L1")
	require.True(t, ok)
	assert.Equal(t, cdp.LoaderID("L2"), old.SupersededBy)
	assert.Equal(t, []cdp.LoaderID{"L1", "L2"}, created)
}

func TestLoader_CompletedLoaderStillSatisfiesLoaderWait(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")

	m.onFrameNavigated(nil, &cdp.Frame{ID: "F1", LoaderID: "L1", URL: "https://a.test/"})
	m.onLifecycleEvent("F1", "L2", Init, time.Now())

	assert.NoError(t, f.WaitForLoader(context.Background(), "L1"))
	err := f.WaitForLifecycleEvent(context.Background(), Load, "L1")
	assert.True(t, IsSuperseded(err), "a milestone that never arrived on a replaced loader must not hang")
}

func TestFrameNavigated_CommitsPinnedLoader(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	var navs []FrameNavigated
	events.On(m.Events(), func(ev FrameNavigated) { navs = append(navs, ev) })

	// Page.navigate hands out the loader id before any event names it.
	committed := waitAsync(func() error { return f.WaitForLoader(context.Background(), "L9") })
	requirePending(t, committed)

	m.onFrameNavigated(nil, &cdp.Frame{
		ID: "F1", LoaderID: "L9", URL: "https://example.test/path", URLFragment: "#top",
		SecurityOrigin: "https://example.test", Name: "main",
	})

	require.NoError(t, requireResolved(t, committed))
	assert.Equal(t, "https://example.test/path#top", f.URL())
	assert.Equal(t, "https://example.test", f.SecurityOrigin())
	assert.Equal(t, "main", f.Name())
	assert.False(t, f.IsDefaultURL())
	l, _ := f.ActiveLoader()
	assert.True(t, l.Complete)
	require.Len(t, navs, 1)
	assert.False(t, navs[0].NavigatedInDocument)
	assert.Equal(t, cdp.LoaderID("L9"), navs[0].LoaderID)
}

func TestNavigatedWithinDocument_KeepsLoaderAndMilestones(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	var navs []FrameNavigated
	events.On(m.Events(), func(ev FrameNavigated) { navs = append(navs, ev) })

	m.onFrameNavigated(nil, &cdp.Frame{ID: "F1", LoaderID: "L1", URL: "https://a.test/"})
	m.onLifecycleEvent("F1", "L1", Load, time.Now())
	before, _ := f.ActiveLoader()

	m.onNavigatedWithinDocument("F1", "https://a.test/#section")

	after, _ := f.ActiveLoader()
	assert.Equal(t, before.ID, after.ID)
	assert.True(t, after.Reached(Load))
	assert.Equal(t, "https://a.test/#section", f.URL())
	require.Len(t, navs, 2)
	assert.True(t, navs[1].NavigatedInDocument)
	assert.Equal(t, cdp.LoaderID("L1"), navs[1].LoaderID)
}

func TestLoaderHistoryIsBounded(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	for i := 0; i < maxLoadersPerFrame+5; i++ {
		m.onLifecycleEvent("F1", cdp.LoaderID(rune('A'+i)), Init, time.Now())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, f.loaders, maxLoadersPerFrame)
	assert.Same(t, f.active, f.loaders[len(f.loaders)-1])
}

func TestLoader_EvictedSupersededLoaderStillResolves(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	for i := 0; i <= maxLoadersPerFrame; i++ {
		m.onLifecycleEvent("F1", cdp.LoaderID(fmt.Sprintf("L%d", i)), Init, time.Now())
	}
	m.mu.Lock()
	for _, l := range f.loaders {
		require.NotEqual(t, cdp.LoaderID("L0"), l.id)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := f.WaitForLifecycleEvent(ctx, Load, "L0")
	var se *NavigationSupersededError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, cdp.LoaderID("L0"), se.LoaderID)
	assert.Equal(t, cdp.LoaderID("L1"), se.SupersededBy)
	assert.True(t, IsSuperseded(f.WaitForLoader(ctx, "L0")))
}

func TestLoader_RetiredHistoryIsBounded(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	total := maxLoadersPerFrame + maxRetiredLoaders + 3
	for i := 0; i < total; i++ {
		m.onLifecycleEvent("F1", cdp.LoaderID(fmt.Sprintf("L%d", i)), Init, time.Now())
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, f.retired, maxRetiredLoaders)
	assert.Len(t, f.retiredIDs, maxRetiredLoaders)
	assert.Nil(t, f.findLoader("L0"))
	assert.NotNil(t, f.findLoader(cdp.LoaderID(fmt.Sprintf("L%d", total-maxLoadersPerFrame-1))))
}

// -- Detach --

func TestDetach_RecursiveAndIdempotent(t *testing.T) {
	m := newTestManager(t)
	mainFrame(t, m, "P")
	m.onFrameAttached(nil, "C1", "P")
	m.onFrameAttached(nil, "G1", "C1")
	m.onFrameAttached(nil, "orphan", "G1-not-yet")
	child, _ := m.Frame("C1")
	grandchild, _ := m.Frame("G1")

	var detached []cdp.FrameID
	events.On(m.Events(), func(ev FrameDetached) { detached = append(detached, ev.FrameID) })

	waiter := waitAsync(func() error { return grandchild.WaitForLifecycleEvent(context.Background(), Load, "") })
	requirePending(t, waiter)

	m.onFrameDetached("C1", "remove")

	err := requireResolved(t, waiter)
	var de *FrameDetachedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, cdp.FrameID("G1"), de.FrameID)

	assert.ElementsMatch(t, []cdp.FrameID{"G1", "C1"}, detached)
	assert.True(t, child.IsDetached())
	assert.True(t, grandchild.IsDetached())
	_, ok := m.Frame("C1")
	assert.False(t, ok)
	assert.Empty(t, m.MainFrame().ChildFrames())

	// Second detach of the same frame, and detach of an unknown one.
	require.NotPanics(t, func() {
		m.onFrameDetached("C1", "remove")
		m.onFrameDetached("never-seen", "remove")
	})
	assert.Len(t, detached, 2)

	_, err = child.Evaluate(context.Background(), "1", false, EvaluateOptions{})
	assert.True(t, IsDetached(err))
	assert.False(t, child.CanEvaluate(false))
}

func TestDetach_SwapKeepsFrame(t *testing.T) {
	m := newTestManager(t)
	mainFrame(t, m, "P")
	m.onFrameAttached(nil, "X", "P")
	m.onExecutionContextCreated("", 5, "", []byte(`{"frameId":"X","isDefault":true}`))
	x, _ := m.Frame("X")
	require.True(t, x.CanEvaluate(false))

	m.onFrameDetached("X", "swap")

	assert.True(t, x.IsAttached())
	assert.False(t, x.CanEvaluate(false), "contexts of the old process are gone")
	m.mu.Lock()
	assert.True(t, x.oop)
	m.mu.Unlock()
}

func TestDetach_ParkedChildIsDroppedWithParent(t *testing.T) {
	m := newTestManager(t)
	m.onFrameAttached(nil, "C", "P")
	m.onFrameAttached(nil, "P", "root")
	parent, _ := m.Frame("P")
	require.False(t, parent.IsAttached())

	m.onFrameDetached("P", "remove")

	_, ok := m.Frame("C")
	assert.False(t, ok)
	m.onFrameAttached(nil, "root", "")
	assert.Len(t, m.ActiveFrames(), 1)
}

// -- Timeouts and shutdown --

func TestWait_TimesOut(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	m.onLifecycleEvent("F1", "L1", Init, time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.WaitForLifecycleEvent(ctx, Load, "")
	var te *devtools.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Op, "load")
}

func TestWait_DefaultTimeoutApplies(t *testing.T) {
	m := NewManager(nil, Options{DefaultTimeout: 20 * time.Millisecond})
	defer m.Close()
	f := mainFrame(t, m, "F1")

	err := f.WaitForLoader(context.Background(), "")
	assert.True(t, devtools.IsTimeout(err))
}

func TestWait_CanceledContext(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.WaitForLoader(ctx, ""), context.Canceled)
}

func TestClose_FailsWaiters(t *testing.T) {
	m := NewManager(nil, Options{})
	f := mainFrame(t, m, "F1")
	waiter := waitAsync(func() error { return f.WaitForLoader(context.Background(), "") })
	requirePending(t, waiter)

	m.Close()
	m.Close()

	assert.True(t, errors.Is(requireResolved(t, waiter), ErrManagerClosed))
}

// -- Execution contexts --

func TestExecutionContexts(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")

	assert.False(t, f.CanEvaluate(false))
	m.onExecutionContextCreated("S1", 3, "", []byte(`{"frameId":"F1","isDefault":true,"type":"default"}`))
	m.onExecutionContextCreated("S1", 4, DefaultIsolatedWorld, []byte(`{"frameId":"F1","isDefault":false,"type":"isolated"}`))
	m.onExecutionContextCreated("S1", 9, "some extension", []byte(`{"frameId":"F1","isDefault":false}`))
	m.onExecutionContextCreated("S1", 10, "", []byte(`{"frameId":"unknown","isDefault":true}`))

	assert.True(t, f.CanEvaluate(false))
	assert.True(t, f.CanEvaluate(true))
	id, ok := m.FrameIDForExecutionContext("S1", 4)
	assert.True(t, ok)
	assert.Equal(t, cdp.FrameID("F1"), id)
	_, ok = m.FrameIDForExecutionContext("S1", 9)
	assert.False(t, ok)
	_, ok = m.FrameIDForExecutionContext("S2", 3)
	assert.False(t, ok, "context ids are scoped to their session")

	m.onExecutionContextDestroyed("S1", 4)
	assert.False(t, f.CanEvaluate(true))
	assert.True(t, f.CanEvaluate(false))

	m.onExecutionContextsCleared("S1")
	assert.False(t, f.CanEvaluate(false))
}

func TestSecurityOrigins_Distinct(t *testing.T) {
	m := newTestManager(t)
	m.onFrameNavigated(nil, &cdp.Frame{ID: "P", LoaderID: "L1", URL: "https://a.test/", SecurityOrigin: "https://a.test"})
	m.onFrameNavigated(nil, &cdp.Frame{ID: "C1", ParentID: "P", LoaderID: "L2", URL: "https://a.test/x", SecurityOrigin: "https://a.test"})
	m.onFrameNavigated(nil, &cdp.Frame{ID: "C2", ParentID: "P", LoaderID: "L3", URL: "https://b.test/", SecurityOrigin: "https://b.test"})
	m.onFrameNavigated(nil, &cdp.Frame{ID: "C3", ParentID: "P", LoaderID: "L4", URL: "about:blank", SecurityOrigin: "://"})

	origins := map[string]bool{}
	for _, o := range m.SecurityOrigins() {
		origins[o.Origin] = true
	}
	if diff := cmp.Diff(map[string]bool{"https://a.test": true, "https://b.test": true}, origins); diff != "" {
		t.Errorf("origins mismatch (-want +got):\n%s", diff)
	}
}

func TestFrame_MarshalJSON(t *testing.T) {
	m := newTestManager(t)
	f := mainFrame(t, m, "F1")
	m.onLifecycleEvent("F1", "L1", Load, time.Unix(1700000000, 0).UTC())

	b, err := f.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "F1",
		"url": "",
		"isAttached": true,
		"activeLoaderId": "L1",
		"lifecycle": {"load": "2023-11-14T22:13:20Z"}
	}`, string(b))
}
