package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools/devtoolstest"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBrowser scripts the browser side of the protocol: contexts, pages
// attached paused, a one-frame tree per page and committed navigations.
type fakeBrowser struct {
	mu           sync.Mutex
	srv          *devtoolstest.Server
	calls        []*devtoolstest.Call
	seq          int
	historyIndex int
}

func (f *fakeBrowser) server() *devtoolstest.Server {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.srv
}

func (f *fakeBrowser) next() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *fakeBrowser) setHistoryIndex(i int) {
	f.mu.Lock()
	f.historyIndex = i
	f.mu.Unlock()
}

// callsFor returns the recorded calls of method sent on sessionID.
func (f *fakeBrowser) callsFor(method, sessionID string) []*devtoolstest.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*devtoolstest.Call
	for _, c := range f.calls {
		if c.Method == method && c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeBrowser) waitCall(t *testing.T, method, sessionID string) *devtoolstest.Call {
	t.Helper()
	var c *devtoolstest.Call
	require.Eventually(t, func() bool {
		calls := f.callsFor(method, sessionID)
		if len(calls) == 0 {
			return false
		}
		c = calls[len(calls)-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "no %s on session %q", method, sessionID)
	return c
}

func frameIDFor(sessionID string) string { return "F-" + sessionID }

var testCookies = []map[string]any{
	{"name": "sid", "value": "abc", "domain": "a.test", "path": "/", "expires": 1700000000, "size": 6,
		"httpOnly": true, "secure": true, "session": false, "sameSite": "Lax", "priority": "Medium", "sourceScheme": "Secure", "sourcePort": 443},
	{"name": "tmp", "value": "1", "domain": ".a.test", "path": "/", "expires": -1, "size": 4,
		"httpOnly": false, "secure": false, "session": true, "priority": "Medium", "sourceScheme": "NonSecure", "sourcePort": 80},
}

func (f *fakeBrowser) handle(c *devtoolstest.Call) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()

	switch c.Method {
	case "Target.createBrowserContext":
		_ = c.Reply(map[string]any{"browserContextId": fmt.Sprintf("CTX%d", f.next())})
	case "Target.createTarget":
		n := f.next()
		targetID := fmt.Sprintf("T%d", n)
		f.server().Emit(c.SessionID, "Target.attachedToTarget", map[string]any{
			"sessionId": fmt.Sprintf("S%d", n),
			"targetInfo": map[string]any{
				"targetId": targetID, "type": "page", "title": "", "url": "about:blank",
				"attached": true, "canAccessOpener": false, "browserContextId": c.Param("browserContextId"),
			},
			"waitingForDebugger": true,
		})
		_ = c.Reply(map[string]any{"targetId": targetID})
	case "Page.getFrameTree":
		_ = c.Reply(map[string]any{"frameTree": map[string]any{
			"frame": map[string]any{"id": frameIDFor(c.SessionID), "loaderId": "L0", "url": "about:blank", "securityOrigin": "", "mimeType": "text/html"},
		}})
	case "Page.navigate":
		f.navigate(c)
	case "Page.getNavigationHistory":
		f.mu.Lock()
		idx := f.historyIndex
		f.mu.Unlock()
		entries := make([]map[string]any, 0, 3)
		for i := 1; i <= 3; i++ {
			entries = append(entries, map[string]any{
				"id": i, "url": fmt.Sprintf("https://a.test/%d", i), "userTypedURL": "", "title": "", "transitionType": "typed",
			})
		}
		_ = c.Reply(map[string]any{"currentIndex": idx, "entries": entries})
	case "Page.close":
		_ = c.Reply(nil)
		f.server().Emit("", "Target.detachedFromTarget", map[string]any{"sessionId": c.SessionID})
	case "Storage.getCookies", "Network.getCookies":
		_ = c.Reply(map[string]any{"cookies": testCookies})
	default:
		_ = c.Reply(nil)
	}
}

func (f *fakeBrowser) navigate(c *devtoolstest.Call) {
	frameID := frameIDFor(c.SessionID)
	url := c.Param("url")
	switch {
	case strings.Contains(url, "unresolvable"):
		_ = c.Reply(map[string]any{"frameId": frameID, "errorText": "net::ERR_NAME_NOT_RESOLVED"})
	case strings.Contains(url, "#"):
		_ = c.Reply(map[string]any{"frameId": frameID})
	default:
		_ = c.Reply(map[string]any{"frameId": frameID, "loaderId": "L1"})
		f.server().Emit(c.SessionID, "Page.frameNavigated", map[string]any{
			"frame": map[string]any{"id": frameID, "loaderId": "L1", "url": url, "securityOrigin": "https://a.test", "mimeType": "text/html"},
			"type":  "Navigation",
		})
	}
}

type harness struct {
	browser *Browser
	fake    *fakeBrowser
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	f := &fakeBrowser{}
	srv := devtoolstest.New(t, f.handle)
	f.mu.Lock()
	f.srv = srv
	f.mu.Unlock()

	core, logs := observer.New(zap.DebugLevel)
	opts.Logger = zap.New(core)
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = 2 * time.Second
	}
	if opts.InitTimeout == 0 {
		opts.InitTimeout = 2 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	b, err := Connect(ctx, srv.URL, nil, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return &harness{browser: b, fake: f, logs: logs}
}

func (h *harness) newPage(t *testing.T) (*BrowserContext, *Page) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bc, err := h.browser.NewContext(ctx)
	require.NoError(t, err)
	p, err := bc.NewPage(ctx)
	require.NoError(t, err)
	return bc, p
}

// collect buffers every E published on r.
func collect[E events.Event](r *events.Registry) <-chan E {
	ch := make(chan E, 32)
	events.On(r, func(ev E) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func receive[E any](t *testing.T, ch <-chan E) E {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		var zero E
		t.Fatalf("no %T received", zero)
		return zero
	}
}

// -- Browser and contexts --

func TestConnect_EnablesAutoAttach(t *testing.T) {
	h := newHarness(t, Options{})
	c := h.fake.waitCall(t, "Target.setAutoAttach", "")
	assert.True(t, json.Get(c.Params, "autoAttach").ToBool())
	assert.True(t, json.Get(c.Params, "waitForDebuggerOnStart").ToBool())
	assert.True(t, json.Get(c.Params, "flatten").ToBool())
}

func TestConnect_IgnoresCertificateErrorsForInterception(t *testing.T) {
	h := newHarness(t, Options{IgnoreCertificateErrors: true})
	c := h.fake.waitCall(t, "Security.setIgnoreCertificateErrors", "")
	assert.True(t, json.Get(c.Params, "ignore").ToBool())
}

func TestNewContext_PassesProxySettings(t *testing.T) {
	h := newHarness(t, Options{ProxyServer: "http://127.0.0.1:8080", ProxyBypassList: "<-loopback>"})
	bc, err := h.browser.NewContext(context.Background())
	require.NoError(t, err)

	c := h.fake.waitCall(t, "Target.createBrowserContext", "")
	assert.Equal(t, "http://127.0.0.1:8080", c.Param("proxyServer"))
	assert.Equal(t, "<-loopback>", c.Param("proxyBypassList"))
	assert.True(t, json.Get(c.Params, "disposeOnDetach").ToBool())
	assert.Len(t, h.browser.Contexts(), 1)
	assert.Same(t, bc, h.browser.Contexts()[0])
}

func TestNewPage_InitializesAndResumes(t *testing.T) {
	h := newHarness(t, Options{ExtraHeaders: map[string]string{"X-Scan": "1"}})
	bc, err := h.browser.NewContext(context.Background())
	require.NoError(t, err)
	created := collect[PageCreated](bc.Events())

	p, err := bc.NewPage(context.Background())
	require.NoError(t, err)

	assert.Same(t, p, receive(t, created).Page)
	sid := string(p.Session().ID())
	for _, method := range []string{"Network.enable", "Page.enable", "Runtime.enable", "Target.setAutoAttach", "Network.setExtraHTTPHeaders", "Runtime.runIfWaitingForDebugger"} {
		assert.NotEmpty(t, h.fake.callsFor(method, sid), method)
	}
	assert.Equal(t, bc.ID(), p.Context().ID())
	require.NotNil(t, p.MainFrame())
	assert.Equal(t, frameIDFor(sid), string(p.MainFrame().ID()))
	assert.Equal(t, []*Page{p}, bc.Pages())
}

func TestNewPage_OnClosedContext(t *testing.T) {
	h := newHarness(t, Options{})
	bc, err := h.browser.NewContext(context.Background())
	require.NoError(t, err)
	require.NoError(t, bc.Close(context.Background()))

	_, err = bc.NewPage(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, h.browser.Contexts())
	assert.NoError(t, bc.Close(context.Background()), "second close is a no-op")
}

func TestBrowser_ReleasesUnownedTargets(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.server().Emit("", "Target.attachedToTarget", map[string]any{
		"sessionId": "X1",
		"targetInfo": map[string]any{
			"targetId": "TX", "type": "page", "title": "", "url": "about:blank",
			"attached": true, "canAccessOpener": false, "browserContextId": "unknown",
		},
		"waitingForDebugger": true,
	})

	h.fake.waitCall(t, "Runtime.runIfWaitingForDebugger", "X1")
	c := h.fake.waitCall(t, "Target.detachFromTarget", "")
	assert.Equal(t, "X1", c.Param("sessionId"))
}

func TestBrowser_CloseDisposesContexts(t *testing.T) {
	h := newHarness(t, Options{})
	bc, p := h.newPage(t)
	closed := collect[PageClosed](p.Events())

	require.NoError(t, h.browser.Close(context.Background()))

	c := h.fake.waitCall(t, "Target.disposeBrowserContext", "")
	assert.Equal(t, string(bc.ID()), c.Param("browserContextId"))
	assert.Equal(t, p.TargetID(), receive(t, closed).TargetID)
	assert.Empty(t, h.browser.Contexts())

	_, err := h.browser.NewContext(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.browser.Close(context.Background()))
}

func TestBrowser_Version(t *testing.T) {
	f := &fakeBrowser{}
	srv := devtoolstest.New(t, func(c *devtoolstest.Call) {
		if c.Method == "Browser.getVersion" {
			_ = c.Reply(map[string]any{
				"protocolVersion": "1.3", "product": "HeadlessChrome/140.0.0.0", "revision": "@abc",
				"userAgent": "Mozilla/5.0", "jsVersion": "14.0",
			})
			return
		}
		f.handle(c)
	})
	f.mu.Lock()
	f.srv = srv
	f.mu.Unlock()

	b, err := Connect(context.Background(), srv.URL, nil, Options{})
	require.NoError(t, err)
	defer b.Close(context.Background())

	v, err := b.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Version{ProtocolVersion: "1.3", Product: "HeadlessChrome/140.0.0.0", Revision: "@abc", UserAgent: "Mozilla/5.0", JSVersion: "14.0"}, v)
}
