package network

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/devtools/devtoolstest"
	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
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

// record collects every event published on m, in order.
func record(m *Manager) func() []events.Event {
	var mu sync.Mutex
	var got []events.Event
	m.Events().OnAll(func(ev events.Event) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func tags(evs []events.Event) []events.Tag {
	out := make([]events.Tag, len(evs))
	for i, ev := range evs {
		out[i] = ev.Tag()
	}
	return out
}

func willBeSent(id, loader, url string, typ cdpnetwork.ResourceType) *cdpnetwork.EventRequestWillBeSent {
	return &cdpnetwork.EventRequestWillBeSent{
		RequestID: cdpnetwork.RequestID(id),
		LoaderID:  cdp.LoaderID(loader),
		FrameID:   "F1",
		Type:      typ,
		Request: &cdpnetwork.Request{
			URL:     url,
			Method:  "GET",
			Headers: cdpnetwork.Headers{"Accept": "text/html", "Upgrade-Insecure-Requests": 1},
		},
	}
}

func TestManager_NavigationLifecycle(t *testing.T) {
	m := newTestManager(t)
	got := record(m)

	m.onRequestWillBeSent(willBeSent("L1", "L1", "https://a.test/", cdpnetwork.ResourceTypeDocument))
	req, ok := m.Request("L1")
	require.True(t, ok)
	assert.True(t, req.IsNavigation())
	assert.Equal(t, map[string]string{"Accept": "text/html", "Upgrade-Insecure-Requests": "1"}, req.Headers)

	m.onResponseReceived(&cdpnetwork.EventResponseReceived{
		RequestID: "L1",
		LoaderID:  "L1",
		Type:      cdpnetwork.ResourceTypeDocument,
		Response: &cdpnetwork.Response{
			URL: "https://a.test/", Status: 200, MimeType: "text/html",
			RemoteIPAddress: "10.0.0.1", RemotePort: 443, Protocol: "h2",
		},
	})
	m.onLoadingFinished(&cdpnetwork.EventLoadingFinished{RequestID: "L1", EncodedDataLength: 512})

	evs := got()
	assert.Equal(t, []events.Tag{TagResourceWillBeRequested, TagNavigationResponse, TagResourceLoaded}, tags(evs))
	nav := evs[1].(NavigationResponse)
	assert.Equal(t, int64(200), nav.Response.Status)
	assert.Equal(t, "10.0.0.1:443", nav.Response.RemoteAddress)
	loaded := evs[2].(ResourceLoaded)
	assert.Equal(t, 512.0, loaded.EncodedDataLength)
	assert.Same(t, nav.Response, loaded.Response)
	assert.Empty(t, m.InFlight())
}

func TestManager_SubresourceIsNotANavigation(t *testing.T) {
	m := newTestManager(t)
	got := record(m)

	m.onRequestWillBeSent(willBeSent("R7", "L1", "https://a.test/app.js", cdpnetwork.ResourceTypeScript))
	m.onResponseReceived(&cdpnetwork.EventResponseReceived{RequestID: "R7", Response: &cdpnetwork.Response{Status: 200}})
	m.onLoadingFailed(&cdpnetwork.EventLoadingFailed{RequestID: "R7", ErrorText: "net::ERR_ABORTED", Canceled: true})

	evs := got()
	assert.Equal(t, []events.Tag{TagResourceWillBeRequested, TagResourceFailed}, tags(evs))
	failed := evs[1].(ResourceFailed)
	assert.True(t, failed.Canceled)
	assert.Equal(t, "net::ERR_ABORTED", failed.ErrorText)
}

func TestManager_RedirectChain(t *testing.T) {
	m := newTestManager(t)
	got := record(m)

	m.onRequestWillBeSent(willBeSent("L1", "L1", "http://a.test/", cdpnetwork.ResourceTypeDocument))
	hop := willBeSent("L1", "L1", "https://a.test/", cdpnetwork.ResourceTypeDocument)
	hop.RedirectResponse = &cdpnetwork.Response{URL: "http://a.test/", Status: 301}
	m.onRequestWillBeSent(hop)
	final := willBeSent("L1", "L1", "https://www.a.test/", cdpnetwork.ResourceTypeDocument)
	final.RedirectResponse = &cdpnetwork.Response{URL: "https://a.test/", Status: 302}
	m.onRequestWillBeSent(final)

	evs := got()
	require.Equal(t, []events.Tag{
		TagResourceWillBeRequested,
		TagResourceLoaded, TagResourceWillBeRequested,
		TagResourceLoaded, TagResourceWillBeRequested,
	}, tags(evs))

	first := evs[1].(ResourceLoaded)
	assert.Equal(t, "https://a.test/", first.RedirectedTo)
	assert.Equal(t, int64(301), first.Response.Status)

	req := evs[4].(ResourceWillBeRequested).Request
	if diff := cmp.Diff([]string{"http://a.test/", "https://a.test/"}, req.RedirectChain); diff != "" {
		t.Errorf("redirect chain mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, m.InFlight(), 1)
}

func TestManager_WebSocket(t *testing.T) {
	m := newTestManager(t)
	got := record(m)

	id := cdpnetwork.RequestID("W1")
	m.mu.Lock()
	m.sockets[id] = &socket{url: "wss://a.test/live"}
	m.mu.Unlock()

	m.onHandshakeResponse(&cdpnetwork.EventWebSocketHandshakeResponseReceived{
		RequestID: id,
		Response: &cdpnetwork.WebSocketResponse{
			Status:         101,
			Headers:        cdpnetwork.Headers{"Upgrade": "websocket"},
			RequestHeaders: cdpnetwork.Headers{"Origin": "https://a.test"},
		},
	})
	m.onFrame(id, Sent, &cdpnetwork.WebSocketFrame{Opcode: 1, PayloadData: "ping"})
	m.onFrame(id, Received, &cdpnetwork.WebSocketFrame{Opcode: 1, PayloadData: "pong"})
	m.onFrame("unknown", Received, &cdpnetwork.WebSocketFrame{Opcode: 1, PayloadData: "dropped"})
	m.onSocketClosed(id, "")
	m.onSocketClosed(id, "")

	evs := got()
	require.Equal(t, []events.Tag{TagWebSocketHandshake, TagWebSocketFrame, TagWebSocketFrame, TagWebSocketClosed}, tags(evs))
	hs := evs[0].(WebSocketHandshake)
	assert.Equal(t, "https://a.test", hs.RequestHeaders["Origin"])
	assert.Equal(t, int64(101), hs.Status)
	assert.Equal(t, WebSocketFrame{RequestID: id, URL: "wss://a.test/live", Direction: Received, Opcode: 1, Payload: "pong"}, evs[2])
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m := NewManager(nil, Options{Logger: zaptest.NewLogger(t)})
	m.onRequestWillBeSent(willBeSent("R1", "L1", "https://a.test/x", cdpnetwork.ResourceTypeXHR))
	m.Close()
	m.Close()
	assert.Empty(t, m.InFlight())
	m.onRequestWillBeSent(willBeSent("R2", "L1", "https://a.test/y", cdpnetwork.ResourceTypeXHR))
	assert.Empty(t, m.InFlight(), "closed managers ignore events")
}

func TestManager_OverTheWire(t *testing.T) {
	var mu sync.Mutex
	var calls []string
	var ua string
	srv := devtoolstest.New(t, func(c *devtoolstest.Call) {
		mu.Lock()
		calls = append(calls, c.Method)
		if c.Method == "Emulation.setUserAgentOverride" {
			ua = c.Param("userAgent")
		}
		mu.Unlock()
		_ = c.Reply(nil)
	})
	conn, err := devtools.Dial(context.Background(), srv.URL, zaptest.NewLogger(t), devtools.Options{})
	require.NoError(t, err)
	defer conn.Close()
	srv.WaitConnected()

	profile := emulation.DefaultProfile
	m := NewManager(conn.Root(), Options{
		Logger:       zaptest.NewLogger(t),
		Profile:      &profile,
		ExtraHeaders: map[string]string{"X-Run": "1"},
	})
	defer m.Close()
	requested, unsubscribe := m.Events().Subscribe(4, TagResourceWillBeRequested)
	defer unsubscribe()

	require.NoError(t, m.Initialize(context.Background()))
	mu.Lock()
	assert.Equal(t, []string{"Network.enable", "Emulation.setUserAgentOverride", "Network.setExtraHTTPHeaders"}, calls)
	assert.Equal(t, profile.UserAgent, ua)
	mu.Unlock()

	srv.Emit("", "Network.requestWillBeSent", map[string]any{
		"requestId":   "R1",
		"loaderId":    "L1",
		"documentURL": "https://a.test/",
		"request": map[string]any{
			"url": "https://a.test/", "method": "GET", "headers": map[string]any{},
			"initialPriority": "VeryHigh", "referrerPolicy": "no-referrer",
		},
		"timestamp":      1.5,
		"wallTime":       1700000000.25,
		"initiator":      map[string]any{"type": "other"},
		"type":           "Document",
		"frameId":        "F1",
		"hasUserGesture": false,
	})

	select {
	case ev := <-requested:
		req := ev.(ResourceWillBeRequested).Request
		assert.Equal(t, "https://a.test/", req.URL)
		assert.Equal(t, cdp.FrameID("F1"), req.FrameID)
		assert.Equal(t, int64(1700000000), req.Started.Unix())
	case <-time.After(5 * time.Second):
		t.Fatal("no request event")
	}
}
