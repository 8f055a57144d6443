// Package network turns a session's Network domain events into typed
// request, response and WebSocket events.
package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/emulation"
	cdpnetwork "github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	puppetemulation "github.com/xkilldash9x/scalpel-puppet/internal/emulation"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

// Options configures a Manager.
type Options struct {
	Logger   *zap.Logger
	Reporter *observability.Reporter
	// Profile, when set, overrides the user agent the session reports.
	Profile      *puppetemulation.Profile
	ExtraHeaders map[string]string
}

type entry struct {
	req       *Request
	resp      *Response
	fromCache bool
}

type socket struct {
	url            string
	requestHeaders map[string]string
}

// Manager tracks the requests of one session.
type Manager struct {
	session *devtools.Session
	logger  *zap.Logger
	events  *events.Registry
	opts    Options

	mu       sync.Mutex
	requests map[cdpnetwork.RequestID]*entry
	sockets  map[cdpnetwork.RequestID]*socket
	offs     []func()
	closed   bool
}

// NewManager subscribes to the session's Network events. Call Initialize to
// enable the domain.
func NewManager(s *devtools.Session, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("network")
	scope := ""
	if s != nil {
		scope = string(s.ID())
		logger = logger.With(zap.String("session_id", scope))
	}
	m := &Manager{
		session:  s,
		logger:   logger,
		opts:     opts,
		events:   events.NewRegistry(logger, opts.Reporter, scope),
		requests: make(map[cdpnetwork.RequestID]*entry),
		sockets:  make(map[cdpnetwork.RequestID]*socket),
	}
	if s != nil {
		m.offs = m.listen(s)
	}
	return m
}

// Events returns the registry network events are published on.
func (m *Manager) Events() *events.Registry { return m.events }

// Initialize enables the Network domain and applies the user agent override
// and extra headers.
func (m *Manager) Initialize(ctx context.Context) error {
	exec := m.session.WithExecutor(ctx)
	if err := cdpnetwork.Enable().Do(exec); err != nil {
		return fmt.Errorf("enabling network on session %s: %w", m.session.ID(), err)
	}
	if p := m.opts.Profile; p != nil && p.UserAgent != "" {
		override := emulation.SetUserAgentOverride(p.UserAgent).
			WithAcceptLanguage(p.AcceptLanguage).
			WithPlatform(p.Platform)
		if err := override.Do(exec); err != nil {
			return fmt.Errorf("overriding user agent: %w", err)
		}
	}
	if len(m.opts.ExtraHeaders) > 0 {
		return m.SetExtraHTTPHeaders(ctx, m.opts.ExtraHeaders)
	}
	return nil
}

// SetExtraHTTPHeaders sends headers with every request from the session.
func (m *Manager) SetExtraHTTPHeaders(ctx context.Context, headers map[string]string) error {
	h := make(cdpnetwork.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return cdpnetwork.SetExtraHTTPHeaders(h).Do(m.session.WithExecutor(ctx))
}

// SetCacheDisabled toggles the browser cache for the session.
func (m *Manager) SetCacheDisabled(ctx context.Context, disabled bool) error {
	return cdpnetwork.SetCacheDisabled(disabled).Do(m.session.WithExecutor(ctx))
}

// InFlight returns the requests that have neither finished nor failed,
// oldest first.
func (m *Manager) InFlight() []*Request {
	m.mu.Lock()
	out := make([]*Request, 0, len(m.requests))
	for _, e := range m.requests {
		out = append(out, e.req)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// Request returns the in-flight request with id.
func (m *Manager) Request(id cdpnetwork.RequestID) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.requests[id]
	if !ok {
		return nil, false
	}
	return e.req, true
}

// Close unsubscribes from the session and closes the event registry.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	offs := m.offs
	m.offs = nil
	m.requests = make(map[cdpnetwork.RequestID]*entry)
	m.sockets = make(map[cdpnetwork.RequestID]*socket)
	m.mu.Unlock()
	for _, off := range offs {
		off()
	}
	m.events.Close()
}

func (m *Manager) listen(s *devtools.Session) []func() {
	return []func(){
		devtools.Listen(s, cdproto.EventNetworkRequestWillBeSent, m.onRequestWillBeSent),
		devtools.Listen(s, cdproto.EventNetworkRequestServedFromCache, func(ev *cdpnetwork.EventRequestServedFromCache) {
			m.mu.Lock()
			if e, ok := m.requests[ev.RequestID]; ok {
				e.fromCache = true
			}
			m.mu.Unlock()
		}),
		devtools.Listen(s, cdproto.EventNetworkResponseReceived, m.onResponseReceived),
		devtools.Listen(s, cdproto.EventNetworkLoadingFinished, m.onLoadingFinished),
		devtools.Listen(s, cdproto.EventNetworkLoadingFailed, m.onLoadingFailed),
		devtools.Listen(s, cdproto.EventNetworkWebSocketCreated, func(ev *cdpnetwork.EventWebSocketCreated) {
			m.mu.Lock()
			m.sockets[ev.RequestID] = &socket{url: ev.URL}
			m.mu.Unlock()
		}),
		devtools.Listen(s, cdproto.EventNetworkWebSocketWillSendHandshakeRequest, func(ev *cdpnetwork.EventWebSocketWillSendHandshakeRequest) {
			m.mu.Lock()
			if ws, ok := m.sockets[ev.RequestID]; ok && ev.Request != nil {
				ws.requestHeaders = flatten(ev.Request.Headers)
			}
			m.mu.Unlock()
		}),
		devtools.Listen(s, cdproto.EventNetworkWebSocketHandshakeResponseReceived, m.onHandshakeResponse),
		devtools.Listen(s, cdproto.EventNetworkWebSocketFrameSent, func(ev *cdpnetwork.EventWebSocketFrameSent) {
			m.onFrame(ev.RequestID, Sent, ev.Response)
		}),
		devtools.Listen(s, cdproto.EventNetworkWebSocketFrameReceived, func(ev *cdpnetwork.EventWebSocketFrameReceived) {
			m.onFrame(ev.RequestID, Received, ev.Response)
		}),
		devtools.Listen(s, cdproto.EventNetworkWebSocketFrameError, func(ev *cdpnetwork.EventWebSocketFrameError) {
			m.onSocketClosed(ev.RequestID, ev.ErrorMessage)
		}),
		devtools.Listen(s, cdproto.EventNetworkWebSocketClosed, func(ev *cdpnetwork.EventWebSocketClosed) {
			m.onSocketClosed(ev.RequestID, "")
		}),
	}
}

func (m *Manager) onRequestWillBeSent(ev *cdpnetwork.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	started := time.Now()
	if ev.WallTime != nil {
		started = ev.WallTime.Time()
	}
	req := &Request{
		ID:           ev.RequestID,
		LoaderID:     ev.LoaderID,
		FrameID:      ev.FrameID,
		URL:          ev.Request.URL + ev.Request.URLFragment,
		Method:       ev.Request.Method,
		ResourceType: ev.Type,
		Headers:      flatten(ev.Request.Headers),
		Started:      started,
	}

	var out []events.Event
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	// A redirect reuses the request id: the previous hop finishes here.
	if prev, ok := m.requests[ev.RequestID]; ok && ev.RedirectResponse != nil {
		req.RedirectChain = append(append([]string(nil), prev.req.RedirectChain...), prev.req.URL)
		out = append(out, ResourceLoaded{
			Request:           prev.req,
			Response:          toResponse(ev.RedirectResponse, prev.fromCache),
			EncodedDataLength: ev.RedirectResponse.EncodedDataLength,
			RedirectedTo:      req.URL,
		})
	}
	m.requests[ev.RequestID] = &entry{req: req}
	m.mu.Unlock()

	out = append(out, ResourceWillBeRequested{Request: req})
	m.emit(out)
}

func (m *Manager) onResponseReceived(ev *cdpnetwork.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	m.mu.Lock()
	e, ok := m.requests[ev.RequestID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.resp = toResponse(ev.Response, e.fromCache)
	req, resp := e.req, e.resp
	m.mu.Unlock()

	if req.IsNavigation() {
		m.events.Emit(NavigationResponse{Request: req, Response: resp})
	}
}

func (m *Manager) onLoadingFinished(ev *cdpnetwork.EventLoadingFinished) {
	m.mu.Lock()
	e, ok := m.requests[ev.RequestID]
	delete(m.requests, ev.RequestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.events.Emit(ResourceLoaded{Request: e.req, Response: e.resp, EncodedDataLength: ev.EncodedDataLength})
}

func (m *Manager) onLoadingFailed(ev *cdpnetwork.EventLoadingFailed) {
	m.mu.Lock()
	e, ok := m.requests[ev.RequestID]
	delete(m.requests, ev.RequestID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Debug("Request failed",
		zap.String("url", e.req.URL), zap.String("error", ev.ErrorText), zap.Bool("canceled", ev.Canceled))
	m.events.Emit(ResourceFailed{
		Request:       e.req,
		ErrorText:     ev.ErrorText,
		Canceled:      ev.Canceled,
		BlockedReason: string(ev.BlockedReason),
	})
}

func (m *Manager) onHandshakeResponse(ev *cdpnetwork.EventWebSocketHandshakeResponseReceived) {
	m.mu.Lock()
	ws, ok := m.sockets[ev.RequestID]
	m.mu.Unlock()
	if !ok || ev.Response == nil {
		return
	}
	reqHeaders := ws.requestHeaders
	if len(ev.Response.RequestHeaders) > 0 {
		reqHeaders = flatten(ev.Response.RequestHeaders)
	}
	m.events.Emit(WebSocketHandshake{
		RequestID:       ev.RequestID,
		URL:             ws.url,
		Status:          ev.Response.Status,
		RequestHeaders:  reqHeaders,
		ResponseHeaders: flatten(ev.Response.Headers),
	})
}

func (m *Manager) onFrame(id cdpnetwork.RequestID, direction string, f *cdpnetwork.WebSocketFrame) {
	if f == nil {
		return
	}
	m.mu.Lock()
	ws, ok := m.sockets[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.events.Emit(WebSocketFrame{
		RequestID: id,
		URL:       ws.url,
		Direction: direction,
		Opcode:    int(f.Opcode),
		Payload:   f.PayloadData,
	})
}

func (m *Manager) onSocketClosed(id cdpnetwork.RequestID, errText string) {
	m.mu.Lock()
	ws, ok := m.sockets[id]
	delete(m.sockets, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.events.Emit(WebSocketClosed{RequestID: id, URL: ws.url, Error: errText})
}

func (m *Manager) emit(evs []events.Event) {
	for _, ev := range evs {
		m.events.Emit(ev)
	}
}

func toResponse(r *cdpnetwork.Response, fromCache bool) *Response {
	resp := &Response{
		URL:        r.URL,
		Status:     r.Status,
		StatusText: r.StatusText,
		MimeType:   r.MimeType,
		Headers:    flatten(r.Headers),
		FromCache:  fromCache || r.FromDiskCache || r.FromPrefetchCache || r.FromServiceWorker,
		Protocol:   r.Protocol,
	}
	if r.RemoteIPAddress != "" {
		resp.RemoteAddress = fmt.Sprintf("%s:%d", r.RemoteIPAddress, r.RemotePort)
	}
	return resp
}

// flatten converts protocol headers, whose values may be any JSON scalar,
// to strings.
func flatten(h cdpnetwork.Headers) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		switch s := v.(type) {
		case string:
			out[k] = s
		default:
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
