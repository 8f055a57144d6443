// Package mitm implements the intercepting proxy the browser's traffic is
// routed through. Every request runs through an ordered pipeline of stages
// that can block, rewrite or forward it.
package mitm

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

// Options configures a Proxy.
type Options struct {
	Logger   *zap.Logger
	Reporter *observability.Reporter
	Metrics  *Metrics
	Sessions *Sessions
	// CA enables TLS interception. Without it HTTPS is tunnelled: only the
	// session stage runs, once per CONNECT, and the tunnel is recorded.
	CA                      *CA
	Transport               TransportConfig
	UnresolvedSessionPolicy string
	// ChallengeAuth makes the proxy demand Basic credentials, whose user
	// name is the session id, from clients that send none.
	ChallengeAuth bool
	ExtraStages   []Stage
	// RecordBodies attaches up to MaxRecordedBody decoded response bytes
	// to Exchange events.
	RecordBodies    bool
	MaxRecordedBody int64
}

// connectInfo carries what was learned from a CONNECT request to the
// requests tunnelled inside it.
type connectInfo struct {
	sessionID string
}

// requestState is the goproxy UserData of one request. goproxy gives every
// request on an intercepted TLS connection its own ProxyCtx seeded with the
// CONNECT's UserData, so connect reaches each of them.
type requestState struct {
	connect connectInfo
	rc      *RequestContext
}

// Proxy is the intercepting proxy server.
type Proxy struct {
	proxy     *goproxy.ProxyHttpServer
	pipeline  *Pipeline
	sessions  *Sessions
	events    *events.Registry
	metrics   *Metrics
	logger    *zap.Logger
	opts      Options
	tlsConfig func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error)

	serverMu sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates the proxy. It does not listen until Listen is called; the
// Proxy is also an http.Handler.
func New(opts Options) (*Proxy, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessions()
	}
	if opts.Transport.DialerConfig == nil {
		opts.Transport.DialerConfig = NewDialerConfig()
	}
	if opts.MaxRecordedBody <= 0 {
		opts.MaxRecordedBody = 1 << 20
	}
	log := opts.Logger.Named("interception_proxy")

	p := &Proxy{
		proxy:    goproxy.NewProxyHttpServer(),
		sessions: opts.Sessions,
		events:   events.NewRegistry(log, opts.Reporter, "proxy"),
		metrics:  opts.Metrics,
		logger:   log,
		opts:     opts,
	}
	p.pipeline = NewPipeline(PipelineOptions{
		Logger:                  log,
		Reporter:                opts.Reporter,
		Metrics:                 opts.Metrics,
		Events:                  p.events,
		Sessions:                opts.Sessions,
		UnresolvedSessionPolicy: opts.UnresolvedSessionPolicy,
		ChallengeAuth:           opts.ChallengeAuth,
		ExtraStages:             opts.ExtraStages,
	})

	p.proxy.Verbose = false
	// Accept-Encoding is part of the emulated header set.
	p.proxy.KeepAcceptEncoding = true
	p.proxy.Logger = zap.NewStdLog(log.Named("goproxy"))
	p.proxy.Tr = NewTransport(opts.Transport, log)
	dialerCfg := opts.Transport.DialerConfig.Clone()
	p.proxy.ConnectDial = func(network, addr string) (net.Conn, error) {
		return DialTCPContext(context.Background(), network, addr, dialerCfg)
	}

	if opts.CA != nil {
		p.tlsConfig = opts.CA.tlsConfigFunc()
		p.proxy.CertStore = newCertStore()
		log.Info("MITM capabilities initialized.")
	} else {
		log.Warn("No CA configured, MITM disabled. Operating in tunneling mode.")
	}

	p.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(p.handleConnect))
	p.proxy.OnRequest().DoFunc(p.handleRequest)
	p.proxy.OnResponse().DoFunc(p.handleResponse)
	return p, nil
}

// Events returns the registry exchange events are published on.
func (p *Proxy) Events() *events.Registry { return p.events }

// Sessions returns the session policies the proxy resolves against.
func (p *Proxy) Sessions() *Sessions { return p.sessions }

// Pipeline returns the request pipeline.
func (p *Proxy) Pipeline() *Pipeline { return p.pipeline }

// Intercepts reports whether TLS connections are decrypted and run through
// the full pipeline.
func (p *Proxy) Intercepts() bool { return p.tlsConfig != nil }

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}

func (p *Proxy) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	id, ok := SessionIDFromRequest(ctx.Req)
	if !ok && p.opts.ChallengeAuth {
		return &goproxy.ConnectAction{Action: goproxy.ConnectProxyAuthHijack, Hijack: challengeConnect}, host
	}
	if ok {
		ctx.UserData = connectInfo{sessionID: id}
	}
	if p.tlsConfig == nil {
		return p.tunnel(host, ctx)
	}
	return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: p.tlsConfig}, host
}

// tunnel resolves the session of a CONNECT that is not intercepted. A
// rejected session gets the pipeline's response and no tunnel.
func (p *Proxy) tunnel(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	rc := NewRequestContext(ctx.Req)
	if resp := p.pipeline.ProcessTunnel(rc); resp != nil {
		ctx.Resp = resp
		return &goproxy.ConnectAction{Action: goproxy.ConnectReject}, host
	}
	p.events.Emit(Exchange{
		RequestID:      rc.ID,
		SessionID:      rc.SessionID,
		Method:         http.MethodConnect,
		URL:            host,
		ResourceType:   rc.ResourceType,
		Status:         http.StatusOK,
		RequestHeaders: rc.Request.Header.Clone(),
		Start:          rc.StartTime,
		End:            time.Now(),
	})
	return goproxy.OkConnect, host
}

// challengeConnect finishes the 407 response goproxy has started writing
// and closes the tunnel.
func challengeConnect(_ *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
	defer client.Close()
	_, _ = io.WriteString(client, "Proxy-Authenticate: "+ProxyAuthenticate+"\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
}

func (p *Proxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	var ci connectInfo
	switch ud := ctx.UserData.(type) {
	case connectInfo:
		ci = ud
	case *requestState:
		ci = ud.connect
	}
	rc := NewRequestContext(r)
	rc.SessionID = ci.sessionID
	ctx.UserData = &requestState{connect: ci, rc: rc}

	resp := p.pipeline.Process(rc)
	return rc.Request, resp
}

func (p *Proxy) handleResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	st, ok := ctx.UserData.(*requestState)
	if !ok {
		return resp
	}
	rc := st.rc
	// Blocked, rejected and failed requests already carry their final
	// response.
	if rc.State().Terminal() {
		return resp
	}
	if resp == nil {
		return p.upstreamFailed(rc, ctx)
	}

	if err := rc.SetState(StateComplete); err != nil {
		return resp
	}
	p.metrics.finished(rc)

	if resp.StatusCode == http.StatusSwitchingProtocols {
		p.events.Emit(WebSocketUpgrade{RequestID: rc.ID, SessionID: rc.SessionID, URL: rc.URL.String()})
		return resp
	}

	ex := Exchange{
		RequestID:       rc.ID,
		SessionID:       rc.SessionID,
		Method:          rc.Method,
		URL:             rc.URL.String(),
		ResourceType:    rc.ResourceType,
		Status:          resp.StatusCode,
		RequestHeaders:  rc.Request.Header.Clone(),
		ResponseHeaders: resp.Header.Clone(),
		MimeType:        resp.Header.Get("Content-Type"),
		Start:           rc.StartTime,
	}
	if !p.opts.RecordBodies || resp.Body == nil || resp.Body == http.NoBody {
		ex.End = time.Now()
		p.events.Emit(ex)
		return resp
	}

	encodings := resp.Header.Values("Content-Encoding")
	resp.Body = &captureBody{
		ReadCloser: resp.Body,
		limit:      p.opts.MaxRecordedBody,
		done: func(body []byte, truncated bool) {
			ex.End = time.Now()
			ex.BodyTruncated = truncated
			if !truncated {
				decoded, err := DecodeBody(encodings, body)
				if err != nil {
					p.logger.Debug("Could not decode recorded body", zap.String("url", ex.URL), zap.Error(err))
				} else {
					body = decoded
				}
			}
			ex.Body = append([]byte(nil), body...)
			ex.MimeType = SniffMimeType(ex.MimeType, ex.Body)
			p.events.Emit(ex)
		},
	}
	return resp
}

// upstreamFailed answers a request whose origin could not be reached with
// a 502, or a 504 on timeouts.
func (p *Proxy) upstreamFailed(rc *RequestContext, ctx *goproxy.ProxyCtx) *http.Response {
	cause := ctx.Error
	if cause == nil {
		cause = errors.New("unknown error")
	}
	p.logger.Warn("Proxy received nil response from upstream",
		zap.String("url", rc.URL.String()), zap.String("session_id", rc.SessionID), zap.Error(cause))

	rc.fail(&InterceptionError{RequestID: rc.ID, SessionID: rc.SessionID, Stage: StateForwarding, Err: cause})
	p.metrics.finished(rc)
	p.events.Emit(RequestFailed{
		RequestID: rc.ID,
		SessionID: rc.SessionID,
		URL:       rc.URL.String(),
		Stage:     StateForwarding,
		Error:     cause.Error(),
	})

	status := http.StatusBadGateway
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		status = http.StatusGatewayTimeout
	}
	return goproxy.NewResponse(rc.Request, goproxy.ContentTypeText, status,
		fmt.Sprintf("Proxy error: upstream connection failed: %s", cause))
}

// Listen binds the proxy to addr. Use Serve to start accepting.
func (p *Proxy) Listen(addr string) (net.Addr, error) {
	p.serverMu.Lock()
	defer p.serverMu.Unlock()
	if p.listener != nil {
		return nil, errors.New("mitm: proxy is already listening")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mitm: listening on %s: %w", addr, err)
	}
	p.listener = ln
	p.server = &http.Server{
		Handler:           p.proxy,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          zap.NewStdLog(p.logger.Named("http_server")),
	}
	p.logger.Info("Interception proxy listening", zap.String("address", ln.Addr().String()))
	return ln.Addr(), nil
}

// Serve accepts connections until ctx is done, then shuts down gracefully.
func (p *Proxy) Serve(ctx context.Context) error {
	p.serverMu.Lock()
	server, ln := p.server, p.listener
	p.serverMu.Unlock()
	if server == nil {
		return errors.New("mitm: Serve called before Listen")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("mitm: shutting down: %w", err)
		}
		<-errCh
		return nil
	}
}

// Close stops the server immediately and closes the event registry.
func (p *Proxy) Close() error {
	p.serverMu.Lock()
	server := p.server
	p.serverMu.Unlock()
	var err error
	if server != nil {
		err = server.Close()
	}
	p.events.Close()
	return err
}
