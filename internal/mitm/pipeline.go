package mitm

import (
	"fmt"
	"net/http"
	"path"
	"runtime/debug"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/config"
	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

// ProxyAuthenticate is the challenge sent when ChallengeAuth is on.
const ProxyAuthenticate = `Basic realm="puppet"`

// Stage is one step of the request pipeline. Run returns stop to end the
// pipeline early; a stage that stops normally also moves the request to a
// terminal state and sets its Response.
type Stage struct {
	State ResourceState
	Run   func(rc *RequestContext) (stop bool, err error)
}

// PipelineOptions configures a Pipeline.
type PipelineOptions struct {
	Logger   *zap.Logger
	Reporter *observability.Reporter
	Metrics  *Metrics
	Events   *events.Registry
	Sessions *Sessions
	// UnresolvedSessionPolicy is config.UnresolvedSessionPass (default) or
	// config.UnresolvedSessionReject.
	UnresolvedSessionPolicy string
	// ChallengeAuth answers requests that carry no proxy credentials with
	// 407 so the browser retries with them.
	ChallengeAuth bool
	// ExtraStages run after header modification and before forwarding,
	// in the order given.
	ExtraStages []Stage
}

// Pipeline runs the ordered request stages. Stages for one request run
// sequentially on the request's goroutine; requests run in parallel.
type Pipeline struct {
	logger    *zap.Logger
	reporter  *observability.Reporter
	metrics   *Metrics
	events    *events.Registry
	sessions  *Sessions
	reject    bool
	challenge bool
	stages    []Stage
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Sessions == nil {
		opts.Sessions = NewSessions()
	}
	p := &Pipeline{
		logger:    opts.Logger.Named("pipeline"),
		reporter:  opts.Reporter,
		metrics:   opts.Metrics,
		events:    opts.Events,
		sessions:  opts.Sessions,
		reject:    strings.EqualFold(opts.UnresolvedSessionPolicy, config.UnresolvedSessionReject),
		challenge: opts.ChallengeAuth,
	}
	p.stages = append(p.stages,
		Stage{State: StateResolveSession, Run: p.resolveSession},
		Stage{State: StateBlockHandler, Run: p.blockRequest},
		Stage{State: StateHeaderModification, Run: p.modifyHeaders},
	)
	p.stages = append(p.stages, opts.ExtraStages...)
	p.stages = append(p.stages, Stage{State: StateForwarding, Run: p.forward})
	return p
}

// Stages lists the stage states in run order.
func (p *Pipeline) Stages() []ResourceState {
	out := make([]ResourceState, len(p.stages))
	for i, st := range p.stages {
		out[i] = st.State
	}
	return out
}

// Process runs rc through the stages. A non-nil response is sent to the
// browser in place of forwarding; a nil response means rc.Request should
// be forwarded to the origin.
func (p *Pipeline) Process(rc *RequestContext) *http.Response {
	for _, st := range p.stages {
		if err := rc.SetState(st.State); err != nil {
			break
		}
		start := time.Now()
		stop, err := p.run(st, rc)
		p.metrics.observeStage(st.State, time.Since(start))
		if err != nil {
			return p.failRequest(rc, st.State, err)
		}
		if stop {
			break
		}
	}
	if rc.State().Terminal() {
		p.metrics.finished(rc)
		return rc.Response
	}
	return nil
}

// ProcessTunnel runs only the session stage for a CONNECT whose traffic
// is tunnelled rather than intercepted. A non-nil response rejects the
// tunnel; otherwise rc ends Complete.
func (p *Pipeline) ProcessTunnel(rc *RequestContext) *http.Response {
	st := p.stages[0]
	if err := rc.SetState(st.State); err != nil {
		return nil
	}
	start := time.Now()
	stop, err := p.run(st, rc)
	p.metrics.observeStage(st.State, time.Since(start))
	if err != nil {
		return p.failRequest(rc, st.State, err)
	}
	if !stop {
		_ = rc.SetState(StateComplete)
	}
	p.metrics.finished(rc)
	if rc.State() == StateComplete {
		return nil
	}
	return rc.Response
}

func (p *Pipeline) run(st Stage, rc *RequestContext) (stop bool, err error) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("Pipeline stage panicked",
				zap.String("stage", string(st.State)),
				zap.String("request_id", rc.ID),
				zap.ByteString("stack", debug.Stack()))
			stop, err = true, fmt.Errorf("panic: %v", v)
		}
	}()
	return st.Run(rc)
}

// failRequest fails rc back to the browser as a bad gateway and reports
// the fault against the request's session.
func (p *Pipeline) failRequest(rc *RequestContext, stage ResourceState, err error) *http.Response {
	ierr := &InterceptionError{RequestID: rc.ID, SessionID: rc.SessionID, Stage: stage, Err: err}
	rc.fail(ierr)
	p.reporter.Report(rc.SessionID, "mitm", ierr)
	p.metrics.failed(stage)
	p.metrics.finished(rc)
	p.publish(RequestFailed{
		RequestID: rc.ID,
		SessionID: rc.SessionID,
		URL:       rc.URL.String(),
		Stage:     stage,
		Error:     err.Error(),
	})
	rc.Response = goproxy.NewResponse(rc.Request, goproxy.ContentTypeText, http.StatusBadGateway,
		"Proxy error: request interception failed")
	return rc.Response
}

func (p *Pipeline) publish(ev events.Event) {
	if p.events != nil {
		p.events.Emit(ev)
	}
}

// -- Stages --

func (p *Pipeline) resolveSession(rc *RequestContext) (bool, error) {
	if id, ok := SessionIDFromRequest(rc.Request); ok {
		rc.SessionID = id
	}
	rc.Request.Header.Del("Proxy-Authorization")

	if rc.SessionID == "" && p.challenge {
		rc.Response = goproxy.NewResponse(rc.Request, goproxy.ContentTypeText, http.StatusProxyAuthRequired,
			"Proxy authentication required")
		rc.Response.Header.Set("Proxy-Authenticate", ProxyAuthenticate)
		return true, rc.SetState(StateRejected)
	}

	if s, ok := p.sessions.Get(rc.SessionID); ok && !s.IsClosing() {
		rc.Session = s
		return false, nil
	}

	if !p.reject {
		rc.Passthrough = true
		p.logger.Debug("Passing through request without an open session",
			zap.String("url", rc.URL.String()), zap.String("session_id", rc.SessionID))
		return false, nil
	}

	rc.Response = goproxy.NewResponse(rc.Request, goproxy.ContentTypeText, http.StatusBadGateway,
		"Proxy error: "+ErrSessionUnresolved.Error())
	if err := rc.SetState(StateRejected); err != nil {
		return true, err
	}
	p.publish(RequestFailed{
		RequestID: rc.ID,
		SessionID: rc.SessionID,
		URL:       rc.URL.String(),
		Stage:     StateResolveSession,
		Error:     ErrSessionUnresolved.Error(),
	})
	return true, nil
}

func (p *Pipeline) blockRequest(rc *RequestContext) (bool, error) {
	s := rc.Session
	if s == nil || s.IsClosing() {
		return false, nil
	}
	if !s.blocksType(rc.ResourceType) && !s.blocksURL(rc.URL.String()) {
		return false, nil
	}
	rc.DidBlock = true

	custom := false
	if s.opts.BlockHandler != nil && s.opts.BlockHandler(rc) && rc.Response != nil {
		custom = true
	} else {
		rc.Response = blockedResponse(rc)
	}
	if err := rc.SetState(StateBlocked); err != nil {
		return true, err
	}
	p.publish(RequestBlocked{
		RequestID:    rc.ID,
		SessionID:    rc.SessionID,
		URL:          rc.URL.String(),
		ResourceType: rc.ResourceType,
		Custom:       custom,
	})
	return true, nil
}

// blockedResponse is an empty 200 typed after the resource so the page
// sees a normal, if useless, response.
func blockedResponse(rc *RequestContext) *http.Response {
	// Images are typed from the URL extension; an image URL without one
	// is answered as text/html like every other blocked resource.
	contentType := "text/html"
	if rc.ResourceType == network.ResourceTypeImage {
		if ext := strings.TrimPrefix(path.Ext(rc.URL.Path), "."); ext != "" {
			contentType = "image/" + strings.ToLower(ext)
		}
	}
	resp := goproxy.NewResponse(rc.Request, contentType, http.StatusOK, "")
	resp.Header.Set("Access-Control-Allow-Origin", "*")
	return resp
}

func (p *Pipeline) modifyHeaders(rc *RequestContext) (bool, error) {
	if rc.Passthrough || rc.Session == nil {
		return false, nil
	}
	d := rc.Session.Delegate()
	if d == nil || d.RequestHeaders == nil {
		return false, nil
	}
	hs := d.RequestHeaders(emulation.Resource{
		Method:     rc.Method,
		Type:       rc.ResourceType,
		OriginType: rc.OriginType,
		Secure:     rc.URL.Scheme == "https" || rc.URL.Scheme == "wss",
		Headers:    rc.Request.Header,
	})
	if hs == nil {
		return false, nil
	}
	rc.Request.Header = emulation.ToHTTPHeader(hs)
	return false, nil
}

func (p *Pipeline) forward(rc *RequestContext) (bool, error) {
	s := rc.Session
	if s == nil {
		return false, nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(rc.Request.Context()); err != nil {
			return false, fmt.Errorf("waiting for the session rate limit: %w", err)
		}
	}
	if d := s.Delegate(); d != nil && d.Socket != (emulation.SocketOptions{}) {
		rc.Request = rc.Request.WithContext(withSocketOptions(rc.Request.Context(), d.Socket))
	}
	return false, nil
}
