package mitm

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/google/uuid"
)

// ResourceState tags how far a request got through the pipeline.
type ResourceState string

const (
	StateStart              ResourceState = "Start"
	StateResolveSession     ResourceState = "ResolveSession"
	StateBlockHandler       ResourceState = "BlockHandler"
	StateHeaderModification ResourceState = "HeaderModification"
	StateForwarding         ResourceState = "Forwarding"
	StateComplete           ResourceState = "Complete"
	StateBlocked            ResourceState = "Blocked"
	StateRejected           ResourceState = "Rejected"
	StateErrored            ResourceState = "Errored"
)

// Terminal reports whether no stage may run after s.
func (s ResourceState) Terminal() bool {
	switch s {
	case StateComplete, StateBlocked, StateRejected, StateErrored:
		return true
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	State ResourceState
	At    time.Time
}

// RequestContext is one intercepted exchange. The pipeline owns it for the
// request's lifetime and hands it to stages by reference; stages for one
// request never run concurrently.
type RequestContext struct {
	ID           string
	Method       string
	URL          *url.URL
	ResourceType network.ResourceType
	// OriginType is none, same-origin, same-site or cross-site.
	OriginType string
	Request    *http.Request

	// Session is nil when the request could not be mapped to a session.
	Session   *RequestSession
	SessionID string
	// Passthrough is set for unresolved requests forwarded unmodified.
	Passthrough bool

	DidBlock bool
	// Response, when set by a stage, is returned to the browser instead of
	// forwarding the request.
	Response  *http.Response
	StartTime time.Time

	mu      sync.Mutex
	state   ResourceState
	history []Transition
	failure error
}

// NewRequestContext classifies r and starts its state history.
func NewRequestContext(r *http.Request) *RequestContext {
	now := time.Now()
	rc := &RequestContext{
		ID:           uuid.NewString(),
		Method:       r.Method,
		URL:          r.URL,
		ResourceType: ClassifyResource(r),
		OriginType:   OriginType(r),
		Request:      r,
		StartTime:    now,
		state:        StateStart,
		history:      []Transition{{State: StateStart, At: now}},
	}
	return rc
}

// State returns the current state.
func (c *RequestContext) State() ResourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState moves the request to s. Moving out of a terminal state fails
// with ErrTerminal.
func (c *RequestContext) SetState(s ResourceState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Terminal() {
		return ErrTerminal
	}
	c.state = s
	c.history = append(c.history, Transition{State: s, At: time.Now()})
	return nil
}

// History lists the states the request went through, in order.
func (c *RequestContext) History() []ResourceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ResourceState, len(c.history))
	for i, t := range c.history {
		out[i] = t.State
	}
	return out
}

// Err is the failure that moved the request to Errored, if any.
func (c *RequestContext) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

func (c *RequestContext) fail(err error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	c.failure = err
	c.history = append(c.history, Transition{State: StateErrored, At: time.Now()})
	c.mu.Unlock()
}
