package network

import (
	"time"

	"github.com/chromedp/cdproto/cdp"
	cdpnetwork "github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

// Event tags published on Manager.Events.
const (
	TagResourceWillBeRequested events.Tag = "resource-will-be-requested"
	TagNavigationResponse      events.Tag = "navigation-response"
	TagResourceLoaded          events.Tag = "resource-loaded"
	TagResourceFailed          events.Tag = "resource-failed"
	TagWebSocketHandshake      events.Tag = "websocket-handshake"
	TagWebSocketFrame          events.Tag = "websocket-frame"
	TagWebSocketClosed         events.Tag = "websocket-closed"
)

// Request is the manager's view of one in-flight request.
type Request struct {
	ID           cdpnetwork.RequestID    `json:"requestId"`
	LoaderID     cdp.LoaderID            `json:"loaderId,omitempty"`
	FrameID      cdp.FrameID             `json:"frameId,omitempty"`
	URL          string                  `json:"url"`
	Method       string                  `json:"method"`
	ResourceType cdpnetwork.ResourceType `json:"resourceType"`
	Headers      map[string]string       `json:"headers,omitempty"`
	// RedirectChain lists the URLs that redirected to this one, oldest
	// first.
	RedirectChain []string  `json:"redirectChain,omitempty"`
	Started       time.Time `json:"started"`
}

// IsNavigation reports whether the request loads a frame's document.
func (r *Request) IsNavigation() bool {
	return r.ResourceType == cdpnetwork.ResourceTypeDocument && string(r.ID) == string(r.LoaderID)
}

// Response summarizes the response to a Request.
type Response struct {
	URL           string            `json:"url"`
	Status        int64             `json:"status"`
	StatusText    string            `json:"statusText,omitempty"`
	MimeType      string            `json:"mimeType,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	RemoteAddress string            `json:"remoteAddress,omitempty"`
	FromCache     bool              `json:"fromCache,omitempty"`
	Protocol      string            `json:"protocol,omitempty"`
}

// ResourceWillBeRequested is published before a request leaves the browser.
type ResourceWillBeRequested struct {
	Request *Request `json:"request"`
}

func (ResourceWillBeRequested) Tag() events.Tag { return TagResourceWillBeRequested }

// NavigationResponse is published when a frame's document response arrives.
type NavigationResponse struct {
	Request  *Request  `json:"request"`
	Response *Response `json:"response"`
}

func (NavigationResponse) Tag() events.Tag { return TagNavigationResponse }

// ResourceLoaded is published when a request finishes. A redirect finishes
// the redirected request with RedirectedTo set.
type ResourceLoaded struct {
	Request           *Request  `json:"request"`
	Response          *Response `json:"response,omitempty"`
	EncodedDataLength float64   `json:"encodedDataLength"`
	RedirectedTo      string    `json:"redirectedTo,omitempty"`
}

func (ResourceLoaded) Tag() events.Tag { return TagResourceLoaded }

// ResourceFailed is published when a request fails or is canceled.
type ResourceFailed struct {
	Request       *Request `json:"request"`
	ErrorText     string   `json:"errorText"`
	Canceled      bool     `json:"canceled,omitempty"`
	BlockedReason string   `json:"blockedReason,omitempty"`
}

func (ResourceFailed) Tag() events.Tag { return TagResourceFailed }

// WebSocketHandshake is published when a WebSocket's upgrade response
// arrives.
type WebSocketHandshake struct {
	RequestID       cdpnetwork.RequestID `json:"requestId"`
	URL             string               `json:"url"`
	Status          int64                `json:"status"`
	RequestHeaders  map[string]string    `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string    `json:"responseHeaders,omitempty"`
}

func (WebSocketHandshake) Tag() events.Tag { return TagWebSocketHandshake }

// Frame directions.
const (
	Sent     = "sent"
	Received = "received"
)

// WebSocketFrame is one message sent or received on a WebSocket.
type WebSocketFrame struct {
	RequestID cdpnetwork.RequestID `json:"requestId"`
	URL       string               `json:"url"`
	Direction string               `json:"direction"`
	Opcode    int                  `json:"opcode"`
	Payload   string               `json:"payload"`
}

func (WebSocketFrame) Tag() events.Tag { return TagWebSocketFrame }

// WebSocketClosed is published when a WebSocket closes or errors.
type WebSocketClosed struct {
	RequestID cdpnetwork.RequestID `json:"requestId"`
	URL       string               `json:"url"`
	Error     string               `json:"error,omitempty"`
}

func (WebSocketClosed) Tag() events.Tag { return TagWebSocketClosed }
