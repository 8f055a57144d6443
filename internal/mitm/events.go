package mitm

import (
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

// Event tags published on Proxy.Events.
const (
	TagExchange         events.Tag = "proxy-exchange"
	TagRequestBlocked   events.Tag = "proxy-request-blocked"
	TagRequestFailed    events.Tag = "proxy-request-failed"
	TagWebSocketUpgrade events.Tag = "proxy-websocket"
)

// Exchange is a forwarded request and its response. Body holds the
// decoded response body when body recording is on.
type Exchange struct {
	RequestID       string               `json:"requestId"`
	SessionID       string               `json:"sessionId,omitempty"`
	Method          string               `json:"method"`
	URL             string               `json:"url"`
	ResourceType    network.ResourceType `json:"resourceType"`
	Status          int                  `json:"status"`
	RequestHeaders  http.Header          `json:"requestHeaders"`
	ResponseHeaders http.Header          `json:"responseHeaders"`
	MimeType        string               `json:"mimeType,omitempty"`
	Body            []byte               `json:"body,omitempty"`
	BodyTruncated   bool                 `json:"bodyTruncated,omitempty"`
	Start           time.Time            `json:"start"`
	End             time.Time            `json:"end"`
}

func (Exchange) Tag() events.Tag { return TagExchange }

// RequestBlocked is published when the block stage stops a request.
type RequestBlocked struct {
	RequestID    string               `json:"requestId"`
	SessionID    string               `json:"sessionId"`
	URL          string               `json:"url"`
	ResourceType network.ResourceType `json:"resourceType"`
	// Custom is set when the session's block handler served the response.
	Custom bool `json:"custom"`
}

func (RequestBlocked) Tag() events.Tag { return TagRequestBlocked }

// RequestFailed is published when a stage fails, the session is rejected
// or the origin could not be reached.
type RequestFailed struct {
	RequestID string        `json:"requestId"`
	SessionID string        `json:"sessionId,omitempty"`
	URL       string        `json:"url"`
	Stage     ResourceState `json:"stage"`
	Error     string        `json:"error"`
}

func (RequestFailed) Tag() events.Tag { return TagRequestFailed }

// WebSocketUpgrade is published when an upgrade request was switched to
// the WebSocket protocol by the origin.
type WebSocketUpgrade struct {
	RequestID string `json:"requestId"`
	SessionID string `json:"sessionId,omitempty"`
	URL       string `json:"url"`
}

func (WebSocketUpgrade) Tag() events.Tag { return TagWebSocketUpgrade }
