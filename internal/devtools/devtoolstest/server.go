// Package devtoolstest provides a scriptable fake browser endpoint for tests.
package devtoolstest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
)

// Call is one command received by the fake endpoint.
type Call struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`

	peer *peer
}

// Reply answers the call with result.
func (c *Call) Reply(result any) error {
	if result == nil {
		result = struct{}{}
	}
	return c.peer.send(map[string]any{"id": c.ID, "sessionId": c.SessionID, "result": result})
}

// Fail answers the call with a protocol error.
func (c *Call) Fail(code int64, message string) error {
	return c.peer.send(map[string]any{
		"id":        c.ID,
		"sessionId": c.SessionID,
		"error":     map[string]any{"code": code, "message": message},
	})
}

// Param returns the named top-level param decoded as a string.
func (c *Call) Param(name string) string {
	return json.Get(c.Params, name).ToString()
}

// Handler answers calls. It runs on the connection's read goroutine and may
// keep the Call to reply later, in any order.
type Handler func(*Call)

// Server is a websocket endpoint speaking the debugging protocol framing.
type Server struct {
	t       testing.TB
	srv     *httptest.Server
	handler Handler

	// URL is the ws:// address to dial.
	URL string

	mu    sync.Mutex
	peers []*peer
	calls chan *Call
	conns chan struct{}
}

type peer struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (p *peer) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteMessage(websocket.TextMessage, data)
}

// New starts a fake endpoint. A nil handler replies {} to every call.
func New(t testing.TB, handler Handler) *Server {
	t.Helper()
	s := &Server{
		t:       t,
		handler: handler,
		calls:   make(chan *Call, 1024),
		conns:   make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := &peer{ws: ws}
		s.mu.Lock()
		s.peers = append(s.peers, p)
		s.mu.Unlock()
		s.conns <- struct{}{}
		s.serve(p)
	}))
	s.URL = "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/devtools/browser/test"
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serve(p *peer) {
	defer p.ws.Close()
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return
		}
		call := &Call{peer: p}
		if err := json.Unmarshal(data, call); err != nil {
			continue
		}
		select {
		case s.calls <- call:
		default:
		}
		if s.handler == nil {
			_ = call.Reply(nil)
			continue
		}
		s.handler(call)
	}
}

// WaitConnected blocks until a client has connected.
func (s *Server) WaitConnected() {
	s.t.Helper()
	select {
	case <-s.conns:
	case <-time.After(5 * time.Second):
		s.t.Fatal("devtoolstest: no client connected")
	}
}

// NextCall returns the next command received, failing the test after timeout.
func (s *Server) NextCall(timeout time.Duration) *Call {
	s.t.Helper()
	select {
	case c := <-s.calls:
		return c
	case <-time.After(timeout):
		s.t.Fatalf("devtoolstest: no call within %s", timeout)
		return nil
	}
}

// Emit sends an event to every connected client. An empty sessionID
// addresses the browser-level session.
func (s *Server) Emit(sessionID, method string, params any) {
	s.t.Helper()
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	for _, p := range s.snapshot() {
		if err := p.send(msg); err != nil {
			s.t.Logf("devtoolstest: emit %s: %v", method, err)
		}
	}
}

// Drop closes every client connection without a close handshake.
func (s *Server) Drop() {
	for _, p := range s.snapshot() {
		_ = p.ws.UnderlyingConn().Close()
	}
}

// Close drops all clients and stops the server.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*peer(nil), s.peers...)
}
