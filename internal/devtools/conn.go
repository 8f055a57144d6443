// Package devtools implements the debugging protocol transport: one duplex
// websocket Conn per browser engine, multiplexing any number of Sessions.
package devtools

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

const maxTraceBytes = 512

// Options tunes a Conn. The zero value is usable.
type Options struct {
	// CommandTimeout bounds a Send whose context has no deadline. Zero means no bound.
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	Trace          bool
	Reporter       *observability.Reporter
	Registry       *Registry
	Dialer         *websocket.Dialer
	Header         http.Header
}

// command is the outgoing frame: {id, sessionId, method, params}.
type command struct {
	ID        int64            `json:"id"`
	SessionID target.SessionID `json:"sessionId,omitempty"`
	Method    string           `json:"method"`
	Params    jsontext.Value   `json:"params,omitzero"`
}

// Conn owns the websocket to one browser engine and the set of sessions
// multiplexed over it. A Conn is unusable once closed.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger
	opts   Options

	writeMu sync.Mutex

	// mu guards sessions and closeErr. Only the read pump adds or removes
	// sessions after construction.
	mu       sync.RWMutex
	sessions map[target.SessionID]*Session
	closeErr *TransportError

	root      *Session
	closeOnce sync.Once
	done      chan struct{}
	pumpDone  chan struct{}
}

// Dial connects to the debugging endpoint at wsURL.
func Dial(ctx context.Context, wsURL string, logger *zap.Logger, opts Options) (*Conn, error) {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   1 << 16,
			WriteBufferSize:  1 << 16,
		}
	}
	ws, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &TransportError{Reason: "dial " + wsURL, Err: err}
	}
	return NewConn(ws, logger, opts), nil
}

// NewConn wraps an established websocket and starts its read pump.
func NewConn(ws *websocket.Conn, logger *zap.Logger, opts Options) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}
	c := &Conn{
		ws:       ws,
		logger:   logger.Named("devtools_conn"),
		opts:     opts,
		sessions: make(map[target.SessionID]*Session),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	c.root = newSession(c, "", nil, targetInfo{Type: "browser"})
	c.sessions[""] = c.root
	if opts.Registry != nil {
		opts.Registry.addConn(c)
	}

	go c.readLoop()
	return c
}

// Root returns the browser-level session, which has an empty session id.
func (c *Conn) Root() *Session { return c.root }

// Session looks up a live session by id.
func (c *Conn) Session(id target.SessionID) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	return s, ok
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closeErr == nil {
		return nil
	}
	return c.closeErr
}

// Close closes the websocket and fails every pending command on every
// session. Closing a closed Conn is a no-op.
func (c *Conn) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.shutdown(&TransportError{Reason: "connection closed"})
	<-c.pumpDone
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.pumpDone)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(&TransportError{Reason: "read failed", Err: err})
			return
		}
		c.dispatch(data)
	}
}

// dispatch routes one inbound frame. Replies go to the pending call with
// the same id on the addressed session; events are queued on that session
// in arrival order.
func (c *Conn) dispatch(data []byte) {
	if c.opts.Trace {
		c.logger.Debug("<- recv", zap.ByteString("frame", truncate(data)))
	}

	var msg cdproto.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Dropping malformed frame", zap.Error(err), zap.ByteString("frame", truncate(data)))
		return
	}

	s, ok := c.Session(msg.SessionID)
	if !ok {
		c.logger.Debug("Dropping frame for unknown session",
			zap.String("session_id", string(msg.SessionID)),
			zap.Int64("id", msg.ID),
			zap.String("method", string(msg.Method)))
		return
	}

	switch {
	case msg.ID != 0:
		s.resolve(&msg)
	case msg.Method != "":
		if msg.Method == cdproto.EventTargetAttachedToTarget {
			c.attach(s, msg.Params)
		}
		s.enqueue(&msg)
		if msg.Method == cdproto.EventTargetDetachedFromTarget {
			id := gjson.GetBytes(msg.Params, "sessionId").String()
			c.detach(target.SessionID(id), &TransportError{Reason: "target detached"})
		}
	}
}

// attach registers the child session announced by Target.attachedToTarget
// before any listener sees the event, so listeners can use it immediately.
func (c *Conn) attach(parent *Session, params []byte) {
	res := gjson.ParseBytes(params)
	id := target.SessionID(res.Get("sessionId").String())
	if id == "" {
		return
	}
	info := targetInfo{
		ID:   res.Get("targetInfo.targetId").String(),
		Type: res.Get("targetInfo.type").String(),
		URL:  res.Get("targetInfo.url").String(),
	}

	c.mu.Lock()
	if c.closeErr != nil {
		c.mu.Unlock()
		return
	}
	if _, exists := c.sessions[id]; exists {
		c.mu.Unlock()
		return
	}
	child := newSession(c, id, parent, info)
	c.sessions[id] = child
	c.mu.Unlock()

	parent.addChild(child)
	if c.opts.Registry != nil {
		c.opts.Registry.addSession(child)
	}
	c.logger.Debug("Session attached",
		zap.String("session_id", string(id)),
		zap.String("parent_id", string(parent.id)),
		zap.String("target_type", info.Type))
}

// detach tears down a session and all of its descendants.
func (c *Conn) detach(id target.SessionID, reason *TransportError) {
	if id == "" {
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	victims := s.subtree()
	for _, v := range victims {
		delete(c.sessions, v.id)
	}
	c.mu.Unlock()

	if s.parent != nil {
		s.parent.removeChild(id)
	}
	for _, v := range victims {
		v.teardown(reason)
		if c.opts.Registry != nil {
			c.opts.Registry.removeSession(v)
		}
	}
}

// shutdown is the single cancellation sweep: every pending command on every
// session fails with reason before it returns.
func (c *Conn) shutdown(reason *TransportError) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		sessions := make([]*Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = make(map[target.SessionID]*Session)
		c.mu.Unlock()

		if c.ws != nil {
			_ = c.ws.Close()
		}
		for _, s := range sessions {
			s.teardown(reason)
		}
		if c.opts.Registry != nil {
			c.opts.Registry.removeConn(c, sessions)
		}
		close(c.done)
		c.logger.Debug("Connection closed", zap.Error(reason), zap.Int("sessions", len(sessions)))
	})
}

func (c *Conn) write(cmd *command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if c.opts.Trace {
		c.logger.Debug("-> send", zap.ByteString("frame", truncate(data)))
	}

	c.writeMu.Lock()
	if err := c.Err(); err != nil {
		c.writeMu.Unlock()
		return err
	}
	if c.opts.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		reason := &TransportError{Reason: "write failed", Err: err}
		c.shutdown(reason)
		return reason
	}
	return nil
}

func truncate(b []byte) []byte {
	if len(b) <= maxTraceBytes {
		return b
	}
	return b[:maxTraceBytes]
}
