package devtools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// targetInfo is what the attach event told us about a session's target.
type targetInfo struct {
	ID   string
	Type string
	URL  string
}

type callResult struct {
	result jsontext.Value
	err    error
}

// pendingCall is one slot in the session's arena of in-flight commands.
// The channel is buffered so settling never blocks the read pump.
type pendingCall struct {
	method string
	ch     chan callResult
}

type listener struct {
	id uint64
	fn Handler
}

// Session is a logical channel to one target over a Conn. Command ids are
// allocated per session and replies are matched strictly by id.
type Session struct {
	id     target.SessionID
	conn   *Conn
	parent *Session
	info   targetInfo
	logger *zap.Logger

	nextID atomic.Int64

	mu        sync.Mutex
	pending   map[int64]*pendingCall
	children  map[target.SessionID]*Session
	listeners map[cdproto.MethodType][]listener
	wildcard  []listener
	nextLID   uint64
	closeErr  error

	queue *eventQueue
	done  chan struct{}
}

var _ cdp.Executor = (*Session)(nil)

func newSession(c *Conn, id target.SessionID, parent *Session, info targetInfo) *Session {
	s := &Session{
		id:        id,
		conn:      c,
		parent:    parent,
		info:      info,
		logger:    c.logger.With(zap.String("session_id", string(id))),
		pending:   make(map[int64]*pendingCall),
		children:  make(map[target.SessionID]*Session),
		listeners: make(map[cdproto.MethodType][]listener),
		queue:     newEventQueue(),
		done:      make(chan struct{}),
	}
	go s.deliverLoop()
	return s
}

// ID returns the protocol session id. The browser-level session has an empty id.
func (s *Session) ID() target.SessionID { return s.id }

// TargetID returns the id of the attached target, if the attach event named one.
func (s *Session) TargetID() string { return s.info.ID }

// TargetType returns the attached target's type, such as "page", "iframe" or "service_worker".
func (s *Session) TargetType() string { return s.info.Type }

// TargetURL returns the target's URL at attach time.
func (s *Session) TargetURL() string { return s.info.URL }

// Parent returns the session this one was attached through, or nil.
func (s *Session) Parent() *Session { return s.parent }

// Conn returns the connection the session is multiplexed over.
func (s *Session) Conn() *Conn { return s.conn }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the teardown reason, or nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// IsClosed reports whether the session has been torn down.
func (s *Session) IsClosed() bool { return s.Err() != nil }

// Children returns the live sessions attached through this one.
func (s *Session) Children() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.children))
	for _, c := range s.children {
		out = append(out, c)
	}
	return out
}

// WithExecutor binds the session to ctx so cdproto command builders run on it:
//
//	err := page.Enable().Do(s.WithExecutor(ctx))
func (s *Session) WithExecutor(ctx context.Context) context.Context {
	return cdp.WithExecutor(ctx, s)
}

// Send issues method with params and blocks until the reply with the same id
// arrives, ctx is done, or the session is torn down. params may be nil, any
// value the JSON encoder accepts, or pre-encoded jsontext.Value.
func (s *Session) Send(ctx context.Context, method string, params any) (jsontext.Value, error) {
	var raw jsontext.Value
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("devtools: encoding %s params: %w", method, err)
		}
		raw = b
	}

	if _, ok := ctx.Deadline(); !ok && s.conn.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.conn.opts.CommandTimeout)
		defer cancel()
	}
	var budget time.Duration
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}

	id := s.nextID.Add(1)
	call := &pendingCall{method: method, ch: make(chan callResult, 1)}

	s.mu.Lock()
	if s.closeErr != nil {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	s.pending[id] = call
	s.mu.Unlock()

	if err := s.conn.write(&command{ID: id, SessionID: s.id, Method: method, Params: raw}); err != nil {
		s.forget(id)
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.result, res.err
	case <-ctx.Done():
		s.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: method, Timeout: budget}
		}
		return nil, ctx.Err()
	}
}

// Execute satisfies cdp.Executor so cdproto's typed builders can run on the session.
func (s *Session) Execute(ctx context.Context, method string, params, res any) error {
	raw, err := s.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if res == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, res); err != nil {
		return fmt.Errorf("devtools: decoding %s result: %w", method, err)
	}
	return nil
}

// Close detaches the session from its target. Closing a closed session is
// a no-op; closing the browser-level session closes the Conn.
func (s *Session) Close(ctx context.Context) error {
	if s.IsClosed() {
		return nil
	}
	if s.parent == nil {
		return s.conn.Close()
	}
	if !s.parent.IsClosed() {
		err := target.DetachFromTarget().WithSessionID(s.id).Do(s.parent.WithExecutor(ctx))
		if err != nil && !IsDisconnected(err) {
			s.logger.Debug("Detach request failed", zap.Error(err))
		}
	}
	s.conn.detach(s.id, &TransportError{Reason: "session closed"})
	return nil
}

// resolve settles the pending call matching msg.ID. Late replies for calls
// that already gave up are dropped.
func (s *Session) resolve(msg *cdproto.Message) {
	s.mu.Lock()
	call, ok := s.pending[msg.ID]
	delete(s.pending, msg.ID)
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("Dropping reply with no waiter", zap.Int64("id", msg.ID))
		return
	}

	if msg.Error != nil {
		call.ch <- callResult{err: &ProtocolError{
			Method:  call.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		}}
		return
	}
	call.ch <- callResult{result: msg.Result}
}

func (s *Session) forget(id int64) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

// teardown fails every pending call with reason and stops event delivery
// once the queued events have been handed out.
func (s *Session) teardown(reason error) {
	s.mu.Lock()
	if s.closeErr != nil {
		s.mu.Unlock()
		return
	}
	s.closeErr = reason
	pending := s.pending
	s.pending = make(map[int64]*pendingCall)
	s.mu.Unlock()

	for _, call := range pending {
		call.ch <- callResult{err: reason}
	}
	close(s.done)
	s.queue.close()
}

func (s *Session) addChild(child *Session) {
	s.mu.Lock()
	s.children[child.id] = child
	s.mu.Unlock()
}

func (s *Session) removeChild(id target.SessionID) {
	s.mu.Lock()
	delete(s.children, id)
	s.mu.Unlock()
}

// subtree returns s and every descendant, parents before children.
func (s *Session) subtree() []*Session {
	out := []*Session{s}
	for i := 0; i < len(out); i++ {
		out = append(out, out[i].Children()...)
	}
	return out
}
