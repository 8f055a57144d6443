package devtools

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json/jsontext"
	"go.uber.org/zap"
)

// Event is one unsolicited protocol event. Value holds the typed cdproto
// payload for Method (for example *page.EventLifecycleEvent) and is nil when
// the method is unknown to cdproto or the params failed to decode.
type Event struct {
	SessionID target.SessionID
	Method    cdproto.MethodType
	Params    jsontext.Value
	Value     any
}

// Handler receives events. Handlers for one session run one at a time, in
// registration order, on that session's delivery goroutine, so a handler may
// call Send without deadlocking the read pump.
type Handler func(*Event)

// Subscriber is anything events can be subscribed on.
type Subscriber interface {
	On(method cdproto.MethodType, h Handler) (off func())
}

// On registers h for method and returns a function that removes it.
func (s *Session) On(method cdproto.MethodType, h Handler) (off func()) {
	s.mu.Lock()
	s.nextLID++
	id := s.nextLID
	s.listeners[method] = append(s.listeners[method], listener{id: id, fn: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ls := s.listeners[method]
		for i, l := range ls {
			if l.id == id {
				s.listeners[method] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// OnAll registers h for every event on the session.
func (s *Session) OnAll(h Handler) (off func()) {
	s.mu.Lock()
	s.nextLID++
	id := s.nextLID
	s.wildcard = append(s.wildcard, listener{id: id, fn: h})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.wildcard {
			if l.id == id {
				s.wildcard = append(s.wildcard[:i:i], s.wildcard[i+1:]...)
				return
			}
		}
	}
}

// Listen subscribes fn to method with the payload type fixed at compile time:
//
//	devtools.Listen(s, cdproto.EventPageLifecycleEvent, func(ev *page.EventLifecycleEvent) {...})
//
// Events whose payload is not an *E are skipped.
func Listen[E any](sub Subscriber, method cdproto.MethodType, fn func(*E)) (off func()) {
	return sub.On(method, func(ev *Event) {
		if v, ok := ev.Value.(*E); ok {
			fn(v)
		}
	})
}

// WaitForEvent blocks until an event named method satisfying match (nil
// matches anything) arrives, ctx is done, or the session is torn down.
func (s *Session) WaitForEvent(ctx context.Context, method cdproto.MethodType, match func(*Event) bool) (*Event, error) {
	var budget time.Duration
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}
	got := make(chan *Event, 1)
	off := s.On(method, func(ev *Event) {
		if match != nil && !match(ev) {
			return
		}
		select {
		case got <- ev:
		default:
		}
	})
	defer off()

	select {
	case ev := <-got:
		return ev, nil
	case <-s.done:
		return nil, s.Err()
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "wait for " + string(method), Timeout: budget}
		}
		return nil, ctx.Err()
	}
}

func (s *Session) enqueue(msg *cdproto.Message) {
	s.queue.push(msg)
}

func (s *Session) deliverLoop() {
	for {
		batch, ok := s.queue.next()
		if !ok {
			return
		}
		for _, msg := range batch {
			s.deliver(msg)
		}
	}
}

func (s *Session) deliver(msg *cdproto.Message) {
	ev := &Event{SessionID: s.id, Method: msg.Method, Params: msg.Params}
	if v, err := cdproto.UnmarshalMessage(msg); err == nil {
		ev.Value = v
	}

	s.mu.Lock()
	ls := make([]listener, 0, len(s.listeners[msg.Method])+len(s.wildcard))
	ls = append(ls, s.listeners[msg.Method]...)
	ls = append(ls, s.wildcard...)
	s.mu.Unlock()

	for _, l := range ls {
		s.invoke(l.fn, ev)
	}
}

// invoke runs one listener. A panicking listener is reported against the
// session and does not stop delivery to the listeners after it.
func (s *Session) invoke(fn Handler, ev *Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("listener for %s panicked: %v", ev.Method, r)
			if s.conn.opts.Reporter != nil {
				s.conn.opts.Reporter.Report(string(s.id), "devtools_event", err)
				return
			}
			s.logger.Error("Event listener panicked", zap.Error(err))
		}
	}()
	fn(ev)
}

// eventQueue is an unbounded FIFO so the read pump never blocks on a slow
// listener.
type eventQueue struct {
	mu     sync.Mutex
	items  []*cdproto.Message
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(msg *cdproto.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// next returns everything queued so far, blocking while the queue is empty.
// It reports false once the queue is closed and drained.
func (q *eventQueue) next() ([]*cdproto.Message, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			batch := q.items
			q.items = nil
			q.mu.Unlock()
			return batch, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}
