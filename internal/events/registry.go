// Package events is a typed publish/subscribe registry. Every event kind is
// a distinct Go type carrying its own Tag, so a subscriber knows the payload
// shape at compile time:
//
//	events.On(reg, func(ev frames.LifecycleEvent) { ... })
//
// Emit is synchronous: handlers run on the emitting goroutine, one after
// another, in registration order.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

// Tag names an event kind.
type Tag string

// Event is implemented by every payload type. Tag must not depend on the
// receiver's field values.
type Event interface {
	Tag() Tag
}

type handler struct {
	id uint64
	fn func(Event)
}

type subscription struct {
	ch   chan Event
	tags map[Tag]struct{}
}

// Registry fans events out to handlers and channel subscribers.
type Registry struct {
	logger   *zap.Logger
	reporter *observability.Reporter
	scope    string

	mu       sync.RWMutex
	handlers map[Tag][]handler
	wildcard []handler
	subs     map[*subscription]struct{}
	nextID   uint64
	closed   bool
	done     chan struct{}
}

// NewRegistry returns an empty registry. scope is reported with handler
// faults, usually the owning session id.
func NewRegistry(logger *zap.Logger, reporter *observability.Reporter, scope string) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger.Named("events"),
		reporter: reporter,
		scope:    scope,
		handlers: make(map[Tag][]handler),
		subs:     make(map[*subscription]struct{}),
		done:     make(chan struct{}),
	}
}

// On registers fn for tag.
func (r *Registry) On(tag Tag, fn func(Event)) (off func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.handlers[tag] = append(r.handlers[tag], handler{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.handlers[tag] = remove(r.handlers[tag], id)
		if len(r.handlers[tag]) == 0 {
			delete(r.handlers, tag)
		}
	}
}

// OnAll registers fn for every event. Wildcard handlers run after the
// tag-specific ones.
func (r *Registry) OnAll(fn func(Event)) (off func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.wildcard = append(r.wildcard, handler{id: id, fn: fn})
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.wildcard = remove(r.wildcard, id)
	}
}

// On registers a handler for the event type E.
func On[E Event](r *Registry, fn func(E)) (off func()) {
	var zero E
	return r.On(zero.Tag(), func(ev Event) {
		if typed, ok := ev.(E); ok {
			fn(typed)
		}
	})
}

// Emit delivers ev to every handler registered for its tag, then to the
// wildcard handlers and channel subscribers. Emitting on a closed registry
// is a no-op.
func (r *Registry) Emit(ev Event) {
	tag := ev.Tag()

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return
	}
	hs := make([]handler, 0, len(r.handlers[tag])+len(r.wildcard))
	hs = append(hs, r.handlers[tag]...)
	hs = append(hs, r.wildcard...)
	r.mu.RUnlock()

	for _, h := range hs {
		r.invoke(h.fn, ev)
	}

	// Channel sends happen under the read lock so Unsubscribe and Close,
	// which close channels, cannot race with them.
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	for sub := range r.subs {
		if _, ok := sub.tags[tag]; !ok && len(sub.tags) > 0 {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			r.logger.Warn("Subscriber buffer full, dropping event",
				zap.String("scope", r.scope), zap.String("tag", string(tag)))
		}
	}
}

func (r *Registry) invoke(fn func(Event), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("handler for %s panicked: %v", ev.Tag(), rec)
			if r.reporter != nil {
				r.reporter.Report(r.scope, "events", err)
				return
			}
			r.logger.Error("Event handler panicked", zap.String("scope", r.scope), zap.Error(err))
		}
	}()
	fn(ev)
}

// Subscribe returns a buffered channel receiving events with the given tags,
// or every event when no tags are named. A subscriber that falls more than
// buffer events behind loses events rather than stalling the emitter. The
// returned function unsubscribes and closes the channel.
func (r *Registry) Subscribe(buffer int, tags ...Tag) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{ch: make(chan Event, buffer), tags: make(map[Tag]struct{}, len(tags))}
	for _, t := range tags {
		sub.tags[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	r.subs[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if _, ok := r.subs[sub]; ok {
				delete(r.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Close drops every handler and closes every subscriber channel.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
	r.handlers = make(map[Tag][]handler)
	r.wildcard = nil
	for sub := range r.subs {
		close(sub.ch)
	}
	r.subs = make(map[*subscription]struct{})
}

// ErrClosed is returned by WaitFor when the registry closes first.
var ErrClosed = errors.New("events: registry closed")

// WaitFor blocks until an event of type E satisfying match (nil matches
// anything) is emitted. A context deadline yields a *devtools.TimeoutError.
func WaitFor[E Event](ctx context.Context, r *Registry, match func(E) bool) (E, error) {
	var zero E
	var budget time.Duration
	if dl, ok := ctx.Deadline(); ok {
		budget = time.Until(dl)
	}

	got := make(chan E, 1)
	off := On(r, func(ev E) {
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
	case <-r.done:
		select {
		case ev := <-got:
			return ev, nil
		default:
		}
		return zero, ErrClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &devtools.TimeoutError{Op: "wait for " + string(zero.Tag()), Timeout: budget}
		}
		return zero, ctx.Err()
	}
}

// Done is closed when the registry is closed.
func (r *Registry) Done() <-chan struct{} { return r.done }

func remove(hs []handler, id uint64) []handler {
	for i, h := range hs {
		if h.id == id {
			return append(hs[:i:i], hs[i+1:]...)
		}
	}
	return hs
}
