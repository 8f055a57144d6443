package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

type loaded struct{ FrameID string }

func (loaded) Tag() events.Tag { return "test.loaded" }

type detached struct{ FrameID string }

func (detached) Tag() events.Tag { return "test.detached" }

func newRegistry(t *testing.T) *events.Registry {
	r := events.NewRegistry(zaptest.NewLogger(t), nil, "S1")
	t.Cleanup(r.Close)
	return r
}

func TestEmit_RegistrationOrderAndTypedDispatch(t *testing.T) {
	r := newRegistry(t)

	var seen []string
	events.On(r, func(ev loaded) { seen = append(seen, "first:"+ev.FrameID) })
	events.On(r, func(ev detached) { seen = append(seen, "detached:"+ev.FrameID) })
	events.On(r, func(ev loaded) { seen = append(seen, "second:"+ev.FrameID) })
	r.OnAll(func(ev events.Event) { seen = append(seen, "all:"+string(ev.Tag())) })

	r.Emit(loaded{FrameID: "F1"})
	r.Emit(detached{FrameID: "F2"})

	assert.Equal(t, []string{
		"first:F1", "second:F1", "all:test.loaded",
		"detached:F2", "all:test.detached",
	}, seen)
}

func TestOff_StopsDelivery(t *testing.T) {
	r := newRegistry(t)

	calls := 0
	off := events.On(r, func(loaded) { calls++ })
	r.Emit(loaded{})
	off()
	off()
	r.Emit(loaded{})

	assert.Equal(t, 1, calls)
}

func TestEmit_PanickingHandlerIsReportedAndDeliveryContinues(t *testing.T) {
	reporter := observability.NewReporter(zap.NewNop())
	r := events.NewRegistry(zap.NewNop(), reporter, "S7")
	defer r.Close()

	reached := false
	events.On(r, func(loaded) { panic("boom") })
	events.On(r, func(loaded) { reached = true })

	require.NotPanics(t, func() { r.Emit(loaded{}) })
	assert.True(t, reached)
	assert.Equal(t, 1, reporter.Count("S7"))
}

func TestSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t)
	r := newRegistry(t)

	ch, unsubscribe := r.Subscribe(4, loaded{}.Tag())
	r.Emit(detached{FrameID: "ignored"})
	r.Emit(loaded{FrameID: "F1"})

	select {
	case ev := <-ch:
		assert.Equal(t, loaded{FrameID: "F1"}, ev)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	unsubscribe()
	unsubscribe()
	_, ok := <-ch
	assert.False(t, ok, "channel must be closed after unsubscribe")
	r.Emit(loaded{})
}

func TestSubscribe_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	r := newRegistry(t)
	ch, unsubscribe := r.Subscribe(1)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		r.Emit(loaded{FrameID: "1"})
		r.Emit(loaded{FrameID: "2"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a lagging subscriber")
	}
	assert.Equal(t, loaded{FrameID: "1"}, <-ch)
}

func TestClose(t *testing.T) {
	r := events.NewRegistry(nil, nil, "")
	ch, _ := r.Subscribe(1)
	calls := 0
	events.On(r, func(loaded) { calls++ })

	r.Close()
	r.Close()
	r.Emit(loaded{})

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, calls)
	late, _ := r.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok)
}

func TestWaitFor(t *testing.T) {
	t.Run("matching event", func(t *testing.T) {
		r := newRegistry(t)
		type result struct {
			ev  loaded
			err error
		}
		res := make(chan result, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			ev, err := events.WaitFor(ctx, r, func(ev loaded) bool { return ev.FrameID == "F2" })
			res <- result{ev, err}
		}()

		// Keep emitting until the waiter has registered and returned.
		for {
			r.Emit(loaded{FrameID: "F1"})
			r.Emit(loaded{FrameID: "F2"})
			select {
			case out := <-res:
				require.NoError(t, out.err)
				assert.Equal(t, "F2", out.ev.FrameID)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	})

	t.Run("timeout", func(t *testing.T) {
		r := newRegistry(t)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := events.WaitFor[loaded](ctx, r, nil)
		assert.True(t, devtools.IsTimeout(err))
	})

	t.Run("registry closed", func(t *testing.T) {
		r := newRegistry(t)
		go func() {
			time.Sleep(10 * time.Millisecond)
			r.Close()
		}()
		_, err := events.WaitFor[loaded](context.Background(), r, nil)
		assert.ErrorIs(t, err, events.ErrClosed)
	})
}
