package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
	"github.com/xkilldash9x/scalpel-puppet/internal/observability"
)

const (
	defaultBatchSize     = 256
	defaultFlushInterval = time.Second
	defaultBuffer        = 4096
)

// ErrClosed is returned by Close on a closed Recorder.
var ErrClosed = errors.New("recorder: closed")

// Sink stores batches of records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Options tunes a Recorder.
type Options struct {
	Logger        *zap.Logger
	Reporter      *observability.Reporter
	BatchSize     int
	FlushInterval time.Duration
	// Buffer is the number of records held while the sink is busy. Records
	// beyond it are dropped and counted.
	Buffer int
}

// Recorder batches records on a background goroutine and hands them to a
// Sink. Recording never blocks the emitter.
type Recorder struct {
	sink     Sink
	logger   *zap.Logger
	reporter *observability.Reporter
	opts     Options

	in      chan Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	written atomic.Int64
}

// New starts a recorder writing to sink.
func New(sink Sink, opts Options) *Recorder {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	r := &Recorder{
		sink:     sink,
		logger:   opts.Logger.Named("recorder"),
		reporter: opts.Reporter,
		opts:     opts,
		in:       make(chan Record, opts.Buffer),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

// Attach records every event published on reg under the given tab and
// session ids. The returned func detaches.
func (r *Recorder) Attach(reg *events.Registry, tabID, sessionID string) (off func()) {
	return reg.OnAll(func(ev events.Event) {
		r.Record(tabID, sessionID, ev)
	})
}

// AttachFunc is Attach for streams that carry their own session id, such
// as the proxy's, which serves every context.
func (r *Recorder) AttachFunc(reg *events.Registry, ids func(events.Event) (tabID, sessionID string)) (off func()) {
	return reg.OnAll(func(ev events.Event) {
		tabID, sessionID := ids(ev)
		r.Record(tabID, sessionID, ev)
	})
}

// Record queues ev. It drops the record when the buffer is full or the
// recorder is closed.
func (r *Recorder) Record(tabID, sessionID string, ev events.Event) {
	rec, err := NewRecord(tabID, sessionID, ev)
	if err != nil {
		r.reporter.Report(sessionID, "recorder.encode", err)
		return
	}
	r.Enqueue(rec)
}

// Enqueue queues a prepared record.
func (r *Recorder) Enqueue(rec Record) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.in <- rec:
	default:
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.logger.Warn("Record buffer full, dropping records.", zap.Int64("dropped", n))
		}
	}
}

// Stats reports the number of records written and dropped so far.
func (r *Recorder) Stats() (written, dropped int64) {
	return r.written.Load(), r.dropped.Load()
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.write(batch); err != nil {
			r.reporter.Report("", "recorder.write", err)
		}
		batch = make([]Record, 0, r.opts.BatchSize)
	}

	for {
		select {
		case rec, ok := <-r.in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) write(batch []Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.sink.Write(ctx, batch); err != nil {
		return fmt.Errorf("writing %d records: %w", len(batch), err)
	}
	r.written.Add(int64(len(batch)))
	return nil
}

// Close flushes the queued records and closes the sink. It gives up
// waiting for the flush when ctx is done.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	close(r.in)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("flushing records: %w", ctx.Err())
	}
	written, dropped := r.Stats()
	r.logger.Info("Recorder closed.", zap.Int64("written", written), zap.Int64("dropped", dropped))
	return r.sink.Close()
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func (m *MemorySink) Write(_ context.Context, records []Record) error {
	m.mu.Lock()
	m.records = append(m.records, records...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of everything written so far.
func (m *MemorySink) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...)
}

// nopSink discards everything.
type nopSink struct{}

func (nopSink) Write(context.Context, []Record) error { return nil }
func (nopSink) Close() error                          { return nil }
