package observability

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fault is an error raised away from any caller that could receive it, such
// as inside an event listener or a proxy stage.
type Fault struct {
	SessionID string
	Source    string
	Err       error
	Time      time.Time
}

// Reporter is the top-level sink for asynchronous faults. Every fault is
// logged with its owning session id and counted per session. A nil Reporter
// logs nothing and is safe to use.
type Reporter struct {
	logger *zap.Logger

	mu     sync.Mutex
	counts map[string]int
	hooks  []func(Fault)
}

// NewReporter creates a Reporter that logs through logger.
func NewReporter(logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		logger: logger.Named("fault_reporter"),
		counts: make(map[string]int),
	}
}

// OnFault registers fn to be called for every reported fault.
func (r *Reporter) OnFault(fn func(Fault)) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Report records err against sessionID. A nil err is ignored.
func (r *Reporter) Report(sessionID, source string, err error) {
	if r == nil || err == nil {
		return
	}
	f := Fault{SessionID: sessionID, Source: source, Err: err, Time: time.Now()}

	r.mu.Lock()
	r.counts[sessionID]++
	hooks := append([]func(Fault){}, r.hooks...)
	r.mu.Unlock()

	r.logger.Error("Unhandled asynchronous fault",
		zap.String("session_id", sessionID),
		zap.String("source", source),
		zap.Error(err),
	)
	for _, fn := range hooks {
		fn(f)
	}
}

// Recover reports a panic in progress as a fault. It must be deferred
// directly: defer reporter.Recover(sessionID, "listener").
func (r *Reporter) Recover(sessionID, source string) {
	if v := recover(); v != nil {
		err := fmt.Errorf("panic: %v\n%s", v, debug.Stack())
		if r == nil {
			return
		}
		r.Report(sessionID, source, err)
	}
}

// Count returns how many faults were reported for sessionID.
func (r *Reporter) Count(sessionID string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[sessionID]
}
