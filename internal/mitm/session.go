package mitm

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/network"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-puppet/internal/emulation"
)

// BlockHandler may take over the response of a blocked request by setting
// ctx.Response and returning true. Returning false keeps the default
// empty response.
type BlockHandler func(ctx *RequestContext) bool

// SessionOptions is the per-session policy the pipeline consults.
type SessionOptions struct {
	BlockedResourceTypes []network.ResourceType
	// ShouldBlockRequest is consulted for every request with its URL.
	ShouldBlockRequest func(url string) bool
	BlockHandler       BlockHandler
	Delegate           *emulation.Delegate
	// RequestsPerSecond throttles forwarding. Zero disables it.
	RequestsPerSecond float64
}

// RequestSession is the proxy's view of one automation session.
type RequestSession struct {
	ID string

	opts    SessionOptions
	limiter *rate.Limiter
	closing atomic.Bool
}

// NewRequestSession creates the policy holder for session id.
func NewRequestSession(id string, opts SessionOptions) *RequestSession {
	s := &RequestSession{ID: id, opts: opts}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return s
}

// Close marks the session as closing. Its traffic is then handled like
// traffic without a session.
func (s *RequestSession) Close() { s.closing.Store(true) }

// IsClosing reports whether Close was called.
func (s *RequestSession) IsClosing() bool { return s.closing.Load() }

// Delegate returns the emulation delegate, or nil.
func (s *RequestSession) Delegate() *emulation.Delegate { return s.opts.Delegate }

func (s *RequestSession) blocksType(t network.ResourceType) bool {
	return t != "" && slices.Contains(s.opts.BlockedResourceTypes, t)
}

func (s *RequestSession) blocksURL(u string) bool {
	return s.opts.ShouldBlockRequest != nil && s.opts.ShouldBlockRequest(u)
}

// BlockURLs returns a ShouldBlockRequest predicate matching any of the
// glob patterns, where * matches any run of characters.
func BlockURLs(patterns ...string) func(string) bool {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		parts := strings.Split(p, "*")
		for i := range parts {
			parts[i] = regexp.QuoteMeta(parts[i])
		}
		res = append(res, regexp.MustCompile("^"+strings.Join(parts, ".*")+"$"))
	}
	return func(u string) bool {
		for _, re := range res {
			if re.MatchString(u) {
				return true
			}
		}
		return false
	}
}

// Sessions maps session ids to their policies. It is safe for concurrent use.
type Sessions struct {
	mu sync.RWMutex
	m  map[string]*RequestSession
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*RequestSession)}
}

// Register adds s, replacing any session with the same id.
func (ss *Sessions) Register(s *RequestSession) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.m[s.ID] = s
}

// Remove closes and forgets session id.
func (ss *Sessions) Remove(id string) {
	ss.mu.Lock()
	s, ok := ss.m[id]
	delete(ss.m, id)
	ss.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Get looks up a session by id.
func (ss *Sessions) Get(id string) (*RequestSession, bool) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	s, ok := ss.m[id]
	return s, ok
}

// SessionIDFromRequest reads the session id carried as the user name of
// basic Proxy-Authorization credentials.
func SessionIDFromRequest(r *http.Request) (string, bool) {
	auth := r.Header.Get("Proxy-Authorization")
	scheme, encoded, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", false
	}
	user, _, _ := strings.Cut(string(raw), ":")
	if user == "" {
		return "", false
	}
	return user, true
}
