package devtools

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// Registry is the process-scoped index of live connections and attached
// sessions. Create one at engine launch, pass it to every Conn through
// Options.Registry and to anything that needs a session lookup, and Close it
// at shutdown. Each Conn only ever writes its own entries.
type Registry struct {
	mu       sync.RWMutex
	conns    map[*Conn]struct{}
	sessions map[target.SessionID]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[*Conn]struct{}),
		sessions: make(map[target.SessionID]*Session),
	}
}

// Session finds an attached session by id on any registered connection.
func (r *Registry) Session(id target.SessionID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SessionsForTarget returns the live sessions attached to targetID.
func (r *Registry) SessionsForTarget(targetID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.TargetID() == targetID {
			out = append(out, s)
		}
	}
	return out
}

// Len returns the number of live connections and attached sessions.
func (r *Registry) Len() (conns, sessions int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.sessions)
}

// Close closes every registered connection.
func (r *Registry) Close() error {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (r *Registry) addConn(c *Conn) {
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) removeConn(c *Conn, sessions []*Session) {
	r.mu.Lock()
	delete(r.conns, c)
	for _, s := range sessions {
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) addSession(s *Session) {
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
}

func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
}
