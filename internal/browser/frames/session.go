package frames

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-puppet/internal/devtools"
)

// AttachFrameSession adopts the session of an out-of-process iframe. The
// iframe target id is the frame id. Adopting the same session twice is a
// no-op.
func (m *Manager) AttachFrameSession(ctx context.Context, s *devtools.Session) error {
	frameID := cdp.FrameID(s.TargetID())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return m.closeErr
	}
	if _, dup := m.offs[s.ID()]; dup {
		m.mu.Unlock()
		return nil
	}
	m.offs[s.ID()] = nil
	m.frameSessions[frameID] = s
	if f, ok := m.frames[frameID]; ok {
		f.oop = true
		f.session = s
		f.notify()
	}
	m.mu.Unlock()

	offs := m.listen(s)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		for _, off := range offs {
			off()
		}
		return m.closeErr
	}
	m.offs[s.ID()] = offs
	m.mu.Unlock()

	go m.watchSession(s)
	m.logger.Debug("Adopted frame session",
		zap.String("frame_id", string(frameID)), zap.String("frame_session_id", string(s.ID())))
	return m.initSession(ctx, s)
}

// watchSession forgets a frame session once it is torn down.
func (m *Manager) watchSession(s *devtools.Session) {
	select {
	case <-s.Done():
	case <-m.done:
		return
	}

	m.mu.Lock()
	offs := m.offs[s.ID()]
	delete(m.offs, s.ID())
	for id, fs := range m.frameSessions {
		if fs != s {
			continue
		}
		delete(m.frameSessions, id)
		if f, ok := m.frames[id]; ok && f.session == s {
			f.session = nil
			m.clearContextsLocked(f)
			f.notify()
		}
	}
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
}

// SessionFor returns the session that can run commands against a frame.
// Frames living in their own process are attached lazily on first use and
// the session is kept for the rest of the frame's life. Concurrent callers
// share one attach.
func (m *Manager) SessionFor(ctx context.Context, id cdp.FrameID) (*devtools.Session, error) {
	m.mu.Lock()
	f, ok := m.frames[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownFrame, id)
	}
	if s, ok := m.frameSessions[id]; ok && !s.IsClosed() {
		m.mu.Unlock()
		return s, nil
	}
	oop := f.oop
	s := f.session
	m.mu.Unlock()

	if !oop {
		if s == nil {
			s = m.session
		}
		return s, nil
	}

	v, err, _ := m.attach.Do(string(id), func() (any, error) {
		sid, err := target.AttachToTarget(target.ID(id)).WithFlatten(true).Do(m.session.WithExecutor(ctx))
		if err != nil {
			return nil, fmt.Errorf("attaching to frame %s: %w", id, err)
		}
		child, ok := m.session.Conn().Session(sid)
		if !ok {
			return nil, fmt.Errorf("frames: session %s for frame %s is gone", sid, id)
		}
		if err := m.AttachFrameSession(ctx, child); err != nil {
			return nil, err
		}
		return child, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*devtools.Session), nil
}
