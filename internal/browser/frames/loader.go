package frames

import (
	"maps"
	"time"

	"github.com/chromedp/cdproto/cdp"
)

// Milestone names a lifecycle checkpoint reported by Page.lifecycleEvent.
type Milestone string

// The milestones waited on most often. The engine reports others
// (firstPaint, networkIdle, ...) and they are recorded the same way.
const (
	Init             Milestone = "init"
	DOMContentLoaded Milestone = "DOMContentLoaded"
	Load             Milestone = "load"
)

// maxLoadersPerFrame bounds how many finished loaders a frame remembers for
// pinned waits.
const maxLoadersPerFrame = 8

// maxRetiredLoaders bounds how many loaders dropped from that history still
// answer pinned waits.
const maxRetiredLoaders = 64

// loader is one navigation attempt. It is mutated only under Manager.mu.
type loader struct {
	id           cdp.LoaderID
	frameID      cdp.FrameID
	url          string
	complete     bool
	lifecycle    map[Milestone]time.Time
	supersededBy cdp.LoaderID
}

func newLoader(frameID cdp.FrameID, id cdp.LoaderID, url string) *loader {
	return &loader{
		id:        id,
		frameID:   frameID,
		url:       url,
		lifecycle: make(map[Milestone]time.Time),
	}
}

func (l *loader) snapshot() Loader {
	return Loader{
		ID:           l.id,
		FrameID:      l.frameID,
		URL:          l.url,
		Complete:     l.complete,
		Lifecycle:    maps.Clone(l.lifecycle),
		SupersededBy: l.supersededBy,
	}
}

func (l *loader) supersededErr() error {
	return &NavigationSupersededError{FrameID: l.frameID, LoaderID: l.id, SupersededBy: l.supersededBy}
}

// Loader is a point-in-time copy of a navigation loader.
type Loader struct {
	ID           cdp.LoaderID
	FrameID      cdp.FrameID
	URL          string
	Complete     bool
	Lifecycle    map[Milestone]time.Time
	SupersededBy cdp.LoaderID
}

// Reached reports whether the milestone has been recorded.
func (l Loader) Reached(m Milestone) bool {
	_, ok := l.Lifecycle[m]
	return ok
}
