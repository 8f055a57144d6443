package frames

import (
	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

// Event tags published on Manager.Events.
const (
	TagFrameCreated             events.Tag = "frame-created"
	TagFrameLoaderCreated       events.Tag = "frame-loader-created"
	TagFrameNavigated           events.Tag = "frame-navigated"
	TagFrameLifecycle           events.Tag = "frame-lifecycle"
	TagFrameRequestedNavigation events.Tag = "frame-requested-navigation"
	TagFrameDetached            events.Tag = "frame-detached"
)

// FrameCreated is published when a frame joins the tree.
type FrameCreated struct {
	Frame    *Frame
	LoaderID cdp.LoaderID
}

func (FrameCreated) Tag() events.Tag { return TagFrameCreated }

// FrameLoaderCreated is published when a frame starts a new navigation.
type FrameLoaderCreated struct {
	Frame    *Frame
	LoaderID cdp.LoaderID
}

func (FrameLoaderCreated) Tag() events.Tag { return TagFrameLoaderCreated }

// FrameNavigated is published when a navigation commits, or when the URL
// changes within the current document.
type FrameNavigated struct {
	Frame               *Frame
	URL                 string
	LoaderID            cdp.LoaderID
	NavigatedInDocument bool
}

func (FrameNavigated) Tag() events.Tag { return TagFrameNavigated }

// FrameLifecycle is published for every lifecycle milestone.
type FrameLifecycle struct {
	Frame    *Frame
	Name     Milestone
	LoaderID cdp.LoaderID
}

func (FrameLifecycle) Tag() events.Tag { return TagFrameLifecycle }

// FrameRequestedNavigation is published when the page asks a frame to
// navigate, before any loader exists.
type FrameRequestedNavigation struct {
	Frame       *Frame
	URL         string
	Reason      string
	Disposition string
}

func (FrameRequestedNavigation) Tag() events.Tag { return TagFrameRequestedNavigation }

// FrameDetached is published once per frame leaving the tree.
type FrameDetached struct {
	FrameID cdp.FrameID
}

func (FrameDetached) Tag() events.Tag { return TagFrameDetached }
