package browser

import (
	"github.com/chromedp/cdproto/cdp"

	"github.com/xkilldash9x/scalpel-puppet/internal/events"
)

// Page and context event tags. Frame and network events are re-published
// on the page registry under their own tags.
const (
	TagPage          events.Tag = "page"
	TagLoad          events.Tag = "load"
	TagConsoleLog    events.Tag = "console-log"
	TagPageError     events.Tag = "page-error"
	TagTargetCrashed events.Tag = "target-crashed"
	TagClose         events.Tag = "close"
	TagWorker        events.Tag = "worker"
)

// PageCreated is published on the context registry once a page finished
// initializing.
type PageCreated struct {
	Page *Page `json:"page"`
}

func (PageCreated) Tag() events.Tag { return TagPage }

// Load is published when the main frame reaches its load milestone.
type Load struct {
	FrameID  cdp.FrameID  `json:"frameId"`
	LoaderID cdp.LoaderID `json:"loaderId"`
}

func (Load) Tag() events.Tag { return TagLoad }

// ConsoleLog is one console API call in the page or one of its workers.
type ConsoleLog struct {
	FrameID  cdp.FrameID `json:"frameId,omitempty"`
	Type     string      `json:"type"`
	Message  string      `json:"message"`
	Location string      `json:"location"`
}

func (ConsoleLog) Tag() events.Tag { return TagConsoleLog }

// PageError is an uncaught exception.
type PageError struct {
	FrameID cdp.FrameID `json:"frameId,omitempty"`
	Error   string      `json:"error"`
}

func (PageError) Tag() events.Tag { return TagPageError }

// TargetCrashed is published at most once per page.
type TargetCrashed struct {
	TargetID  string `json:"targetId"`
	Status    string `json:"status,omitempty"`
	ErrorCode int64  `json:"errorCode,omitempty"`
}

func (TargetCrashed) Tag() events.Tag { return TagTargetCrashed }

// PageClosed is published when the page's session is gone.
type PageClosed struct {
	TargetID string `json:"targetId"`
}

func (PageClosed) Tag() events.Tag { return TagClose }

// WorkerCreated is published when a service worker attached to the page
// finished initializing.
type WorkerCreated struct {
	Worker *Worker `json:"worker"`
}

func (WorkerCreated) Tag() events.Tag { return TagWorker }
