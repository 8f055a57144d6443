package frames

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
)

// NavigationSupersededError is returned to waiters on a loader that was
// replaced by a newer navigation in the same frame before it finished.
type NavigationSupersededError struct {
	FrameID      cdp.FrameID
	LoaderID     cdp.LoaderID
	SupersededBy cdp.LoaderID
}

func (e *NavigationSupersededError) Error() string {
	return fmt.Sprintf("navigation %s in frame %s was superseded by %s", e.LoaderID, e.FrameID, e.SupersededBy)
}

// FrameDetachedError is returned by any operation on a frame that has left
// the tree.
type FrameDetachedError struct {
	FrameID cdp.FrameID
}

func (e *FrameDetachedError) Error() string {
	return fmt.Sprintf("frame %s was detached", e.FrameID)
}

// EvaluationError carries an exception thrown by evaluated script.
type EvaluationError struct {
	FrameID cdp.FrameID
	Text    string
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("evaluation in frame %s threw: %s", e.FrameID, e.Text)
}

var (
	// ErrNotAttached is returned when a frame is known but not yet part of
	// the tree because its parent has not been seen.
	ErrNotAttached = errors.New("frames: frame is not attached")
	// ErrNoExecutionContext is returned when the requested script world has
	// not been created for a frame.
	ErrNoExecutionContext = errors.New("frames: no execution context for frame")
	// ErrUnknownFrame is returned for frame ids the manager has never seen.
	ErrUnknownFrame = errors.New("frames: unknown frame")
	// ErrManagerClosed is returned by operations after Close while the page
	// session is still live.
	ErrManagerClosed = errors.New("frames: manager closed")
)

// IsSuperseded reports whether err is a NavigationSupersededError.
func IsSuperseded(err error) bool {
	var se *NavigationSupersededError
	return errors.As(err, &se)
}

// IsDetached reports whether err is a FrameDetachedError.
func IsDetached(err error) bool {
	var de *FrameDetachedError
	return errors.As(err, &de)
}
