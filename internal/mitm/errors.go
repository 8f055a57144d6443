package mitm

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminal is returned when something tries to move a request that
	// already reached a terminal state.
	ErrTerminal = errors.New("mitm: request already reached a terminal state")
	// ErrSessionUnresolved rejects traffic no session could be found for.
	ErrSessionUnresolved = errors.New("mitm: request does not belong to an open session")
)

// InterceptionError is a stage failure. The request is failed back to the
// browser and the proxy keeps serving other requests.
type InterceptionError struct {
	RequestID string
	SessionID string
	Stage     ResourceState
	Err       error
}

func (e *InterceptionError) Error() string {
	return fmt.Sprintf("mitm: stage %s failed for request %s: %v", e.Stage, e.RequestID, e.Err)
}

func (e *InterceptionError) Unwrap() error { return e.Err }
