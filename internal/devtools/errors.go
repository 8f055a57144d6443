package devtools

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisconnected is matched by every TransportError.
var ErrDisconnected = errors.New("devtools: disconnected")

// TransportError reports that the connection to the browser engine is gone.
// It is fatal to every session on that connection.
type TransportError struct {
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("devtools transport: %s: %v", e.Reason, e.Err)
	}
	return "devtools transport: " + e.Reason
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDisconnected}
	}
	return []error{ErrDisconnected, e.Err}
}

// ProtocolError is an error result returned by the engine for one command.
type ProtocolError struct {
	Method  string
	Code    int64
	Message string
	Data    string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("devtools: %s failed: %s (%d)", e.Method, e.Message, e.Code)
	if e.Data != "" {
		msg += ": " + e.Data
	}
	return msg
}

// TimeoutError reports that a wait exceeded its budget.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsDisconnected reports whether err was caused by a lost connection.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
