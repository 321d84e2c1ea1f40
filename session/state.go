package session

import (
	"errors"
	"fmt"
	"time"
)

// State is a session's lifecycle stage. Sessions only move forward:
// Connecting → LoggedIn → Receiving → Closed.
type State int32

const (
	Connecting State = iota // Dialing the server
	LoggedIn                // Login batch sent, no ack awaited
	Receiving               // Consuming pushed batches
	Closed                  // Terminal; the connection has been released
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case LoggedIn:
		return "LoggedIn"
	case Receiving:
		return "Receiving"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// StateEvent describes one lifecycle transition.
type StateEvent struct {
	Index     int       // Position of the session within its harness
	UID       int64     // Identity the session logs in with
	State     State     // The state just entered
	Timestamp time.Time // When the transition happened
	Error     error     // Set when entering Closed because of a failure
}

// StateHandler observes transitions. It is called synchronously from the
// session goroutine, so it must be fast and safe for concurrent use when
// shared by several sessions.
type StateHandler func(event StateEvent)

// Kind classifies why a session ended.
type Kind string

const (
	KindConnect           Kind = "connect"
	KindLogin             Kind = "login"
	KindConnectionClosed  Kind = "connection_closed"
	KindMalformedPayload  Kind = "malformed_payload"
	KindProtocolViolation Kind = "protocol_violation"
	KindTimeout           Kind = "timeout"
	KindTransport         Kind = "transport"
	KindCancelled         Kind = "cancelled"
)

// Error is the failure that ended a session.
type Error struct {
	Kind  Kind
	Index int
	UID   int64
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %d (uid %d): %s: %v", e.Index, e.UID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the failure happened before the session reached the
// receive loop. Such failures abort the whole run.
func (e *Error) Fatal() bool {
	return e.Kind == KindConnect || e.Kind == KindLogin
}

// IsFatal reports whether err carries a fatal session Error.
func IsFatal(err error) bool {
	var sessErr *Error
	return errors.As(err, &sessErr) && sessErr.Fatal()
}
