package presence

import "errors"

// Connect failures, reported by Manager.Connect.
var (
	ErrConnectTimeout  = errors.New("connect timed out")
	ErrConnectionLost  = errors.New("connection lost before connected")
	ErrUnauthenticated = errors.New("no valid credentials")
)

// Publish failures.
var (
	ErrTransportRejected = errors.New("transport rejected publish")
	ErrNotConnected      = errors.New("not connected")
)

// ErrUnrecognized is returned by Decode for payloads that carry no presence
// event. It is never surfaced past the session's inbound loop.
var ErrUnrecognized = errors.New("unrecognized presence payload")

// Session failures.
var (
	ErrAlreadyJoined   = errors.New("session already joined")
	ErrConnectFailed   = errors.New("connect failed")
	ErrNotJoined       = errors.New("session not joined")
	ErrSessionClosed   = errors.New("session closed")
	ErrInvalidUsername = errors.New("username must not be empty")
	ErrChallengeFailed = errors.New("challenge failed")
)

// IsIgnorable reports whether a decode error only means the payload was not
// a presence event.
func IsIgnorable(err error) bool {
	return errors.Is(err, ErrUnrecognized)
}
