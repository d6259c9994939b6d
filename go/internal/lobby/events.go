package lobby

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of lobby event pushed to websocket clients
type EventType string

const (
	EventTypeUsers EventType = "users"
)

// LobbyEvent is the message pushed to a session's websocket clients
type LobbyEvent struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Users     []string  `json:"users"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUsersEvent creates a snapshot event. A nil users slice is sent as [].
func NewUsersEvent(sessionID uuid.UUID, users []string, at time.Time) *LobbyEvent {
	if users == nil {
		users = []string{}
	}
	return &LobbyEvent{
		Type:      EventTypeUsers,
		SessionID: sessionID.String(),
		Users:     users,
		Timestamp: at.UTC(),
	}
}

// JoinRequest is the body of POST /api/lobby/join
type JoinRequest struct {
	Username string `json:"username"`
}

// JoinResponse is returned after a successful join
type JoinResponse struct {
	SessionID string   `json:"session_id"`
	Username  string   `json:"username"`
	Users     []string `json:"users"`
}

// LeaveRequest is the body of POST /api/lobby/leave
type LeaveRequest struct {
	SessionID string `json:"session_id"`
}

// UsersResponse is returned by GET /api/lobby/users
type UsersResponse struct {
	SessionID string   `json:"session_id"`
	Username  string   `json:"username"`
	Users     []string `json:"users"`
}

// ChallengeRequest is the body of POST /api/lobby/challenge
type ChallengeRequest struct {
	SessionID  string `json:"session_id"`
	Challenged string `json:"challenged"`
}

// ChallengeResponse carries the remote function's raw reply
type ChallengeResponse struct {
	SessionID  string `json:"session_id"`
	Challenged string `json:"challenged"`
	Result     any    `json:"result"`
}

// ErrorResponse is the JSON body of every non-2xx API reply
type ErrorResponse struct {
	Error string `json:"error"`
}
