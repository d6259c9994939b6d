package presence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic is the single channel every session publishes and subscribes on.
const Topic = "trivia"

// LoginPrefix starts the human readable login line, and is the whole of the
// legacy free-text login form.
const LoginPrefix = "Ha ingresado "

// Kind discriminates presence events on the wire.
type Kind string

const (
	KindLogin     Kind = "login"
	KindLogout    Kind = "logout"
	KindHeartbeat Kind = "heartbeat"
)

func (k Kind) valid() bool {
	switch k {
	case KindLogin, KindLogout, KindHeartbeat:
		return true
	}
	return false
}

// Event is a single login, logout or heartbeat record for one identity.
type Event struct {
	Kind      Kind
	Username  string
	Timestamp time.Time
	// Legacy is set when the event was decoded from the free-text form.
	Legacy bool
}

// NewEvent builds an event stamped with the given time.
func NewEvent(kind Kind, username string, at time.Time) Event {
	return Event{Kind: kind, Username: username, Timestamp: at.UTC()}
}

// envelope is the structured wire form. Unknown fields are ignored by
// encoding/json, which keeps older decoders working against newer peers.
type envelope struct {
	Kind      Kind   `json:"kind,omitempty"`
	Username  string `json:"username,omitempty"`
	Msg       string `json:"msg,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Encode serializes an event into the structured envelope.
func Encode(ev Event) ([]byte, error) {
	if !ev.Kind.valid() {
		return nil, fmt.Errorf("encode event: unknown kind %q", ev.Kind)
	}
	if ev.Username == "" {
		return nil, fmt.Errorf("encode event: %w", ErrInvalidUsername)
	}

	env := envelope{
		Kind:     ev.Kind,
		Username: ev.Username,
	}
	if ev.Kind == KindLogin {
		env.Msg = LoginPrefix + ev.Username
	}
	if !ev.Timestamp.IsZero() {
		env.Timestamp = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return data, nil
}

// Decode turns a payload into an Event. It accepts the structured envelope,
// a JSON object whose msg/message starts with LoginPrefix, a bare JSON
// string, or raw text. Anything else yields ErrUnrecognized.
func Decode(data []byte) (Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Event{}, ErrUnrecognized
	}

	switch trimmed[0] {
	case '{':
		var env envelope
		if err := json.Unmarshal(trimmed, &env); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
		}
		return decodeEnvelope(env)
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
		}
		return decodeText(text)
	default:
		return decodeText(string(trimmed))
	}
}

func decodeEnvelope(env envelope) (Event, error) {
	if env.Kind != "" {
		if !env.Kind.valid() || env.Username == "" {
			return Event{}, fmt.Errorf("%w: kind %q username %q", ErrUnrecognized, env.Kind, env.Username)
		}
		ev := Event{Kind: env.Kind, Username: env.Username}
		if env.Timestamp != "" {
			// advisory only
			if ts, err := time.Parse(time.RFC3339Nano, env.Timestamp); err == nil {
				ev.Timestamp = ts
			}
		}
		return ev, nil
	}

	text := env.Msg
	if text == "" {
		text = env.Message
	}
	return decodeText(text)
}

func decodeText(text string) (Event, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, LoginPrefix) {
		return Event{}, ErrUnrecognized
	}
	username := strings.TrimSpace(strings.TrimPrefix(text, LoginPrefix))
	if username == "" {
		return Event{}, ErrUnrecognized
	}
	return Event{Kind: KindLogin, Username: username, Legacy: true}, nil
}
