package presence

import "context"

// State is the connection state of a transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateConnectionLost
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Down reports whether the state counts as a dropped channel.
func (s State) Down() bool {
	return s == StateConnectionLost || s == StateDisconnected
}

// MessageHandler receives raw payloads delivered on a topic.
type MessageHandler func(payload []byte)

// Subscription is a live topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport is the pub/sub client a session drives. Connect starts
// connecting and may return before the connection is up; progress is
// reported through the state feed. Implementations must invoke state
// listeners and message handlers without holding locks the caller could
// re-enter.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, handler MessageHandler) (Subscription, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	// OnStateChange registers a listener and returns a func that removes it.
	OnStateChange(listener func(State)) (cancel func())
	Close() error
}
