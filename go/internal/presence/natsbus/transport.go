package natsbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia/go/internal/presence"
)

// Config holds configuration for the NATS transport
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	FlushTimeout  time.Duration // bounds the publish ack when ctx has no deadline
	Credentials   presence.CredentialProvider
}

// DefaultConfig returns default NATS transport configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "trivia-lobby",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
		FlushTimeout:  5 * time.Second,
	}
}

var _ presence.Transport = (*Transport)(nil)

// Transport adapts a NATS core connection to the presence transport
// contract. Connection status handlers are mapped onto presence states.
type Transport struct {
	config Config

	mu        sync.Mutex
	nc        *nats.Conn
	listeners map[int]func(presence.State)
	nextID    int
}

// New creates an unconnected transport
func New(config Config) *Transport {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = defaults.ReconnectWait
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	return &Transport{
		config:    config,
		listeners: make(map[int]func(presence.State)),
	}
}

// Connect dials NATS. The initial dial is retried in the background, so
// Connect returns once the client exists and reports progress through the
// state feed.
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.nc != nil && !t.nc.IsClosed() {
		nc := t.nc
		t.mu.Unlock()
		t.emit(stateOf(nc.Status()))
		return nil
	}
	t.mu.Unlock()

	opts, err := t.options(ctx)
	if err != nil {
		return err
	}

	t.emit(presence.StateConnecting)

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		t.emit(presence.StateDisconnected)
		return fmt.Errorf("connect to NATS: %w", err)
	}

	t.mu.Lock()
	t.nc = nc
	t.mu.Unlock()

	if nc.IsConnected() {
		t.emit(presence.StateConnected)
	}
	return nil
}

func (t *Transport) options(ctx context.Context) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.MaxReconnects(t.config.MaxReconnects),
		nats.ReconnectWait(t.config.ReconnectWait),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")
			t.emit(presence.StateConnected)
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
			t.emit(presence.StateConnectionLost)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
			t.emit(presence.StateConnected)
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			log.Info().Msg("NATS connection closed")
			t.emit(presence.StateDisconnected)
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	if provider := t.config.Credentials; provider != nil {
		creds, ok := provider.CurrentCredentials(ctx)
		if !ok {
			return nil, presence.ErrUnauthenticated
		}
		if creds.Token != "" {
			// re-read on every (re)connect so refreshed tokens apply
			opts = append(opts, nats.TokenHandler(func() string {
				current, ok := provider.CurrentCredentials(context.Background())
				if !ok {
					return ""
				}
				return current.Token
			}))
		}
	}

	return opts, nil
}

func (t *Transport) Subscribe(topic string, handler presence.MessageHandler) (presence.Subscription, error) {
	nc := t.conn()
	if nc == nil || nc.IsClosed() {
		return nil, presence.ErrNotConnected
	}
	sub, err := nc.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

// Publish sends payload and, when connected, waits for the server to
// acknowledge the flush. While reconnecting, NATS buffers the message.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	nc := t.conn()
	if nc == nil || nc.IsClosed() {
		return presence.ErrNotConnected
	}
	if err := nc.Publish(topic, payload); err != nil {
		return fmt.Errorf("%w: %w", presence.ErrTransportRejected, err)
	}
	if !nc.IsConnected() {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.config.FlushTimeout)
		defer cancel()
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("%w: flush: %w", presence.ErrTransportRejected, err)
	}
	return nil
}

func (t *Transport) OnStateChange(listener func(presence.State)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = listener
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Close closes the NATS connection. The closed handler reports
// Disconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	nc := t.nc
	t.mu.Unlock()

	if nc == nil {
		t.emit(presence.StateDisconnected)
		return nil
	}
	nc.Close()
	return nil
}

// Conn exposes the underlying connection, nil before Connect.
func (t *Transport) Conn() *nats.Conn {
	return t.conn()
}

func (t *Transport) conn() *nats.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nc
}

func (t *Transport) emit(s presence.State) {
	t.mu.Lock()
	listeners := make([]func(presence.State), 0, len(t.listeners))
	for _, fn := range t.listeners {
		listeners = append(listeners, fn)
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// stateOf maps a NATS connection status onto a presence state.
func stateOf(status nats.Status) presence.State {
	switch status {
	case nats.CONNECTED, nats.DRAINING_SUBS, nats.DRAINING_PUBS:
		return presence.StateConnected
	case nats.CONNECTING:
		return presence.StateConnecting
	case nats.RECONNECTING, nats.DISCONNECTED:
		return presence.StateConnectionLost
	default:
		return presence.StateDisconnected
	}
}
