package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Publisher emits presence events for the local identity on one topic.
type Publisher struct {
	transport Transport
	topic     string
	clock     clockwork.Clock
	state     func() State
}

// NewPublisher creates a publisher. state, when non-nil, is consulted before
// each publish so a never-connected or closed channel fails fast with
// ErrNotConnected.
func NewPublisher(transport Transport, topic string, clock clockwork.Clock, state func() State) *Publisher {
	if topic == "" {
		topic = Topic
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Publisher{
		transport: transport,
		topic:     topic,
		clock:     clock,
		state:     state,
	}
}

// Topic returns the topic events are published on.
func (p *Publisher) Topic() string {
	return p.topic
}

func (p *Publisher) PublishLogin(ctx context.Context, username string) error {
	if err := p.checkState(KindLogin); err != nil {
		return err
	}
	return p.publish(ctx, KindLogin, username)
}

func (p *Publisher) PublishLogout(ctx context.Context, username string) error {
	if err := p.checkState(KindLogout); err != nil {
		return err
	}
	return p.publish(ctx, KindLogout, username)
}

// PublishHeartbeat re-announces username without implying a fresh login.
func (p *Publisher) PublishHeartbeat(ctx context.Context, username string) error {
	if err := p.checkState(KindHeartbeat); err != nil {
		return err
	}
	return p.publish(ctx, KindHeartbeat, username)
}

// LogoutBestEffort hands one logout to the transport regardless of the
// observed state, and only logs a failure.
func (p *Publisher) LogoutBestEffort(ctx context.Context, username string) {
	if err := p.publish(ctx, KindLogout, username); err != nil {
		log.Warn().Err(err).Str("username", username).Msg("best-effort logout failed")
		return
	}
	log.Debug().Str("username", username).Msg("best-effort logout published")
}

func (p *Publisher) checkState(kind Kind) error {
	if p.state != nil && p.state() == StateDisconnected {
		return fmt.Errorf("publish %s: %w", kind, ErrNotConnected)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, kind Kind, username string) error {
	payload, err := Encode(NewEvent(kind, username, p.clock.Now()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	if err := p.transport.Publish(ctx, p.topic, payload); err != nil {
		if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTransportRejected) {
			return fmt.Errorf("publish %s: %w", kind, err)
		}
		return fmt.Errorf("publish %s: %w: %w", kind, ErrTransportRejected, err)
	}

	log.Debug().
		Str("kind", string(kind)).
		Str("username", username).
		Str("topic", p.topic).
		Msg("presence event published")
	return nil
}
