package natsbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia/go/internal/presence"
)

// Invoker performs remote function calls as NATS request/reply on the
// subject "<prefix>.<name>".
type Invoker struct {
	transport *Transport
	prefix    string
	timeout   time.Duration
}

var _ presence.Invoker = (*Invoker)(nil)

// NewInvoker creates an invoker sharing the transport's connection. timeout
// applies when the call context has no deadline.
func NewInvoker(transport *Transport, prefix string, timeout time.Duration) *Invoker {
	if prefix == "" {
		prefix = "lobby.fn"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Invoker{transport: transport, prefix: prefix, timeout: timeout}
}

// Subject returns the request subject for a function name.
func (i *Invoker) Subject(name string) string {
	return fmt.Sprintf("%s.%s", i.prefix, name)
}

func (i *Invoker) Call(ctx context.Context, name string, payload []byte) ([]byte, error) {
	nc := i.transport.Conn()
	if nc == nil || nc.IsClosed() {
		return nil, presence.ErrNotConnected
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	subject := i.Subject(name)
	msg, err := nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no responders on %s: %w", subject, err)
		}
		return nil, fmt.Errorf("request %s: %w", subject, err)
	}

	log.Debug().
		Str("subject", subject).
		Int("response_size", len(msg.Data)).
		Msg("remote function returned")
	return msg.Data, nil
}
