// Package memory is an in-process pub/sub broker implementing the presence
// transport contract. Every transport created from one Broker shares its
// topics; each subscription gets its own ordered delivery goroutine.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/trivia/go/internal/presence"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("memory transport closed")

const defaultQueueSize = 256

var _ presence.Transport = (*Transport)(nil)

// Broker fans published payloads out to every connected subscriber.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[*subscription]struct{}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[*subscription]struct{}),
	}
}

func (b *Broker) add(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sub.topic] == nil {
		b.subs[sub.topic] = make(map[*subscription]struct{})
	}
	b.subs[sub.topic][sub] = struct{}{}
}

func (b *Broker) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subs[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subs, sub.topic)
		}
	}
}

func (b *Broker) fanout(topic string, payload []byte) int {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs[topic]))
	for sub := range b.subs[topic] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		if !sub.owner.connected() {
			continue
		}
		if sub.enqueue(slices.Clone(payload)) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions on topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

type subscription struct {
	topic   string
	owner   *Transport
	handler presence.MessageHandler
	queue   chan []byte

	once sync.Once
	done chan struct{}
}

func (s *subscription) enqueue(payload []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.queue <- payload:
		return true
	case <-s.done:
		return false
	default:
		log.Warn().Str("topic", s.topic).Msg("subscriber queue full, dropping message")
		return false
	}
}

func (s *subscription) pump() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.queue:
			s.handler(payload)
		}
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		s.owner.broker.remove(s)
		s.owner.forget(s)
	})
	return nil
}

// Option configures a Transport.
type Option func(*Transport)

// WithManualConnect makes Connect stop at Connecting; the test drives the
// rest through SetState.
func WithManualConnect() Option {
	return func(t *Transport) {
		t.manual = true
	}
}

// WithConnectError makes every Connect call fail with err.
func WithConnectError(err error) Option {
	return func(t *Transport) {
		t.connectErr = err
	}
}

// WithQueueSize sets the per-subscription delivery buffer.
func WithQueueSize(n int) Option {
	return func(t *Transport) {
		t.queueSize = n
	}
}

// Transport is one client of a Broker.
type Transport struct {
	broker     *Broker
	manual     bool
	connectErr error
	queueSize  int

	mu         sync.Mutex
	state      presence.State
	closed     bool
	listeners  map[int]func(presence.State)
	nextID     int
	subs       map[*subscription]struct{}
	rejectWith error
	attempts   map[string][][]byte
}

// NewTransport creates a disconnected client of b.
func (b *Broker) NewTransport(opts ...Option) *Transport {
	t := &Transport{
		broker:    b,
		queueSize: defaultQueueSize,
		state:     presence.StateDisconnected,
		listeners: make(map[int]func(presence.State)),
		subs:      make(map[*subscription]struct{}),
		attempts:  make(map[string][][]byte),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	connectErr := t.connectErr
	t.mu.Unlock()

	if connectErr != nil {
		return connectErr
	}

	t.SetState(presence.StateConnecting)
	if !t.manual {
		t.SetState(presence.StateConnected)
	}
	return nil
}

func (t *Transport) Subscribe(topic string, handler presence.MessageHandler) (presence.Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &subscription{
		topic:   topic,
		owner:   t,
		handler: handler,
		queue:   make(chan []byte, t.queueSize),
		done:    make(chan struct{}),
	}
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	go sub.pump()
	t.broker.add(sub)
	return sub, nil
}

// Publish delivers payload to every connected subscriber of topic,
// including this transport's own subscriptions.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	t.mu.Lock()
	t.attempts[topic] = append(t.attempts[topic], slices.Clone(payload))
	closed, state, reject := t.closed, t.state, t.rejectWith
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if closed {
		return fmt.Errorf("%w: %w", presence.ErrNotConnected, ErrClosed)
	}
	if reject != nil {
		return fmt.Errorf("%w: %w", presence.ErrTransportRejected, reject)
	}
	if state != presence.StateConnected {
		return fmt.Errorf("%w: state %s", presence.ErrNotConnected, state)
	}

	t.broker.fanout(topic, payload)
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

// Close drops every subscription and reports Disconnected.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*subscription, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	t.SetState(presence.StateDisconnected)
	return nil
}

// SetState records s and reports it to every listener, even when it equals
// the current state.
func (t *Transport) SetState(s presence.State) {
	t.mu.Lock()
	t.state = s
	listeners := make([]func(presence.State), 0, len(t.listeners))
	ids := make([]int, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, t.listeners[id])
	}
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Drop simulates a lost connection.
func (t *Transport) Drop() {
	t.SetState(presence.StateConnectionLost)
}

// Restore simulates a successful reconnect.
func (t *Transport) Restore() {
	t.SetState(presence.StateConnected)
}

// RejectPublishes makes Publish fail with err; nil accepts again.
func (t *Transport) RejectPublishes(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rejectWith = err
}

// PublishAttempts is the number of Publish calls made on topic.
func (t *Transport) PublishAttempts(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts[topic])
}

// Attempts returns a copy of every payload passed to Publish on topic,
// accepted or not.
func (t *Transport) Attempts(topic string) [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, 0, len(t.attempts[topic]))
	for _, p := range t.attempts[topic] {
		out = append(out, slices.Clone(p))
	}
	return out
}

// State returns the current transport state.
func (t *Transport) State() presence.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == presence.StateConnected && !t.closed
}

func (t *Transport) forget(sub *subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, sub)
}
