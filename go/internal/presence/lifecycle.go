package presence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultConnectTimeout bounds Connect when the caller passes no timeout.
const DefaultConnectTimeout = 10 * time.Second

// Manager drives the connection state machine over a transport's state
// feed. It owns the connect timer and turns drops of an established
// connection into a single disconnect signal.
type Manager struct {
	transport Transport
	clock     clockwork.Clock

	mu          sync.Mutex
	state       State
	established bool
	// down is set once a disconnect has been signalled and cleared on the
	// next Connected, so repeated or chained drops signal only once.
	down         bool
	monitoring   bool
	closed       bool
	done         chan struct{}
	cancelFeed   func()
	waiter       chan State
	listeners    []func(State)
	disconnected []func(State)
}

// NewManager creates a manager for transport. A nil clock uses the real one.
func NewManager(transport Transport, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		transport: transport,
		clock:     clock,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

// StartMonitoring subscribes to the transport's state feed. Calling it more
// than once has no effect.
func (m *Manager) StartMonitoring() {
	m.mu.Lock()
	if m.monitoring || m.closed {
		m.mu.Unlock()
		return
	}
	m.monitoring = true
	m.mu.Unlock()

	cancel := m.transport.OnStateChange(m.handleState)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	m.cancelFeed = cancel
	m.mu.Unlock()
}

// Connect asks the transport to connect and waits until it reports
// Connected, reports a drop (ErrConnectionLost), or timeout elapses
// (ErrConnectTimeout). Failures are returned, never retried.
func (m *Manager) Connect(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSessionClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	waiter := make(chan State, 1)
	m.waiter = waiter
	m.state = StateConnecting
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.waiter == waiter {
			m.waiter = nil
		}
		m.mu.Unlock()
	}()

	m.StartMonitoring()

	timer := m.clock.NewTimer(timeout)
	defer timer.Stop()

	if err := m.transport.Connect(ctx); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		if errors.Is(err, ErrUnauthenticated) {
			return fmt.Errorf("connect transport: %w", err)
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	select {
	case s := <-waiter:
		if s == StateConnected {
			log.Debug().Dur("timeout", timeout).Msg("transport connected")
			return nil
		}
		return fmt.Errorf("%w: transport reported %s", ErrConnectionLost, s)
	case <-timer.Chan():
		return fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
	case <-m.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleState(s State) {
	m.mu.Lock()
	if m.closed || s == m.state {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = s

	signal := false
	switch {
	case s == StateConnected:
		m.established = true
		m.down = false
	case s.Down() && m.established && !m.down:
		m.down = true
		signal = true
	}

	waiter := m.waiter
	if waiter != nil && (s == StateConnected || s.Down()) {
		m.waiter = nil
	} else {
		waiter = nil
	}
	listeners := slices.Clone(m.listeners)
	disconnected := slices.Clone(m.disconnected)
	m.mu.Unlock()

	log.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("connection state changed")

	if waiter != nil {
		waiter <- s
	}
	for _, fn := range listeners {
		fn(s)
	}
	if signal {
		log.Info().Str("state", s.String()).Msg("connection dropped")
		for _, fn := range disconnected {
			fn(s)
		}
	}
}

// OnStateChange registers fn for every distinct state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnDisconnect registers fn for the single signal emitted when an
// established connection drops.
func (m *Manager) OnDisconnect(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, fn)
}

// CurrentState returns the last observed state.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Close stops monitoring and fails a pending Connect with
// ErrSessionClosed. Later state changes are ignored.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.done)
	cancel := m.cancelFeed
	m.cancelFeed = nil
	m.waiter = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
