package presence

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionState is the join lifecycle of a Session.
type SessionState int

const (
	SessionIdle SessionState = iota
	SessionJoining
	SessionJoined
	SessionLeft
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionJoining:
		return "joining"
	case SessionJoined:
		return "joined"
	case SessionLeft:
		return "left"
	default:
		return "unknown"
	}
}

// SessionConfig holds configuration for a presence session.
type SessionConfig struct {
	Topic             string
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration // 0 disables periodic heartbeats
	ChallengeFunction string
	InboundBuffer     int
	CloseTimeout      time.Duration
	Clock             clockwork.Clock
}

// DefaultSessionConfig returns default session configuration.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Topic:             Topic,
		ConnectTimeout:    DefaultConnectTimeout,
		HeartbeatInterval: 30 * time.Second,
		ChallengeFunction: DefaultChallengeFunction,
		InboundBuffer:     256,
		CloseTimeout:      5 * time.Second,
	}
}

type sessionSignal int

const (
	signalDropped sessionSignal = iota
	signalReconnected
)

// Session is the facade for one local participant: it sequences join as
// connect, subscribe, publish login, and serializes every view mutation on
// a single goroutine.
type Session struct {
	config     SessionConfig
	transport  Transport
	creds      CredentialProvider
	clock      clockwork.Clock
	lifecycle  *Manager
	publisher  *Publisher
	view       *Reconciler
	challenger *Challenger
	logger     zerolog.Logger

	mu         sync.Mutex
	state      SessionState
	identity   string
	identityID string
	closed     bool
	sub        Subscription
	observers  []func([]string)
	signals    chan sessionSignal
	done       chan struct{}
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewSession creates an idle session owning transport. creds and invoker
// may be nil: without a provider any identity may join, without an invoker
// challenges fail.
func NewSession(transport Transport, creds CredentialProvider, invoker Invoker, config SessionConfig) *Session {
	defaults := DefaultSessionConfig()
	if config.Topic == "" {
		config.Topic = defaults.Topic
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = defaults.InboundBuffer
	}
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = defaults.CloseTimeout
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	s := &Session{
		config:    config,
		transport: transport,
		creds:     creds,
		clock:     config.Clock,
		view:      NewReconciler(),
		logger:    log.With().Str("component", "presence_session").Logger(),
	}
	s.lifecycle = NewManager(transport, s.clock)
	s.publisher = NewPublisher(transport, config.Topic, s.clock, s.lifecycle.CurrentState)
	if invoker != nil {
		s.challenger = NewChallenger(invoker, config.ChallengeFunction)
	}

	s.lifecycle.OnDisconnect(func(State) {
		s.signal(signalDropped)
	})
	s.lifecycle.OnStateChange(func(st State) {
		if st == StateConnected {
			s.signal(signalReconnected)
		}
	})

	return s
}

// Join connects, subscribes to the topic and announces username. On any
// failure the session returns to idle, unless Close ran meanwhile, in which
// case it stays left and the error wraps ErrSessionClosed. A drop before
// the join completes fails it with ErrConnectionLost.
func (s *Session) Join(ctx context.Context, username string) ([]string, error) {
	s.mu.Lock()
	if s.closed || s.state == SessionLeft {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrAlreadyJoined, ErrSessionClosed)
	}
	if s.state != SessionIdle {
		s.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	if username == "" {
		s.mu.Unlock()
		return nil, ErrInvalidUsername
	}
	s.state = SessionJoining
	s.identity = username
	s.logger = log.With().Str("component", "presence_session").Str("username", username).Logger()
	s.mu.Unlock()

	identityID, err := s.authenticate(ctx)
	if err != nil {
		s.resetIdle()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	s.view.SetSelf(username)

	if err := s.lifecycle.Connect(ctx, s.config.ConnectTimeout); err != nil {
		s.logger.Warn().Err(err).Msg("join connect failed")
		s.resetIdle()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	inbound := make(chan []byte, s.config.InboundBuffer)
	done := make(chan struct{})
	sub, err := s.transport.Subscribe(s.config.Topic, func(payload []byte) {
		select {
		case inbound <- payload:
		case <-done:
		}
	})
	if err != nil {
		close(done)
		s.resetIdle()
		if s.isClosed() {
			return nil, fmt.Errorf("%w: %w", ErrConnectFailed, ErrSessionClosed)
		}
		return nil, fmt.Errorf("%w: subscribe %s: %w", ErrConnectFailed, s.config.Topic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	signals := make(chan sessionSignal, 8)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		close(done)
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
		return nil, fmt.Errorf("join: %w", ErrSessionClosed)
	}
	s.identityID = identityID
	s.sub = sub
	s.done = done
	s.signals = signals
	s.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(runCtx, username, inbound, signals)

	if err := s.publisher.PublishLogin(ctx, username); err != nil {
		s.logger.Warn().Err(err).Msg("join login publish failed")
		s.stop()
		s.resetIdle()
		if s.isClosed() {
			return nil, fmt.Errorf("join: %w: %w", ErrSessionClosed, err)
		}
		return nil, fmt.Errorf("join: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.stop()
		return nil, fmt.Errorf("join: %w", ErrSessionClosed)
	}
	// a drop before this point is never reported to the caller otherwise
	if s.lifecycle.CurrentState().Down() {
		s.mu.Unlock()
		s.logger.Warn().Msg("connection lost while joining")
		s.stop()
		s.resetIdle()
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, ErrConnectionLost)
	}
	s.state = SessionJoined
	s.mu.Unlock()

	s.logger.Info().Str("topic", s.config.Topic).Msg("joined lobby")
	return s.view.Snapshot(), nil
}

func (s *Session) authenticate(ctx context.Context) (string, error) {
	if s.creds == nil {
		return "", nil
	}
	creds, ok := s.creds.CurrentCredentials(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	if creds.Expired(s.clock.Now()) {
		return "", fmt.Errorf("%w: credentials expired at %s", ErrUnauthenticated, creds.ExpiresAt.Format(time.RFC3339))
	}
	return creds.IdentityID, nil
}

// Leave announces the logout (best effort) and ends the session. A left
// session cannot be joined again.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionJoined {
		s.mu.Unlock()
		return ErrNotJoined
	}
	s.state = SessionLeft
	identity := s.identity
	s.mu.Unlock()

	if err := s.publisher.PublishLogout(ctx, identity); err != nil {
		s.logger.Warn().Err(err).Msg("leave logout publish failed")
	}

	s.lifecycle.Close()
	s.stop()
	s.view.Reset()

	s.logger.Info().Msg("left lobby")
	return nil
}

// Close leaves if joined, then releases the transport.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	joined := s.state == SessionJoined
	s.mu.Unlock()

	if joined {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CloseTimeout)
		if err := s.Leave(ctx); err != nil {
			s.logger.Debug().Err(err).Msg("leave on close")
		}
		cancel()
	}

	s.mu.Lock()
	s.closed = true
	if s.state != SessionLeft {
		s.state = SessionLeft
	}
	s.mu.Unlock()

	s.lifecycle.Close()
	s.stop()

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// stop ends the inbound loop and drops the subscription.
func (s *Session) stop() {
	s.mu.Lock()
	cancel, sub, done := s.cancel, s.sub, s.done
	s.cancel, s.sub, s.done, s.signals = nil, nil, nil, nil
	s.mu.Unlock()

	if done != nil {
		close(done)
	}
	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Debug().Err(err).Msg("unsubscribe failed")
		}
	}
	s.wg.Wait()
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// resetIdle undoes a failed join. A closed session stays Left.
func (s *Session) resetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.state = SessionIdle
	s.identity = ""
	s.identityID = ""
	s.view.SetSelf("")
	s.view.Reset()
}

func (s *Session) signal(sig sessionSignal) {
	s.mu.Lock()
	ch, done := s.signals, s.done
	s.mu.Unlock()

	// signals exist from subscribe onwards, so drops while joining count
	if ch == nil {
		return
	}
	select {
	case ch <- sig:
	case <-done:
	}
}

func (s *Session) run(ctx context.Context, username string, inbound <-chan []byte, signals <-chan sessionSignal) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.config.HeartbeatInterval > 0 {
		ticker := s.clock.NewTicker(s.config.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	dropped := false
	for {
		select {
		case <-ctx.Done():
			return

		case payload := <-inbound:
			s.handlePayload(ctx, username, payload)

		case sig := <-signals:
			switch sig {
			case signalDropped:
				dropped = true
				s.publisher.LogoutBestEffort(ctx, username)
			case signalReconnected:
				if !dropped {
					continue
				}
				dropped = false
				// peers answer a login with heartbeats, which rebuilds the view
				s.view.Reset()
				s.notify()
				if err := s.publisher.PublishLogin(ctx, username); err != nil {
					s.logger.Warn().Err(err).Msg("re-announce after reconnect failed")
				}
			}

		case <-tick:
			if dropped {
				continue
			}
			if err := s.publisher.PublishHeartbeat(ctx, username); err != nil {
				s.logger.Debug().Err(err).Msg("heartbeat publish failed")
			}
		}
	}
}

func (s *Session) handlePayload(ctx context.Context, username string, payload []byte) {
	ev, err := Decode(payload)
	if err != nil {
		s.logger.Debug().Err(err).Int("size", len(payload)).Msg("ignoring payload")
		return
	}
	if ev.Username == username {
		return
	}

	changed := s.view.Apply(ev)

	if ev.Kind == KindLogin {
		// let the newcomer learn about us
		if err := s.publisher.PublishHeartbeat(ctx, username); err != nil {
			s.logger.Debug().Err(err).Str("peer", ev.Username).Msg("announce to peer failed")
		}
	}

	if changed {
		s.logger.Debug().
			Str("kind", string(ev.Kind)).
			Str("peer", ev.Username).
			Bool("legacy", ev.Legacy).
			Msg("presence view updated")
		s.notify()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	if len(observers) == 0 {
		return
	}
	snapshot := s.view.Snapshot()
	for _, fn := range observers {
		fn(slices.Clone(snapshot))
	}
}

// OnPresenceChanged registers fn to receive a fresh snapshot after every
// change to the view. fn runs on the session's event goroutine.
func (s *Session) OnPresenceChanged(fn func(users []string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Snapshot returns the other online users.
func (s *Session) Snapshot() []string {
	return s.view.Snapshot()
}

// Identity returns the joined username, empty when not joined.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectionState returns the transport state seen by the lifecycle manager.
func (s *Session) ConnectionState() State {
	return s.lifecycle.CurrentState()
}

// Challenge sends a challenge from the local identity to challenged.
func (s *Session) Challenge(ctx context.Context, challenged string) ([]byte, error) {
	s.mu.Lock()
	if s.state != SessionJoined {
		s.mu.Unlock()
		return nil, ErrNotJoined
	}
	identity, identityID := s.identity, s.identityID
	s.mu.Unlock()

	resp, err := s.challenger.Challenge(ctx, identityID, identity, challenged)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("challenged", challenged).Msg("challenge sent")
	return resp, nil
}
