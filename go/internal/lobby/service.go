package lobby

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/mcdev12/trivia/go/internal/presence"
)

// ErrUnknownSession is returned for a session id the gateway does not host.
var ErrUnknownSession = errors.New("unknown lobby session")

// SessionFactory builds an idle presence session that owns a fresh transport.
type SessionFactory interface {
	NewSession() (*presence.Session, error)
}

// SessionFactoryFunc adapts a function to SessionFactory.
type SessionFactoryFunc func() (*presence.Session, error)

func (f SessionFactoryFunc) NewSession() (*presence.Session, error) {
	return f()
}

// Config holds configuration for the lobby gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	CloseTimeout     time.Duration
	Clock            clockwork.Clock
}

// DefaultConfig returns default configuration for the lobby gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		CloseTimeout:     5 * time.Second,
	}
}

type hostedSession struct {
	id       uuid.UUID
	username string
	session  *presence.Session
	joinedAt time.Time
}

// Service hosts one presence session per lobby participant and pushes
// their snapshots to websocket clients.
type Service struct {
	config            Config
	clock             clockwork.Clock
	factory           SessionFactory
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	apiHandler        *APIHandler

	mu         sync.Mutex
	sessions   map[uuid.UUID]*hostedSession
	byUsername map[string]uuid.UUID
	reserved   map[string]struct{}
	stopped    bool
}

// NewService creates a new lobby gateway service
func NewService(config Config, factory SessionFactory) *Service {
	if config.CloseTimeout <= 0 {
		config.CloseTimeout = DefaultConfig().CloseTimeout
	}
	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	s := &Service{
		config:            config,
		clock:             config.Clock,
		factory:           factory,
		connectionManager: NewConnectionManager(config.ConnectionConfig),
		sessions:          make(map[uuid.UUID]*hostedSession),
		byUsername:        make(map[string]uuid.UUID),
		reserved:          make(map[string]struct{}),
	}
	s.wsHandler = NewWebSocketHandler(s)
	s.apiHandler = NewAPIHandler(s)
	return s
}

// Start runs the broadcaster until ctx is cancelled, then stops the service
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting lobby gateway service")

	go s.connectionManager.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("lobby gateway service shutting down")
	return s.Stop()
}

// Stop closes every hosted session, each publishing a best-effort logout
func (s *Service) Stop() error {
	s.mu.Lock()
	s.stopped = true
	hosted := lo.Values(s.sessions)
	s.sessions = make(map[uuid.UUID]*hostedSession)
	s.byUsername = make(map[string]uuid.UUID)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hosted {
		wg.Add(1)
		go func(h *hostedSession) {
			defer wg.Done()
			s.release(h)
		}(h)
	}
	wg.Wait()

	log.Info().Int("sessions", len(hosted)).Msg("lobby gateway service stopped")
	return nil
}

// Join creates a session for username and joins the lobby with it
func (s *Service) Join(ctx context.Context, username string) (*JoinResponse, error) {
	if username == "" {
		return nil, presence.ErrInvalidUsername
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, presence.ErrSessionClosed
	}
	_, hosted := s.byUsername[username]
	_, pending := s.reserved[username]
	if hosted || pending {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", presence.ErrAlreadyJoined, username)
	}
	s.reserved[username] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.reserved, username)
		s.mu.Unlock()
	}()

	session, err := s.factory.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	id := uuid.New()
	session.OnPresenceChanged(func(users []string) {
		s.connectionManager.BroadcastToSession(id, NewUsersEvent(id, users, s.clock.Now()))
	})

	users, err := session.Join(ctx, username)
	if err != nil {
		if cerr := session.Close(); cerr != nil {
			log.Debug().Err(cerr).Str("username", username).Msg("close after failed join")
		}
		return nil, err
	}

	h := &hostedSession{id: id, username: username, session: session, joinedAt: s.clock.Now()}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.release(h)
		return nil, presence.ErrSessionClosed
	}
	s.sessions[id] = h
	s.byUsername[username] = id
	s.mu.Unlock()

	log.Info().
		Str("session_id", id.String()).
		Str("username", username).
		Int("users", len(users)).
		Msg("lobby session joined")

	return &JoinResponse{SessionID: id.String(), Username: username, Users: lo.Ternary(users == nil, []string{}, users)}, nil
}

// Leave ends the session and disconnects its websocket clients
func (s *Service) Leave(ctx context.Context, sessionID uuid.UUID) error {
	s.mu.Lock()
	h, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		delete(s.byUsername, h.username)
	}
	s.mu.Unlock()

	if !ok {
		return ErrUnknownSession
	}

	if err := h.session.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("leave failed")
	}
	s.release(h)

	log.Info().
		Str("session_id", sessionID.String()).
		Str("username", h.username).
		Dur("duration", s.clock.Since(h.joinedAt)).
		Msg("lobby session left")
	return nil
}

func (s *Service) release(h *hostedSession) {
	s.connectionManager.CloseSession(h.id)
	if err := h.session.Close(); err != nil {
		log.Warn().Err(err).Str("session_id", h.id.String()).Msg("close session failed")
	}
}

// Users returns the other users visible to sessionID
func (s *Service) Users(sessionID uuid.UUID) (*UsersResponse, error) {
	h, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return &UsersResponse{
		SessionID: sessionID.String(),
		Username:  h.username,
		Users:     h.session.Snapshot(),
	}, nil
}

// Challenge sends a challenge on behalf of sessionID
func (s *Service) Challenge(ctx context.Context, sessionID uuid.UUID, challenged string) ([]byte, error) {
	h, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return h.session.Challenge(ctx, challenged)
}

// Snapshot returns the current users event for sessionID
func (s *Service) Snapshot(sessionID uuid.UUID) (*LobbyEvent, error) {
	h, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return NewUsersEvent(sessionID, h.session.Snapshot(), s.clock.Now()), nil
}

// attach upgrades the request into a snapshot stream for sessionID. A Leave
// that ran between the snapshot and the registration has already closed the
// session's clients, so the new one is closed here.
func (s *Service) attach(w http.ResponseWriter, r *http.Request, sessionID uuid.UUID, initial *LobbyEvent) error {
	if err := s.connectionManager.UpgradeConnection(w, r, sessionID, initial); err != nil {
		return err
	}
	if _, err := s.lookup(sessionID); err != nil {
		log.Debug().Str("session_id", sessionID.String()).Msg("session left during upgrade")
		s.connectionManager.CloseSession(sessionID)
	}
	return nil
}

func (s *Service) lookup(sessionID uuid.UUID) (*hostedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return h, nil
}

// SessionCount returns the number of hosted sessions
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// RegisterRoutes registers the lobby HTTP and WebSocket routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.apiHandler.RegisterRoutes(mux)
	log.Info().Msg("lobby gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]any {
	stats := s.connectionManager.GetConnectionStats()
	return map[string]any{
		"service":           "lobby_gateway",
		"status":            "running",
		"sessions":          s.SessionCount(),
		"total_connections": stats.TotalConnections,
		"active_sessions":   stats.ActiveSessions,
	}
}
