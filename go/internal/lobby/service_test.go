package lobby

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/trivia/go/internal/presence"
	"github.com/mcdev12/trivia/go/internal/presence/memory"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type testGateway struct {
	service *Service
	broker  *memory.Broker
	server  *httptest.Server
}

func sessionConfig() presence.SessionConfig {
	cfg := presence.DefaultSessionConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HeartbeatInterval = 0
	return cfg
}

func newTestGateway(t *testing.T, invoker presence.Invoker, opts ...memory.Option) *testGateway {
	t.Helper()

	broker := memory.NewBroker()
	factory := SessionFactoryFunc(func() (*presence.Session, error) {
		return presence.NewSession(broker.NewTransport(opts...), nil, invoker, sessionConfig()), nil
	})
	service := NewService(DefaultConfig(), factory)

	mux := http.NewServeMux()
	service.RegisterRoutes(mux)
	server := httptest.NewServer(mux)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = service.Start(ctx)
	}()

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
	})
	return &testGateway{service: service, broker: broker, server: server}
}

func (g *testGateway) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(g.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (g *testGateway) join(t *testing.T, username string) JoinResponse {
	t.Helper()
	resp := g.post(t, "/api/lobby/join", JoinRequest{Username: username})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out JoinResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (g *testGateway) users(t *testing.T, sessionID string) (int, UsersResponse) {
	t.Helper()
	resp, err := http.Get(g.server.URL + "/api/lobby/users?session_id=" + sessionID)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out UsersResponse
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (g *testGateway) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws/lobby?session_id=" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) LobbyEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	var ev LobbyEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestJoinAndListUsers(t *testing.T) {
	g := newTestGateway(t, nil)

	alice := g.join(t, "alice")
	assert.Equal(t, "alice", alice.Username)
	assert.Empty(t, alice.Users)
	assert.NotEmpty(t, alice.SessionID)

	bob := g.join(t, "bob")

	require.Eventually(t, func() bool {
		_, out := g.users(t, alice.SessionID)
		return len(out.Users) == 1 && out.Users[0] == "bob"
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		_, out := g.users(t, bob.SessionID)
		return len(out.Users) == 1 && out.Users[0] == "alice"
	}, waitFor, tick)

	assert.Equal(t, 2, g.service.SessionCount())
}

func TestJoin_Errors(t *testing.T) {
	g := newTestGateway(t, nil)

	resp := g.post(t, "/api/lobby/join", JoinRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(g.server.URL+"/api/lobby/join", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	g.join(t, "alice")
	resp = g.post(t, "/api/lobby/join", JoinRequest{Username: "alice"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestJoin_ConnectFailure(t *testing.T) {
	g := newTestGateway(t, nil, memory.WithConnectError(errors.New("connection refused")))

	resp := g.post(t, "/api/lobby/join", JoinRequest{Username: "alice"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "connection refused")
	assert.Zero(t, g.service.SessionCount())
}

func TestLeave(t *testing.T) {
	g := newTestGateway(t, nil)

	alice := g.join(t, "alice")
	bob := g.join(t, "bob")
	require.Eventually(t, func() bool {
		_, out := g.users(t, alice.SessionID)
		return len(out.Users) == 1
	}, waitFor, tick)

	resp := g.post(t, "/api/lobby/leave", LeaveRequest{SessionID: bob.SessionID})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	require.Eventually(t, func() bool {
		_, out := g.users(t, alice.SessionID)
		return len(out.Users) == 0
	}, waitFor, tick)

	status, _ := g.users(t, bob.SessionID)
	assert.Equal(t, http.StatusNotFound, status)

	resp = g.post(t, "/api/lobby/leave", LeaveRequest{SessionID: bob.SessionID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = g.post(t, "/api/lobby/leave", LeaveRequest{SessionID: "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// the username is free again
	g.join(t, "bob")
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	g := newTestGateway(t, nil)

	alice := g.join(t, "alice")
	conn := g.dial(t, alice.SessionID)

	first := readEvent(t, conn)
	assert.Equal(t, EventTypeUsers, first.Type)
	assert.Equal(t, alice.SessionID, first.SessionID)
	assert.Empty(t, first.Users)

	bob := g.join(t, "bob")
	ev := readEvent(t, conn)
	assert.Equal(t, []string{"bob"}, ev.Users)

	resp := g.post(t, "/api/lobby/leave", LeaveRequest{SessionID: bob.SessionID})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ev = readEvent(t, conn)
	assert.Empty(t, ev.Users)
}

func TestWebSocket_Errors(t *testing.T) {
	g := newTestGateway(t, nil)

	for _, query := range []string{"", "?session_id=nope", "?session_id=9b2b1f9e-6c1e-4a55-9a43-0f0b7b7f1c11"} {
		resp, err := http.Get(g.server.URL + "/ws/lobby" + query)
		require.NoError(t, err)
		resp.Body.Close()
		assert.NotEqual(t, http.StatusSwitchingProtocols, resp.StatusCode, query)
		assert.GreaterOrEqual(t, resp.StatusCode, 400, query)
	}
}

func TestWebSocketStats(t *testing.T) {
	g := newTestGateway(t, nil)

	alice := g.join(t, "alice")
	conn := g.dial(t, alice.SessionID)
	readEvent(t, conn)

	resp, err := http.Get(g.server.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()

	var stats ConnectionStats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, 1, stats.TotalConnections)
	assert.Equal(t, 1, stats.SessionConnections[alice.SessionID])
}

func TestChallenge(t *testing.T) {
	var got presence.ChallengeRequest
	invoker := presence.InvokerFunc(func(_ context.Context, name string, payload []byte) ([]byte, error) {
		if err := json.Unmarshal(payload, &got); err != nil {
			return nil, err
		}
		return []byte(`{"accepted":true}`), nil
	})
	g := newTestGateway(t, invoker)

	alice := g.join(t, "alice")
	resp := g.post(t, "/api/lobby/challenge", ChallengeRequest{SessionID: alice.SessionID, Challenged: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Result struct {
			Accepted bool `json:"accepted"`
		} `json:"result"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.True(t, out.Result.Accepted)
	assert.Equal(t, "alice", got.Challenger)
	assert.Equal(t, "bob", got.Challenged)

	resp = g.post(t, "/api/lobby/challenge", ChallengeRequest{SessionID: alice.SessionID})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	g := newTestGateway(t, nil)

	resp, err := http.Get(g.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStopClosesSessions(t *testing.T) {
	g := newTestGateway(t, nil)

	g.join(t, "alice")
	g.join(t, "bob")
	require.Equal(t, 2, g.broker.Subscribers(presence.Topic))

	require.NoError(t, g.service.Stop())

	assert.Zero(t, g.service.SessionCount())
	assert.Zero(t, g.broker.Subscribers(presence.Topic))

	_, err := g.service.Join(context.Background(), "carol")
	require.ErrorIs(t, err, presence.ErrSessionClosed)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnknownSession, http.StatusNotFound},
		{presence.ErrInvalidUsername, http.StatusBadRequest},
		{presence.ErrAlreadyJoined, http.StatusConflict},
		{presence.ErrNotJoined, http.StatusConflict},
		{presence.ErrConnectFailed, http.StatusServiceUnavailable},
		{presence.ErrTransportRejected, http.StatusServiceUnavailable},
		{presence.ErrChallengeFailed, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestWebSocket_LeaveDuringUpgradeClosesClient(t *testing.T) {
	g := newTestGateway(t, nil)

	alice := g.join(t, "alice")
	sessionID, err := uuid.Parse(alice.SessionID)
	require.NoError(t, err)

	// snapshot taken before the leave, registration after it
	initial, err := g.service.Snapshot(sessionID)
	require.NoError(t, err)
	require.NoError(t, g.service.Leave(context.Background(), sessionID))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = g.service.attach(w, r, sessionID, initial)
	}))
	defer server.Close()

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	first := readEvent(t, conn)
	assert.Equal(t, alice.SessionID, first.SessionID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		return g.service.connectionManager.GetConnectionStats().TotalConnections == 0
	}, waitFor, tick)
}
