package presence_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/trivia/go/internal/presence"
	"github.com/mcdev12/trivia/go/internal/presence/memory"
)

func TestManager_ConnectSucceeds(t *testing.T) {
	tr := memory.NewBroker().NewTransport()
	m := presence.NewManager(tr, nil)

	require.NoError(t, m.Connect(context.Background(), time.Second))
	assert.Equal(t, presence.StateConnected, m.CurrentState())

	// already connected
	require.NoError(t, m.Connect(context.Background(), time.Second))
}

func TestManager_ConnectTimesOut(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClock()
	tr := memory.NewBroker().NewTransport(memory.WithManualConnect())
	m := presence.NewManager(tr, clock)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Connect(ctx, 100*time.Millisecond)
	}()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(99 * time.Millisecond)
	select {
	case err := <-errCh:
		t.Fatalf("connect returned before the timeout: %v", err)
	default:
	}

	clock.Advance(time.Millisecond)
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, presence.ErrConnectTimeout)
	case <-ctx.Done():
		t.Fatal("connect did not time out")
	}
}

func TestManager_ConnectTimeoutWallClock(t *testing.T) {
	tr := memory.NewBroker().NewTransport(memory.WithManualConnect())
	m := presence.NewManager(tr, nil)

	start := time.Now()
	err := m.Connect(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, presence.ErrConnectTimeout)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestManager_ConnectLost(t *testing.T) {
	tr := memory.NewBroker().NewTransport(memory.WithManualConnect())
	m := presence.NewManager(tr, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Connect(context.Background(), 5*time.Second)
	}()

	require.Eventually(t, func() bool {
		return tr.State() == presence.StateConnecting
	}, time.Second, 5*time.Millisecond)
	tr.Drop()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, presence.ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not fail on loss")
	}
}

func TestManager_ConnectErrorFromTransport(t *testing.T) {
	tr := memory.NewBroker().NewTransport(memory.WithConnectError(presence.ErrUnauthenticated))
	m := presence.NewManager(tr, nil)

	err := m.Connect(context.Background(), time.Second)
	require.ErrorIs(t, err, presence.ErrUnauthenticated)
	assert.NotErrorIs(t, err, presence.ErrConnectionLost)

	tr = memory.NewBroker().NewTransport(memory.WithConnectError(errors.New("dial refused")))
	m = presence.NewManager(tr, nil)

	err = m.Connect(context.Background(), time.Second)
	require.ErrorIs(t, err, presence.ErrConnectionLost)
	assert.Equal(t, presence.StateDisconnected, m.CurrentState())
}

func TestManager_ConnectHonoursContext(t *testing.T) {
	tr := memory.NewBroker().NewTransport(memory.WithManualConnect())
	m := presence.NewManager(tr, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := m.Connect(ctx, 10*time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func TestManager_DisconnectSignalledOncePerDrop(t *testing.T) {
	tr := memory.NewBroker().NewTransport()
	m := presence.NewManager(tr, nil)

	var drops atomic.Int32
	m.OnDisconnect(func(presence.State) {
		drops.Add(1)
	})

	require.NoError(t, m.Connect(context.Background(), time.Second))

	tr.Drop()
	tr.Drop()
	tr.Drop()
	tr.SetState(presence.StateDisconnected)
	assert.Equal(t, int32(1), drops.Load())

	tr.Restore()
	tr.Drop()
	assert.Equal(t, int32(2), drops.Load())
}

func TestManager_NoDisconnectSignalBeforeEstablished(t *testing.T) {
	tr := memory.NewBroker().NewTransport(memory.WithManualConnect())
	m := presence.NewManager(tr, nil)

	var drops atomic.Int32
	m.OnDisconnect(func(presence.State) {
		drops.Add(1)
	})

	m.StartMonitoring()
	tr.Drop()
	tr.SetState(presence.StateDisconnected)

	assert.Equal(t, int32(0), drops.Load())
}

func TestManager_StartMonitoringIsIdempotent(t *testing.T) {
	tr := memory.NewBroker().NewTransport()
	m := presence.NewManager(tr, nil)

	var drops, transitions atomic.Int32
	m.OnDisconnect(func(presence.State) {
		drops.Add(1)
	})
	m.OnStateChange(func(presence.State) {
		transitions.Add(1)
	})

	m.StartMonitoring()
	m.StartMonitoring()
	require.NoError(t, m.Connect(context.Background(), time.Second))
	m.StartMonitoring()

	before := transitions.Load()
	tr.Drop()

	assert.Equal(t, int32(1), drops.Load())
	assert.Equal(t, before+1, transitions.Load())
}

func TestManager_CloseStopsObserving(t *testing.T) {
	tr := memory.NewBroker().NewTransport()
	m := presence.NewManager(tr, nil)

	var drops atomic.Int32
	m.OnDisconnect(func(presence.State) {
		drops.Add(1)
	})
	require.NoError(t, m.Connect(context.Background(), time.Second))

	m.Close()
	tr.Drop()

	assert.Equal(t, int32(0), drops.Load())
	assert.Equal(t, presence.StateConnected, m.CurrentState())
	require.ErrorIs(t, m.Connect(context.Background(), time.Second), presence.ErrSessionClosed)
}

func TestManager_CloseCancelsPendingConnect(t *testing.T) {
	tr := memory.NewBroker().NewTransport(memory.WithManualConnect())
	m := presence.NewManager(tr, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.Connect(context.Background(), time.Minute)
	}()

	require.Eventually(t, func() bool {
		return tr.State() == presence.StateConnecting
	}, 2*time.Second, 5*time.Millisecond)
	m.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, presence.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("connect still pending after close")
	}
}
