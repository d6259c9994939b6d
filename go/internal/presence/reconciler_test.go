package presence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciler_LoginIsIdempotent(t *testing.T) {
	r := NewReconciler()

	assert.True(t, r.ApplyLogin("bob"))
	assert.False(t, r.ApplyLogin("bob"))

	assert.Equal(t, []string{"bob"}, r.Snapshot())
	assert.Equal(t, 1, r.Len())
}

func TestReconciler_LogoutOfAbsentUserIsNoop(t *testing.T) {
	r := NewReconciler()
	r.ApplyLogin("bob")

	assert.False(t, r.ApplyLogout("carol"))
	assert.Equal(t, []string{"bob"}, r.Snapshot())

	assert.True(t, r.ApplyLogout("bob"))
	assert.False(t, r.ApplyLogout("bob"))
	assert.Empty(t, r.Snapshot())
}

func TestReconciler_RejectsEmptyIdentity(t *testing.T) {
	r := NewReconciler()

	assert.False(t, r.ApplyLogin(""))
	assert.False(t, r.Apply(Event{Kind: KindHeartbeat}))
	assert.Equal(t, 0, r.Len())
}

func TestReconciler_ExcludesSelf(t *testing.T) {
	r := NewReconciler()
	r.SetSelf("alice")

	assert.False(t, r.ApplyLogin("alice"))
	r.ApplyLogin("bob")

	assert.Equal(t, []string{"bob"}, r.Snapshot())
	assert.False(t, r.Contains("alice"))
}

func TestReconciler_SnapshotFiltersSelfSetLate(t *testing.T) {
	r := NewReconciler()
	r.ApplyLogin("alice")
	r.ApplyLogin("bob")

	r.SetSelf("alice")

	assert.Equal(t, []string{"bob"}, r.Snapshot())
}

func TestReconciler_SnapshotIsACopy(t *testing.T) {
	r := NewReconciler()
	r.ApplyLogin("bob")

	snap := r.Snapshot()
	snap[0] = "mallory"

	assert.Equal(t, []string{"bob"}, r.Snapshot())
}

func TestReconciler_InterleavingsConverge(t *testing.T) {
	events := []Event{
		{Kind: KindLogin, Username: "ana"},
		{Kind: KindLogin, Username: "bruno"},
		{Kind: KindLogin, Username: "carla"},
		{Kind: KindLogin, Username: "diego"},
		{Kind: KindHeartbeat, Username: "bruno"},
		{Kind: KindLogin, Username: "ana"},
	}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 50; i++ {
		shuffled := append([]Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		r := NewReconciler()
		for _, ev := range shuffled {
			r.Apply(ev)
		}
		// diego leaves after his login regardless of the interleaving above
		r.Apply(Event{Kind: KindLogout, Username: "diego"})

		require.Equal(t, []string{"ana", "bruno", "carla"}, r.Snapshot())
	}
}

func TestReconciler_LogoutBeforeLoginLeavesStaleEntry(t *testing.T) {
	r := NewReconciler()

	r.Apply(Event{Kind: KindLogout, Username: "bob"})
	r.Apply(Event{Kind: KindLogin, Username: "bob"})

	assert.Equal(t, []string{"bob"}, r.Snapshot())

	r.Apply(Event{Kind: KindLogout, Username: "bob"})
	assert.Empty(t, r.Snapshot())
}

func TestReconciler_HeartbeatNeverRemoves(t *testing.T) {
	r := NewReconciler()

	assert.True(t, r.Apply(Event{Kind: KindHeartbeat, Username: "bob"}))
	assert.False(t, r.Apply(Event{Kind: KindHeartbeat, Username: "bob"}))
	assert.Equal(t, []User{{Username: "bob"}}, r.Users())
}

func TestReconciler_Reset(t *testing.T) {
	r := NewReconciler()
	r.ApplyLogin("bob")
	r.Reset()

	assert.Empty(t, r.Snapshot())
	assert.True(t, r.ApplyLogin("bob"))
}
