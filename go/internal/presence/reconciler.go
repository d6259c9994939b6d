package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"
)

// User is the record kept for each online participant.
type User struct {
	Username string `json:"username"`
}

// Reconciler owns the local view of online users. Logins and logouts are
// idempotent set operations applied in delivery order; no reordering by
// timestamp is attempted, so a logout that overtakes its login is dropped
// and the login sticks until the next logout for that user.
type Reconciler struct {
	mu    sync.RWMutex
	self  string
	users map[string]User
}

// NewReconciler creates an empty view.
func NewReconciler() *Reconciler {
	return &Reconciler{
		users: make(map[string]User),
	}
}

// SetSelf records the local identity. It is never stored in the view.
func (r *Reconciler) SetSelf(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.self = username
}

// Self returns the local identity, empty before join.
func (r *Reconciler) Self() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// ApplyLogin adds username if absent. It reports whether the view changed.
func (r *Reconciler) ApplyLogin(username string) bool {
	if username == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if username == r.self {
		return false
	}
	if _, ok := r.users[username]; ok {
		return false
	}
	r.users[username] = User{Username: username}
	return true
}

// ApplyLogout removes username if present. It reports whether the view
// changed.
func (r *Reconciler) ApplyLogout(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[username]; !ok {
		return false
	}
	delete(r.users, username)
	return true
}

// Apply routes an event to the matching operation. Heartbeats only ever add.
func (r *Reconciler) Apply(ev Event) bool {
	switch ev.Kind {
	case KindLogin, KindHeartbeat:
		return r.ApplyLogin(ev.Username)
	case KindLogout:
		return r.ApplyLogout(ev.Username)
	default:
		return false
	}
}

// Contains reports whether username is in the view.
func (r *Reconciler) Contains(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[username]
	return ok
}

// Snapshot returns a sorted copy of the online usernames, excluding self.
func (r *Reconciler) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Filter(lo.Keys(r.users), func(name string, _ int) bool {
		return name != r.self
	})
	slices.Sort(names)
	return names
}

// Users returns the snapshot as user records.
func (r *Reconciler) Users() []User {
	return lo.Map(r.Snapshot(), func(name string, _ int) User {
		return User{Username: name}
	})
}

// Len is the number of users in the view.
func (r *Reconciler) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// Reset drops every entry.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]User)
}
