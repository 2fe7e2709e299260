package presence

import (
	"sync"
	"time"
)

// Sender delivers one relay event to a live connection. The websocket layer
// implements it; tests substitute fakes.
type Sender interface {
	Send(event string, data any) error
}

// Entry is one live presence registration.
type Entry struct {
	UserID   string
	ConnID   string
	JoinedAt time.Time
	Sender   Sender
}

// Registry maps logical user identity to the single active connection.
// A re-join for the same user replaces the prior entry (last-writer-wins).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Entry
	byConn map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]Entry),
		byConn: make(map[string]string),
	}
}

// Register binds userID to the given connection, overwriting any existing
// entry. It returns the previous connection id when one was replaced; the
// caller decides whether to close the superseded connection.
func (r *Registry) Register(userID, connID string, sender Sender) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, replaced := r.byUser[userID]
	if replaced {
		delete(r.byConn, prev.ConnID)
	}
	r.byUser[userID] = Entry{
		UserID:   userID,
		ConnID:   connID,
		JoinedAt: time.Now(),
		Sender:   sender,
	}
	r.byConn[connID] = userID
	if !replaced {
		return "", false
	}
	return prev.ConnID, true
}

// Resolve returns the live entry for userID, if any.
func (r *Registry) Resolve(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byUser[userID]
	return entry, ok
}

// Unregister removes the registration owned by connID. It is a no-op when the
// user has since re-registered on a newer connection, so a late disconnect of
// a stale connection never evicts the fresh one.
func (r *Registry) Unregister(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return false
	}
	delete(r.byConn, connID)
	if entry, ok := r.byUser[userID]; ok && entry.ConnID == connID {
		delete(r.byUser, userID)
		return true
	}
	return false
}

// ListActive returns the set of currently registered user ids.
func (r *Registry) ListActive() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	return users
}

// Snapshot returns all live entries for broadcast fan-out.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]Entry, 0, len(r.byUser))
	for _, entry := range r.byUser {
		entries = append(entries, entry)
	}
	return entries
}

// Size reports the number of live registrations.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
