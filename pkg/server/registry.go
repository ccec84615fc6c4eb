package server

import (
	"errors"
	"sync"
)

var ErrSessionExists = errors.New("server: user already has a registered session")

// Registry maps logged-in user IDs to their live session handler. The router
// reads it to locate fan-out targets; handlers register on login and
// deregister on close. The registry owns the map exclusively.
type Registry struct {
	mu       sync.RWMutex
	handlers map[int64]*ClientHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[int64]*ClientHandler)}
}

// Register binds a user to a handler. Fails if the user already has a live
// session.
func (r *Registry) Register(userID int64, h *ClientHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[userID]; exists {
		return ErrSessionExists
	}
	r.handlers[userID] = h
	return nil
}

// Deregister removes the binding, but only if it still points at h. A stale
// handler's cleanup must never evict a newer session for the same user.
func (r *Registry) Deregister(userID int64, h *ClientHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers[userID] == h {
		delete(r.handlers, userID)
	}
}

// Get returns the live handler for a user, if any.
func (r *Registry) Get(userID int64) (*ClientHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[userID]
	return h, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
