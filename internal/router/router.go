// Package router delivers server-pushed messages to per-session inboxes.
package router

import (
	"sync"

	"github.com/rickgao/session-mux/internal/protocol"
)

// Router maps session IDs to their inboxes.
type Router struct {
	initialCapacity int
	maxCapacity     int

	mu      sync.RWMutex
	inboxes map[string]*Inbox[protocol.Message]
}

// New creates a Router whose inboxes start at initialCapacity and hold at
// most maxCapacity messages.
func New(initialCapacity, maxCapacity int) *Router {
	return &Router{
		initialCapacity: initialCapacity,
		maxCapacity:     maxCapacity,
		inboxes:         make(map[string]*Inbox[protocol.Message]),
	}
}

// Open returns the session's inbox, creating it if needed.
func (r *Router) Open(sessionID string) *Inbox[protocol.Message] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if in, ok := r.inboxes[sessionID]; ok {
		return in
	}
	in := NewInbox[protocol.Message](r.initialCapacity, r.maxCapacity)
	r.inboxes[sessionID] = in
	return in
}

// Inbox returns the session's inbox if one is open.
func (r *Router) Inbox(sessionID string) (*Inbox[protocol.Message], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.inboxes[sessionID]
	return in, ok
}

// Deliver queues msg for the session. Returns false if no inbox is open.
func (r *Router) Deliver(sessionID string, msg protocol.Message) bool {
	r.mu.RLock()
	in, ok := r.inboxes[sessionID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return in.Push(msg)
}

// Close closes and forgets the session's inbox.
func (r *Router) Close(sessionID string) {
	r.mu.Lock()
	in, ok := r.inboxes[sessionID]
	delete(r.inboxes, sessionID)
	r.mu.Unlock()

	if ok {
		in.Close()
	}
}

// CloseAll closes every inbox.
func (r *Router) CloseAll() {
	r.mu.Lock()
	inboxes := r.inboxes
	r.inboxes = make(map[string]*Inbox[protocol.Message])
	r.mu.Unlock()

	for _, in := range inboxes {
		in.Close()
	}
}

// Stats returns per-session inbox statistics.
func (r *Router) Stats() map[string]InboxStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]InboxStats, len(r.inboxes))
	for id, in := range r.inboxes {
		stats[id] = in.Stats()
	}
	return stats
}
