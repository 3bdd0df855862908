package connection

// Handle is a session's reference to the shared connection. It goes stale
// when the connection it was issued for is torn down; re-register to get a
// fresh one.
type Handle struct {
	owner      *manager
	client     Client
	generation uint64
}

// Valid reports whether the handle still refers to the live connection.
func (h *Handle) Valid() bool {
	if h == nil || h.owner == nil {
		return false
	}
	return h.owner.isCurrent(h.generation)
}

// ClientID returns the ID of the connection the handle was issued for.
func (h *Handle) ClientID() string {
	if h == nil || h.client == nil {
		return ""
	}
	return h.client.ID()
}

// State returns the shared connection state, or StateDisconnected if stale.
func (h *Handle) State() State {
	if !h.Valid() {
		return StateDisconnected
	}
	return h.owner.State()
}

// Emit sends a fire-and-forget event over the shared connection.
func (h *Handle) Emit(event string, payload any) error {
	if !h.Valid() {
		return ErrStaleHandle
	}
	return h.client.Emit(event, payload)
}
