package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/session-mux/internal/credential"
	"github.com/rickgao/session-mux/internal/metrics"
	"github.com/rickgao/session-mux/internal/protocol"
	"github.com/rickgao/session-mux/internal/router"
)

// Manager multiplexes logical sessions over one shared Client.
type Manager interface {
	// RegisterSession records interest in the shared connection, creating and
	// connecting it if needed. Options only apply when the connection is created.
	RegisterSession(sessionID string, opts ...ConnectOption) *Handle

	// UnregisterSession drops a session. The connection is torn down with the
	// last session.
	UnregisterSession(sessionID string)

	// UnregisterAll drops every session and tears the connection down.
	UnregisterAll()

	// ReconnectSession issues a manual connect if the connection is missing or idle.
	ReconnectSession(sessionID string)

	// SetActiveSession marks the focused session without side effects.
	SetActiveSession(sessionID string)

	// HandleSessionFocus marks the session focused and, if focus changed,
	// reconnects or requests catch-up depending on connection state.
	HandleSessionFocus(sessionID string)

	// LoadSessionHistory replays messages newer than since (or the session's
	// high-water mark when since <= 0). Concurrent calls for one session
	// share a single request.
	LoadSessionHistory(ctx context.Context, sessionID string, since int64) ([]protocol.Message, error)

	// SessionStatus asks the server whether the session has undelivered messages.
	SessionStatus(ctx context.Context, sessionID string) (bool, error)

	// IsConnected reports whether the session is registered and the connection is up.
	IsConnected(sessionID string) bool

	// GetActiveSessions returns a sorted copy of the registered session IDs.
	GetActiveSessions() []string

	// ActiveSession returns the focused session, if any.
	ActiveSession() (string, bool)

	// LastMessageTimestamp returns the session's high-water mark.
	LastMessageTimestamp(sessionID string) (int64, bool)

	// Messages returns the inbox receiving the session's live messages.
	Messages(sessionID string) (*router.Inbox[protocol.Message], bool)

	// State returns the shared connection's state.
	State() State

	// Stats returns current manager statistics.
	Stats() ManagerStats
}

// ManagerStats provides statistics about the session manager.
type ManagerStats struct {
	State         State
	Sessions      int
	ActiveSession string
	ClientID      string
	Inboxes       map[string]router.InboxStats
}

// ConnectOption adjusts the client configuration used to create the connection.
type ConnectOption func(*ClientConfig)

// WithURL overrides the WebSocket URL.
func WithURL(url string) ConnectOption {
	return func(c *ClientConfig) {
		c.URL = url
	}
}

// WithHeader adds a handshake header.
func WithHeader(key, value string) ConnectOption {
	return func(c *ClientConfig) {
		if c.Header == nil {
			c.Header = make(map[string][]string)
		}
		c.Header.Add(key, value)
	}
}

// WithReconnect overrides the reconnection policy.
func WithReconnect(attempts int, base, max time.Duration) ConnectOption {
	return func(c *ClientConfig) {
		c.Reconnect = attempts > 0
		c.ReconnectAttempts = attempts
		c.ReconnectBaseWait = base
		c.ReconnectMaxWait = max
	}
}

// ManagerOption configures optional Manager collaborators.
type ManagerOption func(*manager)

// WithRecorder sets the metrics sink.
func WithRecorder(r metrics.Recorder) ManagerOption {
	return func(m *manager) {
		m.metrics = r
	}
}

// WithClientFactory replaces NewClient, mainly for tests.
func WithClientFactory(f func(ClientConfig, *slog.Logger) Client) ManagerOption {
	return func(m *manager) {
		m.newClient = f
	}
}

// WithClock replaces time.Now for catch-up timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *manager) {
		m.now = now
	}
}

// manager implements the Manager interface.
type manager struct {
	cfg       ManagerConfig
	creds     credential.Store
	logger    *slog.Logger
	metrics   metrics.Recorder
	newClient func(ClientConfig, *slog.Logger) Client
	now       func() time.Time

	mu         sync.Mutex
	client     Client
	generation uint64 // bumped for every new client
	state      State
	registered map[string]struct{}
	active     string // "" when no session is focused
	lastTS     map[string]int64

	inboxes *router.Router

	// In-flight history loads, keyed by session ID
	history singleflight.Group
}

// NewManager creates a session Manager. No connection is made until the
// first session registers.
func NewManager(cfg ManagerConfig, creds credential.Store, logger *slog.Logger, opts ...ManagerOption) Manager {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultManagerConfig()
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = defaults.HistoryTimeout
	}
	if cfg.InboxCapacity <= 0 {
		cfg.InboxCapacity = defaults.InboxCapacity
	}
	if cfg.InboxMax <= 0 {
		cfg.InboxMax = defaults.InboxMax
	}

	m := &manager{
		cfg:        cfg,
		creds:      creds,
		logger:     logger.With("component", "session_manager"),
		metrics:    metrics.Nop{},
		newClient:  NewClient,
		now:        time.Now,
		registered: make(map[string]struct{}),
		lastTS:     make(map[string]int64),
		inboxes:    router.New(cfg.InboxCapacity, cfg.InboxMax),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterSession adds a session and returns a handle to the shared connection.
func (m *manager) RegisterSession(sessionID string, opts ...ConnectOption) *Handle {
	if sessionID == "" {
		m.logger.Warn("ignoring registration without session id")
		return nil
	}

	m.mu.Lock()
	h := m.registerLocked(sessionID, opts)
	n := len(m.registered)
	m.mu.Unlock()

	m.metrics.SessionsRegistered(n)
	return h
}

func (m *manager) registerLocked(sessionID string, opts []ConnectOption) *Handle {
	if m.client == nil {
		m.createLocked(opts)
	}
	if _, ok := m.registered[sessionID]; !ok {
		m.registered[sessionID] = struct{}{}
		m.inboxes.Open(sessionID)
		m.logger.Debug("session registered",
			"session_id", sessionID,
			"sessions", len(m.registered),
		)
	}
	return &Handle{owner: m, client: m.client, generation: m.generation}
}

// createLocked builds the shared client, installs listeners once and connects.
func (m *manager) createLocked(opts []ConnectOption) {
	cfg := m.cfg.Client
	cfg.Header = cfg.Header.Clone()
	for _, opt := range opts {
		opt(&cfg)
	}

	m.generation++
	c := m.newClient(cfg, m.logger)
	c.SetListeners(m.listeners(m.generation))
	m.client = c
	m.state = StateDisconnected

	m.logger.Info("creating shared connection",
		"url", cfg.URL,
		"client_id", c.ID(),
		"generation", m.generation,
	)
	c.Connect()
}

// UnregisterSession removes a session, tearing down the connection with the last one.
func (m *manager) UnregisterSession(sessionID string) {
	m.mu.Lock()
	if _, ok := m.registered[sessionID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.registered, sessionID)
	if m.active == sessionID {
		m.active = ""
	}
	m.inboxes.Close(sessionID)
	var old Client
	if len(m.registered) == 0 {
		old = m.teardownLocked()
	}
	n := len(m.registered)
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	m.logger.Debug("session unregistered", "session_id", sessionID, "sessions", n)
	m.metrics.SessionsRegistered(n)
}

// UnregisterAll drops every session and closes the connection.
func (m *manager) UnregisterAll() {
	m.mu.Lock()
	m.registered = make(map[string]struct{})
	m.active = ""
	m.inboxes.CloseAll()
	old := m.teardownLocked()
	m.mu.Unlock()

	if old != nil {
		old.Disconnect()
	}

	m.metrics.SessionsRegistered(0)
}

// teardownLocked detaches listeners and forgets the client. The caller
// disconnects the returned client after releasing m.mu.
func (m *manager) teardownLocked() Client {
	if m.client == nil {
		return nil
	}
	c := m.client
	c.RemoveAllListeners()
	m.client = nil

	prev := m.state
	m.state = StateDisconnected
	if prev != StateDisconnected {
		m.metrics.ConnectionState(StateDisconnected.String())
	}
	m.logger.Info("shared connection closed", "client_id", c.ID())
	return c
}

// ReconnectSession re-issues connect when nothing is connected or connecting.
func (m *manager) ReconnectSession(sessionID string) {
	m.mu.Lock()
	if m.client == nil {
		if sessionID == "" {
			m.mu.Unlock()
			return
		}
		m.registerLocked(sessionID, nil)
		n := len(m.registered)
		m.mu.Unlock()
		m.metrics.SessionsRegistered(n)
		return
	}

	switch m.state {
	case StateDisconnected:
		m.logger.Info("reconnecting shared connection", "session_id", sessionID)
		m.client.Connect()
	case StateConnecting, StateConnected:
	}
	m.mu.Unlock()
}

// SetActiveSession sets the focused session.
func (m *manager) SetActiveSession(sessionID string) {
	m.mu.Lock()
	m.active = sessionID
	m.mu.Unlock()
}

// HandleSessionFocus focuses a session and catches it up if focus moved.
func (m *manager) HandleSessionFocus(sessionID string) {
	if sessionID == "" {
		return
	}

	m.mu.Lock()
	registeredNow := false
	if _, ok := m.registered[sessionID]; !ok {
		m.registerLocked(sessionID, nil)
		registeredNow = true
	}
	changed := m.active != sessionID
	m.active = sessionID
	state := m.state
	c := m.client
	n := len(m.registered)
	m.mu.Unlock()

	if registeredNow {
		m.metrics.SessionsRegistered(n)
	}
	if !changed {
		return
	}

	switch state {
	case StateDisconnected:
		m.ReconnectSession(sessionID)
	case StateConnected:
		m.emitCatchUp(c, sessionID)
	case StateConnecting:
		// Catch-up waits for the next focus change after the connection settles.
	}
}

// emitCatchUp asks the server for anything missed while unfocused.
func (m *manager) emitCatchUp(c Client, sessionID string) {
	key, err := m.key()
	if err != nil {
		m.logger.Warn("catch-up skipped", "session_id", sessionID, "error", err)
		m.metrics.CatchUp(metrics.ResultFailed)
		return
	}

	req := protocol.CatchUpRequest{
		Key:       key,
		SessionID: sessionID,
		Timestamp: m.now().UnixMilli(),
	}
	if err := c.Emit(protocol.EventCatchUp, req); err != nil {
		m.logger.Warn("catch-up failed", "session_id", sessionID, "error", err)
		m.metrics.CatchUp(metrics.ResultFailed)
		return
	}

	m.logger.Debug("catch-up requested", "session_id", sessionID)
	m.metrics.CatchUp(metrics.ResultOK)
}

// LoadSessionHistory replays the session's history, sharing in-flight loads.
func (m *manager) LoadSessionHistory(ctx context.Context, sessionID string, since int64) ([]protocol.Message, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	ch := m.history.DoChan(sessionID, func() (any, error) {
		return m.fetchHistory(sessionID, since)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]protocol.Message)), nil
	}
}

// fetchHistory performs one history-load round trip.
func (m *manager) fetchHistory(sessionID string, since int64) ([]protocol.Message, error) {
	start := time.Now()

	m.mu.Lock()
	c := m.client
	state := m.state
	last := m.lastTS[sessionID]
	m.mu.Unlock()

	if c == nil || state != StateConnected {
		m.metrics.HistoryLoad(metrics.ResultNotConnected, 0, 0)
		return nil, ErrNotConnected
	}

	if since <= 0 {
		since = last
	}

	key, err := m.key()
	if err != nil {
		m.metrics.HistoryLoad(metrics.ResultFailed, time.Since(start), 0)
		return nil, fmt.Errorf("history load %s: %w", sessionID, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HistoryTimeout)
	defer cancel()

	raw, err := c.Request(ctx, protocol.EventHistoryLoad, protocol.HistoryRequest{
		Key:            key,
		SessionID:      sessionID,
		SinceTimestamp: since,
		Replay:         true,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			m.logger.Warn("history load timed out",
				"session_id", sessionID,
				"timeout", m.cfg.HistoryTimeout,
			)
			m.metrics.HistoryLoad(metrics.ResultTimeout, time.Since(start), 0)
			return nil, ErrHistoryTimeout
		}
		m.logger.Warn("history load failed", "session_id", sessionID, "error", err)
		m.metrics.HistoryLoad(metrics.ResultFailed, time.Since(start), 0)
		return nil, fmt.Errorf("history load %s: %w", sessionID, err)
	}

	var resp protocol.HistoryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.metrics.HistoryLoad(metrics.ResultFailed, time.Since(start), 0)
		return nil, fmt.Errorf("decode history response: %w", err)
	}
	if resp.Error != "" {
		m.logger.Warn("server rejected history load",
			"session_id", sessionID,
			"error", resp.Error,
		)
		m.metrics.HistoryLoad(metrics.ResultServerError, time.Since(start), 0)
		return nil, &ServerError{Op: protocol.EventHistoryLoad, Message: resp.Error}
	}

	msgs := resp.Messages
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	if len(msgs) > 0 {
		newest := msgs[0].Timestamp
		for _, msg := range msgs[1:] {
			newest = max(newest, msg.Timestamp)
		}
		m.mu.Lock()
		m.advanceLocked(sessionID, newest)
		m.mu.Unlock()
	}

	m.logger.Debug("history loaded",
		"session_id", sessionID,
		"since", since,
		"messages", len(msgs),
		"duration", time.Since(start),
	)
	m.metrics.HistoryLoad(metrics.ResultOK, time.Since(start), len(msgs))
	return msgs, nil
}

// SessionStatus queries the server for undelivered messages.
func (m *manager) SessionStatus(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, ErrInvalidSessionID
	}

	m.mu.Lock()
	c := m.client
	state := m.state
	m.mu.Unlock()

	if c == nil || state != StateConnected {
		return false, ErrNotConnected
	}

	key, err := m.key()
	if err != nil {
		return false, fmt.Errorf("session status %s: %w", sessionID, err)
	}

	raw, err := c.Request(ctx, protocol.EventSessionStatus, protocol.SessionStatusRequest{
		Key:       key,
		SessionID: sessionID,
	})
	if err != nil {
		return false, fmt.Errorf("session status %s: %w", sessionID, err)
	}

	var resp protocol.SessionStatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return false, fmt.Errorf("decode session status: %w", err)
	}
	if resp.Error != "" {
		return false, &ServerError{Op: protocol.EventSessionStatus, Message: resp.Error}
	}
	return resp.HasPendingMessages, nil
}

func (m *manager) IsConnected(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.registered[sessionID]
	return ok && m.client != nil && m.state == StateConnected
}

func (m *manager) GetActiveSessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.registered))
}

func (m *manager) ActiveSession() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.active != ""
}

func (m *manager) LastMessageTimestamp(sessionID string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.lastTS[sessionID]
	return ts, ok
}

func (m *manager) Messages(sessionID string) (*router.Inbox[protocol.Message], bool) {
	return m.inboxes.Inbox(sessionID)
}

func (m *manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns current statistics.
func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{
		State:         m.state,
		Sessions:      len(m.registered),
		ActiveSession: m.active,
	}
	if m.client != nil {
		stats.ClientID = m.client.ID()
	}
	m.mu.Unlock()

	stats.Inboxes = m.inboxes.Stats()
	return stats
}

// listeners builds the lifecycle listeners for one client generation.
func (m *manager) listeners(gen uint64) Listeners {
	return Listeners{
		OnConnecting: func() {
			m.transition(gen, StateConnecting, nil)
		},
		OnConnect: func() {
			m.transition(gen, StateConnected, nil)
		},
		OnReconnect: func(attempt int) {
			m.logger.Info("reconnected", "attempts", attempt)
			m.transition(gen, StateConnected, nil)
		},
		OnDisconnect: func(err error) {
			m.transition(gen, StateDisconnected, err)
		},
		OnError: func(err error) {
			if !m.isCurrent(gen) {
				return
			}
			m.logger.Warn("connection error", "error", err)
			m.metrics.ConnectionError()
		},
		OnEvent: func(event string, data json.RawMessage) {
			m.handleEvent(gen, event, data)
		},
	}
}

// transition applies a lifecycle event from the client of generation gen.
func (m *manager) transition(gen uint64, next State, err error) {
	m.mu.Lock()
	if m.client == nil || gen != m.generation {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	m.mu.Unlock()

	if prev == next {
		return
	}

	switch next {
	case StateConnected:
		m.logger.Info("connection established", "from", prev)
	case StateConnecting:
		m.logger.Debug("connection connecting", "from", prev)
	case StateDisconnected:
		m.logger.Warn("connection down", "from", prev, "error", err)
	}
	m.metrics.ConnectionState(next.String())
}

// handleEvent routes server-pushed events.
func (m *manager) handleEvent(gen uint64, event string, data json.RawMessage) {
	if event != protocol.EventSessionMessage {
		m.logger.Debug("unhandled event", "event", event)
		return
	}

	var sm protocol.SessionMessage
	if err := json.Unmarshal(data, &sm); err != nil {
		m.logger.Warn("bad session message", "error", err)
		return
	}
	sessionID := sm.SessionID
	if sessionID == "" {
		sessionID = sm.Message.SessionID
	}
	if sm.Message.SessionID == "" {
		sm.Message.SessionID = sessionID
	}

	m.mu.Lock()
	if m.client == nil || gen != m.generation {
		m.mu.Unlock()
		return
	}
	_, registered := m.registered[sessionID]
	m.mu.Unlock()

	delivered := registered && m.inboxes.Deliver(sessionID, sm.Message)
	if !delivered {
		m.logger.Debug("dropping message for unregistered session", "session_id", sessionID)
	}
	m.metrics.InboundMessage(delivered)
}

// advanceLocked moves the session's high-water mark forward only. Only
// history loads call it; live pushes can arrive ahead of an unreplayed backlog.
func (m *manager) advanceLocked(sessionID string, ts int64) {
	if ts > m.lastTS[sessionID] {
		m.lastTS[sessionID] = ts
	}
}

func (m *manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client != nil && gen == m.generation
}

// key reads the access key. A missing key is sent as empty and left for the
// server to reject.
func (m *manager) key() (string, error) {
	if m.creds == nil {
		return "", nil
	}
	key, err := m.creds.Key()
	if errors.Is(err, credential.ErrNoKey) {
		return "", nil
	}
	return key, err
}
