// Package sessiontest provides an in-process session server speaking the
// shared-connection protocol, for tests and local development.
package sessiontest

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/session-mux/internal/protocol"
)

// frame mirrors the client's wire envelope.
type frame struct {
	Type  string          `json:"type"`
	ID    int64           `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// peer is one accepted connection.
type peer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *peer) write(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is a fake session server. The zero value is not usable; use New.
type Server struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu           sync.Mutex
	peers        map[*peer]struct{}
	accepted     int
	headers      []http.Header
	counts       map[string]int
	requests     map[string][]json.RawMessage
	history      map[string][]protocol.Message
	pending      map[string]bool
	historyDelay time.Duration
	holdHistory  bool
	requiredKey  string
	refuse       bool
}

// New creates a Server. It serves HTTP through ServeHTTP.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		logger: logger.With("component", "sessiontest"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers:    make(map[*peer]struct{}),
		counts:   make(map[string]int),
		requests: make(map[string][]json.RawMessage),
		history:  make(map[string][]protocol.Message),
		pending:  make(map[string]bool),
	}
}

// WSURL converts an http(s) base URL to its ws(s) equivalent.
func WSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// SetHistory replaces the stored messages for a session.
func (s *Server) SetHistory(sessionID string, msgs []protocol.Message) {
	s.mu.Lock()
	s.history[sessionID] = append([]protocol.Message(nil), msgs...)
	s.mu.Unlock()
}

// AppendHistory adds messages to the end of a session's stored history.
func (s *Server) AppendHistory(sessionID string, msgs ...protocol.Message) {
	s.mu.Lock()
	s.history[sessionID] = append(s.history[sessionID], msgs...)
	s.mu.Unlock()
}

// SetHistoryDelay delays every history-load ack.
func (s *Server) SetHistoryDelay(d time.Duration) {
	s.mu.Lock()
	s.historyDelay = d
	s.mu.Unlock()
}

// HoldHistory makes the server never ack history-load requests.
func (s *Server) HoldHistory(hold bool) {
	s.mu.Lock()
	s.holdHistory = hold
	s.mu.Unlock()
}

// SetPending sets the session-status answer for a session.
func (s *Server) SetPending(sessionID string, pending bool) {
	s.mu.Lock()
	s.pending[sessionID] = pending
	s.mu.Unlock()
}

// RequireKey rejects requests whose key differs from key. Empty disables the check.
func (s *Server) RequireKey(key string) {
	s.mu.Lock()
	s.requiredKey = key
	s.mu.Unlock()
}

// Refuse makes the server reject new WebSocket upgrades.
func (s *Server) Refuse(refuse bool) {
	s.mu.Lock()
	s.refuse = refuse
	s.mu.Unlock()
}

// Count returns how many frames were received for event.
func (s *Server) Count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[event]
}

// Requests returns the raw payloads received for event, oldest first.
func (s *Server) Requests(event string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.requests[event]...)
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Open returns the number of currently open connections.
func (s *Server) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Headers returns the handshake headers of every accepted connection.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

// Push sends a session-message event to every open connection and returns
// how many received it.
func (s *Server) Push(sessionID string, msg protocol.Message) int {
	data, err := json.Marshal(protocol.SessionMessage{SessionID: sessionID, Message: msg})
	if err != nil {
		return 0
	}
	sent := 0
	for _, p := range s.snapshot() {
		if err := p.write(frame{Type: "event", Event: protocol.EventSessionMessage, Data: data}); err == nil {
			sent++
		}
	}
	return sent
}

// DropAll closes every open connection without a close handshake.
func (s *Server) DropAll() {
	for _, p := range s.snapshot() {
		p.conn.Close()
	}
}

func (s *Server) snapshot() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// ServeHTTP upgrades the request and serves frames until the peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refuse := s.refuse
	s.mu.Unlock()
	if refuse {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.accepted++
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		conn.Close()
	}()

	s.logger.Debug("client connected", "client_id", r.Header.Get("X-Client-ID"))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.handle(p, f)
	}
}

func (s *Server) handle(p *peer, f frame) {
	s.mu.Lock()
	s.counts[f.Event]++
	s.requests[f.Event] = append(s.requests[f.Event], f.Data)
	s.mu.Unlock()

	if f.Type != "request" {
		return
	}

	switch f.Event {
	case protocol.EventHistoryLoad:
		go s.answerHistory(p, f)
	case protocol.EventSessionStatus:
		var req protocol.SessionStatusRequest
		json.Unmarshal(f.Data, &req)

		s.mu.Lock()
		resp := protocol.SessionStatusResponse{HasPendingMessages: s.pending[req.SessionID]}
		if !s.keyOK(req.Key) {
			resp = protocol.SessionStatusResponse{Error: "invalid key"}
		}
		s.mu.Unlock()
		s.ack(p, f.ID, resp)
	default:
		s.ack(p, f.ID, map[string]string{"error": "unknown event " + f.Event})
	}
}

func (s *Server) answerHistory(p *peer, f frame) {
	var req protocol.HistoryRequest
	json.Unmarshal(f.Data, &req)

	s.mu.Lock()
	hold := s.holdHistory
	delay := s.historyDelay
	keyOK := s.keyOK(req.Key)
	var msgs []protocol.Message
	for _, m := range s.history[req.SessionID] {
		if m.Timestamp > req.SinceTimestamp {
			msgs = append(msgs, m)
		}
	}
	s.mu.Unlock()

	if hold {
		return
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	if !keyOK {
		s.ack(p, f.ID, protocol.HistoryResponse{Error: "invalid key"})
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	s.ack(p, f.ID, protocol.HistoryResponse{Messages: msgs, MessageCount: len(msgs)})
}

// keyOK requires s.mu.
func (s *Server) keyOK(key string) bool {
	return s.requiredKey == "" || key == s.requiredKey
}

func (s *Server) ack(p *peer, id int64, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.write(frame{Type: "ack", ID: id, Data: data}); err != nil {
		s.logger.Debug("ack write failed", "error", err)
	}
}
