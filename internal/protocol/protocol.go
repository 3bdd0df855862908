// Package protocol defines the named events and payloads exchanged with the
// session server over the shared connection.
package protocol

import "encoding/json"

// Event names.
const (
	// Client → Server
	EventCatchUp       = "catch-up"       // fire-and-forget
	EventSessionStatus = "session-status" // request, acked with SessionStatusResponse
	EventHistoryLoad   = "history-load"   // request, acked with HistoryResponse

	// Server → Client
	EventSessionMessage = "session-message"
)

// Message is a single session message as stored and replayed by the server.
type Message struct {
	ID        string          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Type      string          `json:"type,omitempty"` // "output", "input", "assistant", ...
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix millis
}

// CatchUpRequest asks the server to push anything missed while the session
// was not focused.
type CatchUpRequest struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp"` // Unix millis, client wall clock
}

// SessionStatusRequest queries whether the server holds undelivered messages.
type SessionStatusRequest struct {
	Key       string `json:"key"`
	SessionID string `json:"sessionId"`
}

// SessionStatusResponse is the ack payload for session-status.
type SessionStatusResponse struct {
	HasPendingMessages bool   `json:"hasPendingMessages"`
	Error              string `json:"error,omitempty"`
}

// HistoryRequest asks for every message newer than SinceTimestamp.
type HistoryRequest struct {
	Key            string `json:"key"`
	SessionID      string `json:"sessionId"`
	SinceTimestamp int64  `json:"sinceTimestamp"`
	Replay         bool   `json:"replay"`
}

// HistoryResponse is the ack payload for history-load.
type HistoryResponse struct {
	Messages     []Message `json:"messages"`
	MessageCount int       `json:"messageCount"`
	Error        string    `json:"error,omitempty"`
}

// SessionMessage is pushed by the server for live output on a session.
type SessionMessage struct {
	SessionID string  `json:"sessionId"`
	Message   Message `json:"message"`
}
