package connection

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// Errors
var (
	ErrNotConnected     = errors.New("not connected")
	ErrConnectionLost   = errors.New("connection lost before ack")
	ErrReconnectFailed  = errors.New("reconnection attempts exhausted")
	ErrStaleConnection  = errors.New("connection stale (no pong)")
	ErrHistoryTimeout   = errors.New("history load timed out")
	ErrStaleHandle      = errors.New("connection handle no longer current")
	ErrInvalidSessionID = errors.New("session id is empty")
)

// ServerError is an error reported by the server in an ack payload.
type ServerError struct {
	Op      string // event name
	Message string
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Message
}

// State is the lifecycle state of the shared connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Frame is the JSON envelope carried in every WebSocket text message.
type Frame struct {
	Type  string          `json:"type"`            // "event", "request", "ack"
	ID    int64           `json:"id,omitempty"`    // request/ack correlation
	Event string          `json:"event,omitempty"` // event name (event, request)
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame types
const (
	FrameEvent   = "event"
	FrameRequest = "request"
	FrameAck     = "ack"
)

// Listeners receives connection lifecycle and inbound events.
// Nil fields are skipped. Callbacks run on the client's read goroutine and
// must not block.
type Listeners struct {
	OnConnecting func()
	OnConnect    func()
	OnReconnect  func(attempt int)
	OnDisconnect func(err error)
	OnError      func(err error)
	OnEvent      func(event string, data json.RawMessage)
}

// ClientConfig configures a WebSocket client.
type ClientConfig struct {
	URL               string        // WebSocket URL (e.g., ws://localhost:8080/ws)
	Header            http.Header   // Extra handshake headers
	HandshakeTimeout  time.Duration // Dial handshake timeout
	PingInterval      time.Duration // Interval between keepalive pings
	ReadTimeout       time.Duration // Max silence (no frame, no pong) before the connection is stale
	WriteTimeout      time.Duration // Write deadline for sends
	Reconnect         bool          // Reconnect automatically after a drop
	ReconnectAttempts int           // Attempts per outage before giving up
	ReconnectBaseWait time.Duration // Delay before the first attempt
	ReconnectMaxWait  time.Duration // Delay cap
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout:  10 * time.Second,
		PingInterval:      25 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      5 * time.Second,
		Reconnect:         true,
		ReconnectAttempts: 5,
		ReconnectBaseWait: 1 * time.Second,
		ReconnectMaxWait:  5 * time.Second,
	}
}

// ManagerConfig configures the session Manager.
type ManagerConfig struct {
	Client         ClientConfig  // Used when the first session creates the connection
	HistoryTimeout time.Duration // Timeout for a single history-load round trip
	InboxCapacity  int           // Initial per-session inbox capacity
	InboxMax       int           // Per-session inbox bound (oldest dropped beyond it)
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Client:         DefaultClientConfig(),
		HistoryTimeout: 10 * time.Second,
		InboxCapacity:  64,
		InboxMax:       4096,
	}
}
