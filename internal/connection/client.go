package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client represents the single WebSocket connection shared by all sessions.
type Client interface {
	// ID returns the client identifier sent in the handshake.
	ID() string

	// Connect starts connecting in the background. It is a no-op while a
	// connect/reconnect run is already active.
	Connect()

	// Disconnect closes the connection and stops automatic reconnection.
	Disconnect()

	// State returns the current lifecycle state.
	State() State

	// Emit sends a fire-and-forget event.
	Emit(event string, payload any) error

	// Request sends an event and waits for the server's ack.
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)

	// SetListeners replaces the lifecycle and event listeners.
	SetListeners(l Listeners)

	// RemoveAllListeners detaches every listener.
	RemoveAllListeners()
}

// client implements the Client interface.
type client struct {
	cfg    ClientConfig
	logger *slog.Logger
	id     string

	// State
	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	listeners Listeners
	running   bool
	stop      chan struct{} // closed by Disconnect; identifies the current run

	// Write serialization
	writeMu sync.Mutex

	// Request/ack correlation
	pendingMu sync.Mutex
	pending   map[int64]chan ackResult
	cmdID     atomic.Int64
}

type ackResult struct {
	data json.RawMessage
	err  error
}

// NewClient creates a new WebSocket client. It does not connect.
func NewClient(cfg ClientConfig, logger *slog.Logger) Client {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()

	return &client{
		cfg:     cfg,
		logger:  logger.With("client_id", id),
		id:      id,
		pending: make(map[int64]chan ackResult),
	}
}

func (c *client) ID() string {
	return c.id
}

// Connect starts the connect loop.
func (c *client) Connect() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go c.run(stop)
}

// Disconnect closes the connection and ends the current run.
func (c *client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	close(c.stop)
	c.stop = nil
	c.running = false
	conn := c.conn
	c.conn = nil
	prev := c.state
	c.state = StateDisconnected
	l := c.listeners
	c.mu.Unlock()

	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	c.failPending(ErrConnectionLost)

	if prev != StateDisconnected && l.OnDisconnect != nil {
		l.OnDisconnect(nil)
	}
	c.logger.Debug("websocket disconnected", "url", c.cfg.URL)
}

func (c *client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *client) SetListeners(l Listeners) {
	c.mu.Lock()
	c.listeners = l
	c.mu.Unlock()
}

func (c *client) RemoveAllListeners() {
	c.mu.Lock()
	c.listeners = Listeners{}
	c.mu.Unlock()
}

// Emit sends an event frame.
func (c *client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return c.writeFrame(Frame{Type: FrameEvent, Event: event, Data: data})
}

// Request sends a request frame and waits for the matching ack.
func (c *client) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}

	id := c.cmdID.Add(1)
	respCh := make(chan ackResult, 1)

	c.pendingMu.Lock()
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(Frame{Type: FrameRequest, ID: id, Event: event, Data: data}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-respCh:
		return res.data, res.err
	}
}

func (c *client) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run dials, serves and reconnects until stopped or out of attempts.
func (c *client) run(stop chan struct{}) {
	attempt := 0
	reconnecting := false

	for {
		if !c.setState(stop, StateConnecting, nil) {
			return
		}

		conn, err := c.dial(stop)
		if err == nil {
			if !c.attach(stop, conn, reconnecting, attempt) {
				conn.Close()
				return
			}
			attempt = 0

			err = c.serve(conn)
			c.detach(stop, conn, err)

			if stopped(stop) {
				return
			}
			if !c.cfg.Reconnect {
				c.finish(stop)
				return
			}
			c.logger.Warn("connection lost, reconnecting", "error", err)
		} else {
			if stopped(stop) {
				return
			}
			c.logger.Warn("dial failed", "attempt", attempt, "error", err)
			c.fireError(stop, err)

			if !c.cfg.Reconnect {
				c.setState(stop, StateDisconnected, err)
				c.finish(stop)
				return
			}
		}

		reconnecting = true
		attempt++
		if attempt > c.cfg.ReconnectAttempts {
			c.logger.Error("giving up reconnecting", "attempts", c.cfg.ReconnectAttempts)
			c.setState(stop, StateDisconnected, ErrReconnectFailed)
			c.fireError(stop, ErrReconnectFailed)
			c.finish(stop)
			return
		}

		if !sleep(stop, c.backoff(attempt)) {
			return
		}
	}
}

// dial opens the WebSocket, aborting if stop is closed.
func (c *client) dial(stop chan struct{}) (*websocket.Conn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	header := http.Header{}
	for k, v := range c.cfg.Header {
		header[k] = append([]string(nil), v...)
	}
	header.Set("X-Client-ID", c.id)

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// attach publishes a fresh connection if the run is still current.
func (c *client) attach(stop chan struct{}, conn *websocket.Conn, reconnecting bool, attempt int) bool {
	c.mu.Lock()
	if c.stop != stop {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.state = StateConnected
	l := c.listeners
	c.mu.Unlock()

	c.logger.Debug("websocket connected", "url", c.cfg.URL, "reconnect", reconnecting)

	if reconnecting {
		if l.OnReconnect != nil {
			l.OnReconnect(attempt)
		}
	} else if l.OnConnect != nil {
		l.OnConnect()
	}
	return true
}

// detach clears a dropped connection and fails its pending requests.
func (c *client) detach(stop chan struct{}, conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.stop == stop
	if c.conn == conn {
		c.conn = nil
	}
	if current {
		c.state = StateDisconnected
	}
	l := c.listeners
	c.mu.Unlock()

	conn.Close()
	if !current {
		return
	}

	c.failPending(ErrConnectionLost)
	if l.OnDisconnect != nil {
		l.OnDisconnect(err)
	}
}

// finish marks the run as ended so a later Connect starts a new one.
func (c *client) finish(stop chan struct{}) {
	c.mu.Lock()
	if c.stop == stop {
		c.running = false
		c.stop = nil
	}
	c.mu.Unlock()
}

// setState applies a transition for the current run and notifies listeners.
// Returns false if the run has been superseded.
func (c *client) setState(stop chan struct{}, next State, err error) bool {
	c.mu.Lock()
	if c.stop != stop {
		c.mu.Unlock()
		return false
	}
	c.state = next
	l := c.listeners
	c.mu.Unlock()

	switch next {
	case StateConnecting:
		if l.OnConnecting != nil {
			l.OnConnecting()
		}
	case StateDisconnected:
		if l.OnDisconnect != nil {
			l.OnDisconnect(err)
		}
	case StateConnected:
		// Reported by attach, which knows connect from reconnect.
	}
	return true
}

func (c *client) fireError(stop chan struct{}, err error) {
	c.mu.Lock()
	current := c.stop == stop
	l := c.listeners
	c.mu.Unlock()

	if current && l.OnError != nil {
		l.OnError(err)
	}
}

// serve reads frames until the connection fails.
func (c *client) serve(conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)

	c.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline(conn)
		return nil
	})

	go c.heartbeatLoop(conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: %v", ErrStaleConnection, err)
			}
			return err
		}
		c.extendReadDeadline(conn)

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("bad frame", "error", err)
			continue
		}

		switch f.Type {
		case FrameAck:
			c.routeAck(f)
		case FrameEvent:
			c.mu.Lock()
			onEvent := c.listeners.OnEvent
			c.mu.Unlock()
			if onEvent != nil {
				onEvent(f.Event, f.Data)
			}
		default:
			c.logger.Debug("unexpected frame", "type", f.Type, "event", f.Event)
		}
	}
}

func (c *client) extendReadDeadline(conn *websocket.Conn) {
	if c.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
}

// heartbeatLoop pings the server so the read deadline keeps moving.
func (c *client) heartbeatLoop(conn *websocket.Conn, done <-chan struct{}) {
	if c.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}
		}
	}
}

// routeAck sends an ack to the waiting request.
func (c *client) routeAck(f Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- ackResult{data: f.Data}
	} else {
		c.logger.Debug("ack for unknown request", "id", f.ID)
	}
}

func (c *client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- ackResult{err: err}
		delete(c.pending, id)
	}
}

// backoff returns the delay before reconnect attempt n (1-based).
func (c *client) backoff(n int) time.Duration {
	wait := c.cfg.ReconnectBaseWait << (n - 1)
	if wait <= 0 || wait > c.cfg.ReconnectMaxWait {
		wait = c.cfg.ReconnectMaxWait
	}
	return wait
}

func stopped(stop chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func sleep(stop chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}
