package connection

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/session-mux/internal/protocol"
	"github.com/rickgao/session-mux/internal/sessiontest"
)

// newTestServer starts a fake session server.
func newTestServer(t *testing.T) (*sessiontest.Server, string) {
	t.Helper()
	srv := sessiontest.New(nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.DropAll()
		ts.Close()
	})
	return srv, sessiontest.WSURL(ts.URL)
}

func testClientConfig(url string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.URL = url
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.ReconnectBaseWait = 10 * time.Millisecond
	cfg.ReconnectMaxWait = 50 * time.Millisecond
	return cfg
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitConnected waits until both ends have seen the connection.
func waitConnected(t *testing.T, srv *sessiontest.Server, c Client, open int) {
	t.Helper()
	waitFor(t, "client connected", func() bool { return c.State() == StateConnected })
	waitFor(t, "server accepted", func() bool { return srv.Open() == open })
}

// lifecycle records listener invocations.
type lifecycle struct {
	mu        sync.Mutex
	events    []string
	errs      []error
	reconnect []int
	inbound   []string
}

func (l *lifecycle) add(name string) {
	l.mu.Lock()
	l.events = append(l.events, name)
	l.mu.Unlock()
}

func (l *lifecycle) listeners() Listeners {
	return Listeners{
		OnConnecting: func() { l.add("connecting") },
		OnConnect:    func() { l.add("connect") },
		OnReconnect: func(attempt int) {
			l.mu.Lock()
			l.reconnect = append(l.reconnect, attempt)
			l.mu.Unlock()
			l.add("reconnect")
		},
		OnDisconnect: func(error) { l.add("disconnect") },
		OnError: func(err error) {
			l.mu.Lock()
			l.errs = append(l.errs, err)
			l.mu.Unlock()
			l.add("error")
		},
		OnEvent: func(event string, _ json.RawMessage) {
			l.mu.Lock()
			l.inbound = append(l.inbound, event)
			l.mu.Unlock()
		},
	}
}

func (l *lifecycle) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

func (l *lifecycle) hasError(target error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, err := range l.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestClient_Connect(t *testing.T) {
	srv, url := newTestServer(t)

	var lc lifecycle
	client := NewClient(testClientConfig(url), nil)
	client.SetListeners(lc.listeners())

	if client.State() != StateDisconnected {
		t.Fatalf("expected disconnected before Connect, got %s", client.State())
	}

	client.Connect()
	defer client.Disconnect()

	waitConnected(t, srv, client, 1)

	if lc.count("connecting") != 1 {
		t.Errorf("expected 1 connecting event, got %d", lc.count("connecting"))
	}
	if lc.count("connect") != 1 {
		t.Errorf("expected 1 connect event, got %d", lc.count("connect"))
	}

	headers := srv.Headers()
	if len(headers) != 1 {
		t.Fatalf("expected 1 handshake, got %d", len(headers))
	}
	if got := headers[0].Get("X-Client-ID"); got != client.ID() {
		t.Errorf("X-Client-ID = %q, want %q", got, client.ID())
	}
}

func TestClient_ConnectIdempotent(t *testing.T) {
	srv, url := newTestServer(t)

	client := NewClient(testClientConfig(url), nil)
	client.Connect()
	client.Connect()
	defer client.Disconnect()

	waitConnected(t, srv, client, 1)
	time.Sleep(20 * time.Millisecond)

	if srv.Accepted() != 1 {
		t.Errorf("expected 1 connection, got %d", srv.Accepted())
	}
}

func TestClient_HeaderPassthrough(t *testing.T) {
	srv, url := newTestServer(t)

	cfg := testClientConfig(url)
	cfg.Header = map[string][]string{"X-Session-Host": {"laptop"}}
	client := NewClient(cfg, nil)
	client.Connect()
	defer client.Disconnect()

	waitConnected(t, srv, client, 1)

	if got := srv.Headers()[0].Get("X-Session-Host"); got != "laptop" {
		t.Errorf("X-Session-Host = %q, want laptop", got)
	}
}

func TestClient_EmitNotConnected(t *testing.T) {
	client := NewClient(testClientConfig("ws://127.0.0.1:1"), nil)

	if err := client.Emit(protocol.EventCatchUp, protocol.CatchUpRequest{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := client.Request(context.Background(), protocol.EventHistoryLoad, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_Emit(t *testing.T) {
	srv, url := newTestServer(t)

	client := NewClient(testClientConfig(url), nil)
	client.Connect()
	defer client.Disconnect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })

	req := protocol.CatchUpRequest{Key: "k", SessionID: "s1", Timestamp: 42}
	if err := client.Emit(protocol.EventCatchUp, req); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	waitFor(t, "catch-up", func() bool { return srv.Count(protocol.EventCatchUp) == 1 })

	var got protocol.CatchUpRequest
	if err := json.Unmarshal(srv.Requests(protocol.EventCatchUp)[0], &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != req {
		t.Errorf("server got %+v, want %+v", got, req)
	}
}

func TestClient_Request(t *testing.T) {
	srv, url := newTestServer(t)
	srv.SetHistory("s1", []protocol.Message{
		{ID: "a", Timestamp: 100},
		{ID: "b", Timestamp: 200},
	})

	client := NewClient(testClientConfig(url), nil)
	client.Connect()
	defer client.Disconnect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })

	raw, err := client.Request(context.Background(), protocol.EventHistoryLoad, protocol.HistoryRequest{
		SessionID:      "s1",
		SinceTimestamp: 100,
		Replay:         true,
	})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}

	var resp protocol.HistoryResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.MessageCount != 1 || len(resp.Messages) != 1 || resp.Messages[0].ID != "b" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestClient_RequestContextTimeout(t *testing.T) {
	srv, url := newTestServer(t)
	srv.HoldHistory(true)

	client := NewClient(testClientConfig(url), nil)
	client.Connect()
	defer client.Disconnect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Request(ctx, protocol.EventHistoryLoad, protocol.HistoryRequest{SessionID: "s1"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestClient_DisconnectFailsPending(t *testing.T) {
	srv, url := newTestServer(t)
	srv.HoldHistory(true)

	client := NewClient(testClientConfig(url), nil)
	client.Connect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Request(context.Background(), protocol.EventHistoryLoad, protocol.HistoryRequest{SessionID: "s1"})
		errCh <- err
	}()

	waitFor(t, "request sent", func() bool { return srv.Count(protocol.EventHistoryLoad) == 1 })
	client.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on Disconnect")
	}
}

func TestClient_Disconnect(t *testing.T) {
	srv, url := newTestServer(t)

	var lc lifecycle
	client := NewClient(testClientConfig(url), nil)
	client.SetListeners(lc.listeners())
	client.Connect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })

	client.Disconnect()
	client.Disconnect()

	if client.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", client.State())
	}
	if lc.count("disconnect") != 1 {
		t.Errorf("expected 1 disconnect event, got %d", lc.count("disconnect"))
	}
	waitFor(t, "server close", func() bool { return srv.Open() == 0 })

	// No reconnect after a manual disconnect
	time.Sleep(50 * time.Millisecond)
	if srv.Accepted() != 1 {
		t.Errorf("expected no reconnect, got %d connections", srv.Accepted())
	}
}

func TestClient_ReconnectAfterDrop(t *testing.T) {
	srv, url := newTestServer(t)

	var lc lifecycle
	client := NewClient(testClientConfig(url), nil)
	client.SetListeners(lc.listeners())
	client.Connect()
	defer client.Disconnect()
	waitConnected(t, srv, client, 1)

	srv.DropAll()

	waitFor(t, "reconnect", func() bool { return lc.count("reconnect") == 1 })
	waitFor(t, "second connection", func() bool { return srv.Accepted() == 2 })

	if lc.count("disconnect") < 1 {
		t.Error("expected a disconnect event before reconnect")
	}
	lc.mu.Lock()
	attempt := lc.reconnect[0]
	lc.mu.Unlock()
	if attempt != 1 {
		t.Errorf("expected reconnect on attempt 1, got %d", attempt)
	}
	if client.State() != StateConnected {
		t.Errorf("expected connected after reconnect, got %s", client.State())
	}
}

func TestClient_GivesUpAfterAttempts(t *testing.T) {
	srv, url := newTestServer(t)
	srv.Refuse(true)

	cfg := testClientConfig(url)
	cfg.ReconnectAttempts = 2
	cfg.ReconnectBaseWait = 5 * time.Millisecond
	cfg.ReconnectMaxWait = 5 * time.Millisecond

	var lc lifecycle
	client := NewClient(cfg, nil)
	client.SetListeners(lc.listeners())
	client.Connect()
	defer client.Disconnect()

	waitFor(t, "give up", func() bool { return lc.hasError(ErrReconnectFailed) })

	if client.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", client.State())
	}
	// Initial dial plus two retries
	if n := lc.count("connecting"); n != 3 {
		t.Errorf("expected 3 connecting events, got %d", n)
	}

	// A fresh Connect starts a new run
	srv.Refuse(false)
	client.Connect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })
}

func TestClient_NoReconnect(t *testing.T) {
	srv, url := newTestServer(t)

	cfg := testClientConfig(url)
	cfg.Reconnect = false

	client := NewClient(cfg, nil)
	client.Connect()
	defer client.Disconnect()
	waitConnected(t, srv, client, 1)

	srv.DropAll()
	waitFor(t, "disconnect", func() bool { return client.State() == StateDisconnected })

	time.Sleep(50 * time.Millisecond)
	if srv.Accepted() != 1 {
		t.Errorf("expected no reconnect, got %d connections", srv.Accepted())
	}
}

func TestClient_Events(t *testing.T) {
	srv, url := newTestServer(t)

	var lc lifecycle
	client := NewClient(testClientConfig(url), nil)
	client.SetListeners(lc.listeners())
	client.Connect()
	defer client.Disconnect()
	waitConnected(t, srv, client, 1)

	if n := srv.Push("s1", protocol.Message{ID: "m1", Timestamp: 1}); n != 1 {
		t.Fatalf("expected push to 1 connection, got %d", n)
	}

	waitFor(t, "event", func() bool {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		return len(lc.inbound) == 1
	})
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.inbound[0] != protocol.EventSessionMessage {
		t.Errorf("expected %s, got %s", protocol.EventSessionMessage, lc.inbound[0])
	}
}

func TestClient_RemoveAllListeners(t *testing.T) {
	_, url := newTestServer(t)

	var lc lifecycle
	client := NewClient(testClientConfig(url), nil)
	client.SetListeners(lc.listeners())
	client.RemoveAllListeners()
	client.Connect()
	waitFor(t, "connect", func() bool { return client.State() == StateConnected })
	client.Disconnect()

	lc.mu.Lock()
	defer lc.mu.Unlock()
	if len(lc.events) != 0 {
		t.Errorf("expected no listener calls, got %v", lc.events)
	}
}

func TestClient_Backoff(t *testing.T) {
	c := &client{cfg: ClientConfig{
		ReconnectBaseWait: time.Second,
		ReconnectMaxWait:  5 * time.Second,
	}}

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestServerError(t *testing.T) {
	err := &ServerError{Op: protocol.EventHistoryLoad, Message: "invalid key"}
	if err.Error() != "history-load: invalid key" {
		t.Errorf("unexpected error string: %q", err.Error())
	}
}

func TestDefaultConfigs(t *testing.T) {
	cc := DefaultClientConfig()
	if !cc.Reconnect {
		t.Error("expected reconnect enabled by default")
	}
	if cc.ReconnectAttempts != 5 {
		t.Errorf("expected 5 reconnect attempts, got %d", cc.ReconnectAttempts)
	}
	if cc.ReconnectBaseWait != time.Second || cc.ReconnectMaxWait != 5*time.Second {
		t.Errorf("unexpected backoff bounds: %v..%v", cc.ReconnectBaseWait, cc.ReconnectMaxWait)
	}

	mc := DefaultManagerConfig()
	if mc.HistoryTimeout != 10*time.Second {
		t.Errorf("expected 10s history timeout, got %v", mc.HistoryTimeout)
	}
	if mc.InboxCapacity <= 0 || mc.InboxMax < mc.InboxCapacity {
		t.Errorf("bad inbox bounds: %d/%d", mc.InboxCapacity, mc.InboxMax)
	}
}

func TestClient_StaleConnection(t *testing.T) {
	// A server that upgrades and then goes silent.
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		ts.Close()
	})

	cfg := testClientConfig(sessiontest.WSURL(ts.URL))
	cfg.PingInterval = time.Hour
	cfg.ReadTimeout = 100 * time.Millisecond
	cfg.Reconnect = false

	errCh := make(chan error, 1)
	client := NewClient(cfg, nil)
	client.SetListeners(Listeners{
		OnDisconnect: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	})
	client.Connect()
	defer client.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStaleConnection) {
			t.Errorf("disconnect error = %v, want ErrStaleConnection", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for stale disconnect")
	}
}
