// mockserver runs a local session server with generated history and a steady
// stream of live output, for trying sessionmux without a real backend.
// Usage: go run ./cmd/mockserver -addr :8080 -sessions build,chat
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/session-mux/internal/config"
	"github.com/rickgao/session-mux/internal/protocol"
	"github.com/rickgao/session-mux/internal/sessiontest"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	sessionList := flag.String("sessions", "demo", "comma-separated session ids to serve")
	history := flag.Int("history", 20, "messages of generated history per session")
	interval := flag.Duration("interval", 2*time.Second, "live message interval per session (0 disables)")
	key := flag.String("key", "", "require this access key on requests")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	srv := sessiontest.New(logger)
	srv.RequireKey(*key)

	sessions := config.ParseSessions(*sessionList)
	if len(sessions) == 0 {
		logger.Error("no sessions given, use -sessions")
		os.Exit(2)
	}
	now := time.Now()
	for _, sid := range sessions {
		srv.SetHistory(sid, generateHistory(sid, *history, now))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":      "healthy",
			"connections": srv.Open(),
			"sessions":    sessions,
		})
	})

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("mock session server listening", "addr", *addr, "sessions", sessions, "key_required", *key != "")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	if *interval > 0 {
		go emitLive(ctx, srv, sessions, *interval, logger)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.DropAll()
	httpServer.Shutdown(shutdownCtx)

	logger.Info("mock session server stopped")
}

// generateHistory builds n output messages ending just before now, one
// second apart.
func generateHistory(sessionID string, n int, now time.Time) []protocol.Message {
	msgs := make([]protocol.Message, 0, n)
	start := now.Add(-time.Duration(n) * time.Second)
	for i := 0; i < n; i++ {
		msgs = append(msgs, newMessage(sessionID, i, start.Add(time.Duration(i)*time.Second)))
	}
	return msgs
}

func newMessage(sessionID string, seq int, at time.Time) protocol.Message {
	data, _ := json.Marshal(map[string]any{
		"seq":  seq,
		"text": fmt.Sprintf("%s line %d", sessionID, seq),
	})
	return protocol.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      "output",
		Data:      data,
		Timestamp: at.UnixMilli(),
	}
}

// emitLive pushes one message per session on every tick and keeps it in the
// session's history so later loads replay it.
func emitLive(ctx context.Context, srv *sessiontest.Server, sessions []string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			for _, sid := range sessions {
				msg := newMessage(sid, seq, t)
				srv.AppendHistory(sid, msg)
				sent := srv.Push(sid, msg)
				logger.Debug("pushed live message", "session_id", sid, "seq", seq, "receivers", sent)
			}
			seq++
		}
	}
}
