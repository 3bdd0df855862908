// sessionmux attaches to one or more sessions over a single shared connection,
// replays their history and follows live output until interrupted.
//
// Usage: sessionmux -config configs/sessionmux.example.yaml -sessions build,chat
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

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/session-mux/internal/archive"
	"github.com/rickgao/session-mux/internal/config"
	"github.com/rickgao/session-mux/internal/connection"
	"github.com/rickgao/session-mux/internal/credential"
	"github.com/rickgao/session-mux/internal/database"
	"github.com/rickgao/session-mux/internal/metrics"
	"github.com/rickgao/session-mux/internal/poller"
	"github.com/rickgao/session-mux/internal/protocol"
	"github.com/rickgao/session-mux/internal/version"
	"github.com/rickgao/session-mux/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/sessionmux.example.yaml", "path to config file")
	sessionList := flag.String("sessions", "", "comma-separated session ids; the first is focused")
	since := flag.Int64("since", 0, "replay history newer than this unix-millis timestamp (0 resumes)")
	connectTimeout := flag.Duration("connect-timeout", 30*time.Second, "how long to wait for the first connection")
	saveKey := flag.String("save-key", "", "store an access key in the credentials file and exit")
	logout := flag.Bool("logout", false, "remove the stored access key and exit")
	flag.Parse()

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting sessionmux",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"server", cfg.Server.URL,
	)

	if *saveKey != "" || *logout {
		if err := manageKey(cfg.Credentials, *saveKey, *logout); err != nil {
			logger.Error("failed to update credentials", "error", err)
			os.Exit(1)
		}
		logger.Info("credentials updated", "path", cfg.Credentials.Path, "logout", *logout)
		return
	}

	sessions := config.ParseSessions(*sessionList)
	if len(sessions) == 0 {
		logger.Error("no sessions given, use -sessions")
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	creds, err := credentialStore(cfg.Credentials)
	if err != nil {
		logger.Error("failed to open credentials", "error", err)
		os.Exit(1)
	}

	// Optional archive
	var arch *archive.Archive
	if cfg.Archive.Enabled {
		pool, err := database.Connect(ctx, cfg.Archive.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		arch = archive.New(pool, logger)
		if err := arch.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare archive", "error", err)
			os.Exit(1)
		}
	}

	recorder := metrics.NewPrometheus()
	mgr := connection.NewManager(managerConfig(cfg), creds, logger, connection.WithRecorder(recorder))

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           createHealthHandler(mgr, recorder, cfg.Metrics.Path),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := healthServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	for _, sid := range sessions {
		mgr.RegisterSession(sid)
	}

	if err := waitConnected(ctx, mgr, sessions[0], *connectTimeout); err != nil {
		logger.Error("connection not established", "error", err)
		mgr.UnregisterAll()
		os.Exit(1)
	}
	mgr.HandleSessionFocus(sessions[0])

	// Live output consumers
	writers := make(map[string]*writer.MessageWriter)
	done := make(chan struct{})
	consumers := 0
	for _, sid := range sessions {
		inbox, ok := mgr.Messages(sid)
		if !ok {
			continue
		}
		if arch != nil {
			w := writer.NewMessageWriter(writer.Config{
				BatchSize:     cfg.Archive.BatchSize,
				FlushInterval: cfg.Archive.FlushInterval,
			}, sid, inbox, arch, logger)
			w.Start(ctx)
			writers[sid] = w
			continue
		}
		consumers++
		go func() {
			for {
				msg, ok := inbox.Receive()
				if !ok {
					done <- struct{}{}
					return
				}
				printMessage(sid, msg)
			}
		}()
	}

	if err := loadHistory(ctx, mgr, arch, writers, sessions, *since, logger); err != nil {
		logger.Warn("history replay incomplete", "error", err)
	}

	statusPoller := poller.New(poller.Config{
		Interval: cfg.Sessions.StatusPollInterval,
		Timeout:  cfg.Sessions.HistoryTimeout + 5*time.Second,
	}, mgr, poller.HistoryHandlerFunc(func(sid string, msgs []protocol.Message) error {
		logger.Info("replaying pending messages", "session_id", sid, "messages", len(msgs))
		return deliver(writers, sid, msgs)
	}), logger)
	statusPoller.Start(ctx)

	logger.Info("sessionmux running",
		"sessions", len(sessions),
		"focused", sessions[0],
		"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	statusPoller.Stop(shutdownCtx)
	for _, w := range writers {
		w.Stop(shutdownCtx)
	}
	mgr.UnregisterAll()
	for i := 0; i < consumers; i++ {
		<-done
	}
	healthServer.Shutdown(shutdownCtx)

	logger.Info("sessionmux stopped")
}

// credentialStore prefers an inline key over the credentials file.
func credentialStore(cfg config.CredentialsConfig) (credential.Store, error) {
	if cfg.Key != "" {
		return credential.Static(cfg.Key), nil
	}
	fs, err := credential.NewFileStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// manageKey handles -save-key and -logout against the credentials file.
func manageKey(cfg config.CredentialsConfig, saveKey string, logout bool) error {
	fs, err := credential.NewFileStore(cfg.Path)
	if err != nil {
		return err
	}
	if logout {
		return fs.Clear()
	}
	return fs.Save(saveKey)
}

// managerConfig maps loaded configuration onto the session manager.
func managerConfig(cfg *config.Config) connection.ManagerConfig {
	header := http.Header{}
	for k, v := range cfg.Server.Headers {
		header.Set(k, v)
	}
	header.Set("User-Agent", version.UserAgent())

	return connection.ManagerConfig{
		Client: connection.ClientConfig{
			URL:               cfg.Server.URL,
			Header:            header,
			HandshakeTimeout:  cfg.Server.HandshakeTimeout,
			PingInterval:      cfg.Connection.PingInterval,
			ReadTimeout:       cfg.Connection.ReadTimeout,
			WriteTimeout:      cfg.Connection.WriteTimeout,
			Reconnect:         cfg.Connection.ReconnectEnabled(),
			ReconnectAttempts: cfg.Connection.ReconnectAttempts,
			ReconnectBaseWait: cfg.Connection.ReconnectBaseDelay,
			ReconnectMaxWait:  cfg.Connection.ReconnectMaxDelay,
		},
		HistoryTimeout: cfg.Sessions.HistoryTimeout,
		InboxCapacity:  cfg.Sessions.InboxCapacity,
		InboxMax:       cfg.Sessions.InboxMax,
	}
}

// waitConnected blocks until the session reports connected.
func waitConnected(ctx context.Context, mgr connection.Manager, sessionID string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !mgr.IsConnected(sessionID) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w (state %s)", sessionID, ctx.Err(), mgr.State())
		case <-ticker.C:
		}
	}
	return nil
}

// loadHistory replays every session concurrently. Failures are logged per
// session and the first one is returned.
func loadHistory(
	ctx context.Context,
	mgr connection.Manager,
	arch *archive.Archive,
	writers map[string]*writer.MessageWriter,
	sessions []string,
	since int64,
	logger *slog.Logger,
) error {
	var g errgroup.Group
	g.SetLimit(8)

	for _, sid := range sessions {
		g.Go(func() error {
			bound := since
			if bound == 0 && arch != nil {
				latest, err := arch.LatestTimestamp(ctx, sid)
				if err != nil {
					logger.Warn("could not read archive position", "session_id", sid, "error", err)
				}
				bound = latest
			}

			msgs, err := mgr.LoadSessionHistory(ctx, sid, bound)
			if err != nil {
				logger.Warn("history load failed", "session_id", sid, "error", err)
				return fmt.Errorf("%s: %w", sid, err)
			}

			logger.Info("history replayed", "session_id", sid, "since", bound, "messages", len(msgs))
			return deliver(writers, sid, msgs)
		})
	}
	return g.Wait()
}

// deliver hands replayed messages to the session's writer, or prints them
// when archiving is off.
func deliver(writers map[string]*writer.MessageWriter, sessionID string, msgs []protocol.Message) error {
	if w := writers[sessionID]; w != nil {
		w.Write(msgs...)
		return nil
	}
	for _, m := range msgs {
		printMessage(sessionID, m)
	}
	return nil
}

// printMessage writes one message as a JSON line on stdout.
func printMessage(sessionID string, msg protocol.Message) {
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	fmt.Println(string(data))
}

// createHealthHandler serves /health and the Prometheus endpoint.
func createHealthHandler(mgr connection.Manager, recorder *metrics.Prometheus, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, recorder.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["connection"] = map[string]any{
			"state":     stats.State.String(),
			"client_id": stats.ClientID,
		}
		switch stats.State {
		case connection.StateConnected:
		case connection.StateConnecting:
			health.Status = "degraded"
		case connection.StateDisconnected:
			health.Status = "unhealthy"
		}

		inboxes := make(map[string]any, len(stats.Inboxes))
		for sid, s := range stats.Inboxes {
			inboxes[sid] = map[string]any{
				"queued":  s.Count,
				"dropped": s.Dropped,
			}
		}
		health.Components["sessions"] = map[string]any{
			"registered": stats.Sessions,
			"focused":    stats.ActiveSession,
			"inboxes":    inboxes,
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	return mux
}
