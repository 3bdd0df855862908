package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/session-mux/internal/protocol"
)

// SessionSource provides the sessions to poll and the requests to poll them with.
// connection.Manager satisfies it.
type SessionSource interface {
	GetActiveSessions() []string
	SessionStatus(ctx context.Context, sessionID string) (bool, error)
	LoadSessionHistory(ctx context.Context, sessionID string, since int64) ([]protocol.Message, error)
}

// HistoryHandler receives replayed messages for a session.
type HistoryHandler interface {
	HandleHistory(sessionID string, msgs []protocol.Message) error
}

// HistoryHandlerFunc is a function adapter for HistoryHandler.
type HistoryHandlerFunc func(string, []protocol.Message) error

func (f HistoryHandlerFunc) HandleHistory(sessionID string, msgs []protocol.Message) error {
	return f(sessionID, msgs)
}

// Config holds poller configuration.
type Config struct {
	Interval    time.Duration // Poll interval (default: 30s)
	Concurrency int           // Max sessions polled at once (default: 8)
	Timeout     time.Duration // Per-session timeout covering status and history (default: 15s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Second,
		Concurrency: 8,
		Timeout:     15 * time.Second,
	}
}

// Stats counts poll outcomes since start.
type Stats struct {
	Cycles   int64
	Pending  int64 // sessions that reported pending messages
	Replayed int64 // messages handed to the handler
	Errors   int64
}

// Poller periodically checks sessions for pending messages.
type Poller struct {
	cfg      Config
	sessions SessionSource
	handler  HistoryHandler
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	cycles   atomic.Int64
	pending  atomic.Int64
	replayed atomic.Int64
	errors   atomic.Int64
}

// New creates a new Poller. Non-positive config values take their defaults.
func New(cfg Config, sessions SessionSource, handler HistoryHandler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Poller{
		cfg:      cfg,
		sessions: sessions,
		handler:  handler,
		logger:   logger.With("component", "poller"),
		ctx:      context.Background(),
	}
}

// Start begins the polling loop. The first poll happens after one interval.
func (p *Poller) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.logger.Info("pending-message poller started",
		"interval", p.cfg.Interval,
		"concurrency", p.cfg.Concurrency,
	)

	return nil
}

// Stop gracefully shuts down the poller.
func (p *Poller) Stop(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("pending-message poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the poll counters.
func (p *Poller) Stats() Stats {
	return Stats{
		Cycles:   p.cycles.Load(),
		Pending:  p.pending.Load(),
		Replayed: p.replayed.Load(),
		Errors:   p.errors.Load(),
	}
}

func (p *Poller) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

// pollAll checks every registered session with bounded concurrency.
func (p *Poller) pollAll() {
	start := time.Now()
	p.cycles.Add(1)

	sessions := p.sessions.GetActiveSessions()
	if len(sessions) == 0 {
		p.logger.Debug("no sessions to poll")
		return
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	var replayed, failed atomic.Int64

	for _, sid := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-p.ctx.Done():
				return
			}

			n, err := p.pollSession(sid)
			if err != nil {
				p.logger.Warn("failed to poll session",
					"session_id", sid,
					"error", err,
				)
				failed.Add(1)
				return
			}
			replayed.Add(int64(n))
		}()
	}

	wg.Wait()

	p.replayed.Add(replayed.Load())
	p.errors.Add(failed.Load())

	p.logger.Debug("poll cycle complete",
		"sessions", len(sessions),
		"replayed", replayed.Load(),
		"errors", failed.Load(),
		"duration", time.Since(start),
	)
}

// pollSession replays history for one session if the server holds pending
// messages for it. Returns the number of messages handed on.
func (p *Poller) pollSession(sessionID string) (int, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()

	pending, err := p.sessions.SessionStatus(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !pending {
		return 0, nil
	}
	p.pending.Add(1)

	// since 0 resumes from the session's high-water mark
	msgs, err := p.sessions.LoadSessionHistory(ctx, sessionID, 0)
	if err != nil {
		return 0, err
	}
	if len(msgs) == 0 || p.handler == nil {
		return len(msgs), nil
	}
	if err := p.handler.HandleHistory(sessionID, msgs); err != nil {
		return 0, err
	}
	return len(msgs), nil
}
