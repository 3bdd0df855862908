package writer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/session-mux/internal/protocol"
	"github.com/rickgao/session-mux/internal/router"
)

// Store persists a batch of messages for a session.
type Store interface {
	Store(ctx context.Context, sessionID string, msgs []protocol.Message) (inserted int, err error)
}

// Config configures a MessageWriter.
type Config struct {
	BatchSize     int           // Flush when this many messages are buffered
	FlushInterval time.Duration // Flush at least this often
	FlushTimeout  time.Duration // Deadline for a single flush
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
		FlushTimeout:  10 * time.Second,
	}
}

// Stats holds writer counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// MessageWriter consumes one session's inbox and writes it to a Store.
type MessageWriter struct {
	cfg       Config
	sessionID string
	logger    *slog.Logger

	input *router.Inbox[protocol.Message]
	store Store

	// Batching
	batch   []protocol.Message
	batchMu sync.Mutex

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// NewMessageWriter creates a writer for sessionID.
func NewMessageWriter(
	cfg Config,
	sessionID string,
	input *router.Inbox[protocol.Message],
	store Store,
	logger *slog.Logger,
) *MessageWriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}
	return &MessageWriter{
		cfg:       cfg,
		sessionID: sessionID,
		input:     input,
		store:     store,
		logger:    logger.With("component", "writer", "session_id", sessionID),
		batch:     make([]protocol.Message, 0, cfg.BatchSize),
	}
}

// Start begins consuming the inbox.
func (w *MessageWriter) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(2)
	go w.consumeLoop(ctx)
	go w.flushLoop(ctx)

	w.logger.Info("message writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
}

// Stop halts consumption and flushes whatever is buffered.
func (w *MessageWriter) Stop(ctx context.Context) {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("message writer stop timed out")
	}

	// Pick up anything still queued, then a final flush
	if w.input != nil {
		w.Write(w.input.Drain(0)...)
	}
	w.flush()
	w.logger.Info("message writer stopped", "inserts", w.Stats().Inserts)
}

// Write adds messages directly, bypassing the inbox. Used for replayed history.
func (w *MessageWriter) Write(msgs ...protocol.Message) {
	if len(msgs) == 0 {
		return
	}
	w.batchMu.Lock()
	w.batch = append(w.batch, msgs...)
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if full {
		w.flush()
	}
}

// Stats returns current counters.
func (w *MessageWriter) Stats() Stats {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.stats
}

// consumeLoop moves inbox messages into the batch until ctx ends or the
// inbox is closed.
func (w *MessageWriter) consumeLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		msg, ok := w.input.TryReceive()
		if ok {
			w.Write(msg)
			continue
		}
		if w.input.Closed() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (w *MessageWriter) flushLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush()
		}
	}
}

// flush writes the current batch. Failed batches are dropped and counted.
func (w *MessageWriter) flush() {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]protocol.Message, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FlushTimeout)
	defer cancel()

	inserted, err := w.store.Store(ctx, w.sessionID, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.stats.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.stats.Inserts += int64(inserted)
	w.stats.Conflicts += int64(len(batch) - inserted)
	w.stats.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", len(batch)-inserted,
		"duration", time.Since(start),
	)
}
