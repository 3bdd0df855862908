// Package archive persists session messages to PostgreSQL.
//
// Rows are append-only and keyed by (session_id, ts, message_id), so replaying
// the same history twice is harmless. Messages that arrive without an id get
// a deterministic UUIDv5 derived from their content.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/session-mux/internal/protocol"
)

// DB is the subset of *pgxpool.Pool used by the archive.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
	session_id  TEXT        NOT NULL,
	ts          BIGINT      NOT NULL,
	message_id  TEXT        NOT NULL,
	type        TEXT        NOT NULL DEFAULT '',
	data        JSONB,
	archived_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, ts, message_id)
)`

const insertSQL = `
INSERT INTO session_messages (session_id, ts, message_id, type, data)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id, ts, message_id) DO NOTHING`

const latestSQL = `SELECT COALESCE(MAX(ts), 0) FROM session_messages WHERE session_id = $1`

// namespace seeds derived message ids.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("sessionmux/session_messages"))

// Archive stores session messages.
type Archive struct {
	db     DB
	logger *slog.Logger
}

// New creates an Archive over db.
func New(db DB, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archive{
		db:     db,
		logger: logger.With("component", "archive"),
	}
}

// EnsureSchema creates the messages table if it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create session_messages: %w", err)
	}
	return nil
}

// row is a message flattened for insertion.
type row struct {
	SessionID string
	Ts        int64
	MessageID string
	Type      string
	Data      []byte // nil stores NULL
}

// toRow flattens msg, defaulting its session to sessionID.
func toRow(sessionID string, msg protocol.Message) row {
	if msg.SessionID != "" {
		sessionID = msg.SessionID
	}
	var data []byte
	if len(msg.Data) > 0 {
		data = []byte(msg.Data)
	}
	return row{
		SessionID: sessionID,
		Ts:        msg.Timestamp,
		MessageID: MessageID(sessionID, msg),
		Type:      msg.Type,
		Data:      data,
	}
}

// MessageID returns msg.ID, or a content-derived UUIDv5 when it is empty.
func MessageID(sessionID string, msg protocol.Message) string {
	if msg.ID != "" {
		return msg.ID
	}
	name := make([]byte, 0, len(sessionID)+len(msg.Type)+len(msg.Data)+24)
	name = append(name, sessionID...)
	name = append(name, 0)
	name = strconv.AppendInt(name, msg.Timestamp, 10)
	name = append(name, 0)
	name = append(name, msg.Type...)
	name = append(name, 0)
	name = append(name, msg.Data...)
	return uuid.NewSHA1(namespace, name).String()
}

// Store inserts msgs for a session and returns how many were new.
func (a *Archive) Store(ctx context.Context, sessionID string, msgs []protocol.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		r := toRow(sessionID, m)
		batch.Queue(insertSQL, r.SessionID, r.Ts, r.MessageID, r.Type, r.Data)
	}

	results := a.db.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range msgs {
		ct, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert session message: %w", err)
		}
		if ct.RowsAffected() > 0 {
			inserted++
		}
	}

	a.logger.Debug("archived messages",
		"session_id", sessionID,
		"count", len(msgs),
		"inserted", inserted,
	)
	return inserted, nil
}

// LatestTimestamp returns the newest archived timestamp for a session, or 0.
func (a *Archive) LatestTimestamp(ctx context.Context, sessionID string) (int64, error) {
	var ts int64
	if err := a.db.QueryRow(ctx, latestSQL, sessionID).Scan(&ts); err != nil {
		return 0, fmt.Errorf("latest timestamp %s: %w", sessionID, err)
	}
	return ts, nil
}
