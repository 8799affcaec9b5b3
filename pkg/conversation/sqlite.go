package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const sqliteDriver = "sqlite"

// ErrOwnerMismatch is returned when saving a conversation id that belongs to another user.
var ErrOwnerMismatch = errors.New("conversation belongs to another user")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
`

// SQLiteStore persists conversations as JSON payloads in a single table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path in WAL mode.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite conversation store initialized")
	return &SQLiteStore{db: db}, nil
}

// Load returns the conversation if it exists and is owned by userID.
func (s *SQLiteStore) Load(ctx context.Context, conversationID, userID string) (*Context, error) {
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(ctx, "turnstile.conversation", "conversation.load",
		attribute.String("conversation_id", conversationID),
		attribute.String("driver", sqliteDriver),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordConversationLoad(sqliteDriver, time.Since(start)) }()

	if err := ValidateID("conversation id", conversationID); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	if err := ValidateID("user id", userID); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM conversations WHERE id = ? AND user_id = ?`,
		conversationID, userID,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	var c Context
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to decode conversation %s: %w", conversationID, err)
	}
	return &c, nil
}

// Save upserts the conversation. An id owned by another user is rejected.
func (s *SQLiteStore) Save(ctx context.Context, c *Context) error {
	if err := validateContext(c); err != nil {
		return err
	}
	ctx = tracing.WithConversationID(ctx, c.ID)
	ctx, span := tracing.StartSpan(ctx, "turnstile.conversation", "conversation.save",
		attribute.String("conversation_id", c.ID),
		attribute.String("driver", sqliteDriver),
		attribute.Int("messages", len(c.Messages)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordConversationSave(sqliteDriver, time.Since(start)) }()

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	payload, err := json.Marshal(c)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE conversations.user_id = excluded.user_id`,
		c.ID, c.UserID, string(payload), c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		tracing.FailSpan(span, ErrOwnerMismatch)
		return fmt.Errorf("save %s: %w", c.ID, ErrOwnerMismatch)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
