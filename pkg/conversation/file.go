package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/turnstile/internal/observability"
	"github.com/harun/turnstile/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const fileDriver = "file"

// FileStore keeps one JSON snapshot per conversation under <dir>/<userID>/<id>.json.
type FileStore struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	closed     bool
	closedMu   sync.RWMutex
}

// NewFileStore creates the directory if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	observability.EnsureRegistered()

	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".turnstile", "conversations")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}

	log.Info().Str("dir", dir).Msg("File conversation store initialized")

	return &FileStore{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) path(userID, conversationID string) string {
	return filepath.Join(s.dir, userID, conversationID+".json")
}

func (s *FileStore) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if lock, ok := s.writeLocks[key]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.writeLocks[key] = lock
	return lock
}

func (s *FileStore) isClosed() bool {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	return s.closed
}

// Load reads the snapshot for conversationID owned by userID.
func (s *FileStore) Load(ctx context.Context, conversationID, userID string) (*Context, error) {
	ctx = tracing.WithConversationID(ctx, conversationID)
	ctx, span := tracing.StartSpan(ctx, "turnstile.conversation", "conversation.load",
		attribute.String("conversation_id", conversationID),
		attribute.String("driver", fileDriver),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordConversationLoad(fileDriver, time.Since(start)) }()

	if s.isClosed() {
		return nil, ErrClosed
	}
	if err := ValidateID("conversation id", conversationID); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	if err := ValidateID("user id", userID); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	lock := s.lockFor(userID + "/" + conversationID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(userID, conversationID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("failed to decode conversation %s: %w", conversationID, err)
	}
	if c.UserID != userID {
		return nil, nil
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Int("messages", len(c.Messages)).Msg("Conversation loaded")

	return &c, nil
}

// Save writes the snapshot atomically via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, c *Context) error {
	if err := validateContext(c); err != nil {
		return err
	}
	ctx = tracing.WithConversationID(ctx, c.ID)
	ctx, span := tracing.StartSpan(ctx, "turnstile.conversation", "conversation.save",
		attribute.String("conversation_id", c.ID),
		attribute.String("driver", fileDriver),
		attribute.Int("messages", len(c.Messages)),
	)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordConversationSave(fileDriver, time.Since(start)) }()

	if s.isClosed() {
		return ErrClosed
	}

	lock := s.lockFor(c.UserID + "/" + c.ID)
	lock.Lock()
	defer lock.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(c)
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to encode conversation: %w", err)
	}

	target := s.path(c.UserID, c.ID)
	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to create user directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), c.ID+".*.tmp")
	if err != nil {
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		tracing.FailSpan(span, err)
		return fmt.Errorf("failed to replace conversation: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Int("messages", len(c.Messages)).Msg("Conversation saved")
	return nil
}

// Close marks the store closed. Later calls fail with ErrClosed.
func (s *FileStore) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	s.closed = true
	return nil
}
