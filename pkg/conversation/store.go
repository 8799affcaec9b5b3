package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidID is returned for empty or path-unsafe ids.
	ErrInvalidID = errors.New("invalid id")
	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("store closed")
)

// Store loads and saves conversation contexts.
type Store interface {
	// Load returns (nil, nil) when the conversation does not exist for userID.
	Load(ctx context.Context, conversationID, userID string) (*Context, error)
	Save(ctx context.Context, c *Context) error
	Close() error
}

// ValidateID rejects ids that are empty or could escape a storage directory.
func ValidateID(kind, id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidID, kind)
	case strings.Contains(id, ".."):
		return fmt.Errorf("%w: %s cannot contain '..'", ErrInvalidID, kind)
	case strings.ContainsAny(id, "/\\"):
		return fmt.Errorf("%w: %s cannot contain path separators", ErrInvalidID, kind)
	case strings.Contains(id, "\x00"):
		return fmt.Errorf("%w: %s cannot contain null bytes", ErrInvalidID, kind)
	case len(id) > 200:
		return fmt.Errorf("%w: %s too long", ErrInvalidID, kind)
	}
	return nil
}

func validateContext(c *Context) error {
	if c == nil {
		return fmt.Errorf("%w: nil conversation", ErrInvalidID)
	}
	if err := ValidateID("conversation id", c.ID); err != nil {
		return err
	}
	return ValidateID("user id", c.UserID)
}

// Open returns the store for driver ("file" or "sqlite") rooted at path.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", fileDriver:
		return NewFileStore(path)
	case sqliteDriver:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
}
