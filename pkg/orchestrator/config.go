package orchestrator

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config tunes turn execution.
type Config struct {
	MaxToolCallIterations int
	TurnTimeout           time.Duration
	PersistenceEnabled    bool
	MaxParallelTools      int
	StreamBuffer          int
	SuspendedStreamTTL    time.Duration
	// SweepInterval is a cron spec for evicting expired suspended streams.
	SweepInterval string
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxToolCallIterations: 5,
		TurnTimeout:           120 * time.Second,
		PersistenceEnabled:    true,
		MaxParallelTools:      8,
		StreamBuffer:          16,
		SuspendedStreamTTL:    10 * time.Minute,
		SweepInterval:         "@every 1m",
	}
}

// Validate checks that every bound is usable.
func (c Config) Validate() error {
	if c.MaxToolCallIterations < 1 {
		return fmt.Errorf("max tool call iterations must be at least 1, got %d", c.MaxToolCallIterations)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("turn timeout must be positive")
	}
	if c.MaxParallelTools < 1 {
		return fmt.Errorf("max parallel tools must be at least 1, got %d", c.MaxParallelTools)
	}
	if c.StreamBuffer < 1 {
		return fmt.Errorf("stream buffer must be at least 1, got %d", c.StreamBuffer)
	}
	if c.SuspendedStreamTTL <= 0 {
		return fmt.Errorf("suspended stream ttl must be positive")
	}
	if c.SweepInterval != "" {
		if _, err := cron.ParseStandard(c.SweepInterval); err != nil {
			return fmt.Errorf("invalid sweep interval %q: %w", c.SweepInterval, err)
		}
	}
	return nil
}
