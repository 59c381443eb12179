package relqueue

import (
	"errors"
	"time"
)

var (
	// ErrNilProvider is returned when no transport provider is supplied.
	ErrNilProvider = errors.New("transport provider cannot be nil")
	// ErrNilStore is returned when no local store is supplied.
	ErrNilStore = errors.New("local store cannot be nil")
	// ErrNilGenerator is returned when no id generator is supplied.
	ErrNilGenerator = errors.New("id generator cannot be nil")
)

// Config holds configuration for the message reliability queue.
type Config struct {
	// RetryCeiling is the per-message retry budget. A message that has
	// reached it is dropped and its log entry marked failed.
	RetryCeiling int

	// RetryDelay is the minimum pause between attempts for one message.
	RetryDelay time.Duration

	// DrainInterval is the background pass interval over reachable
	// destinations.
	DrainInterval time.Duration
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 15 * time.Second
	}
}
