package fallback

import (
	"errors"
	"time"
)

var (
	// ErrNilProvider is returned when no transport provider is supplied.
	ErrNilProvider = errors.New("transport provider cannot be nil")
	// ErrInvalidMaxRetries is returned for a non-positive retry ceiling.
	ErrInvalidMaxRetries = errors.New("max retries must be positive")
)

// Config holds configuration for the fallback coordinator.
type Config struct {
	// DiscoveryWindow is how long to let peer discovery run before
	// inspecting candidates.
	DiscoveryWindow time.Duration

	// ConfirmationWindow is how long to wait after a connect attempt
	// before checking liveness.
	ConfirmationWindow time.Duration

	// RetryDelay is the pause between failed direct-link attempts.
	RetryDelay time.Duration

	// MaxRetries is the direct-link retry ceiling before falling back.
	MaxRetries int

	// HostedSSID and HostedPassword configure the access point this
	// device creates when hosting is the last resort.
	HostedSSID     string
	HostedPassword string
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxRetries <= 0 {
		return ErrInvalidMaxRetries
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.DiscoveryWindow <= 0 {
		c.DiscoveryWindow = 10 * time.Second
	}
	if c.ConfirmationWindow <= 0 {
		c.ConfirmationWindow = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.HostedSSID == "" {
		c.HostedSSID = "meshrelay-ap"
	}
}
