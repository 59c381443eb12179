// Package fallback implements the transport fallback coordinator: a
// one-directional state machine that works through the transport modes
// DirectLink, HostedAccessPoint/JoinedAccessPoint and Failed with bounded
// retries at each stage. Failed is reached only after every alternative
// has been exhausted; Reset returns the machine to DirectLink.
package fallback

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

// EventType tags a coordinator event.
type EventType int

const (
	// EventModeEstablished fires when a transport mode comes up.
	EventModeEstablished EventType = iota

	// EventConnectionFailed fires when every fallback stage has failed.
	EventConnectionFailed
)

// Event is a coordinator notification.
type Event struct {
	Type EventType
	Mode transport.Mode
}

// Status is an observability snapshot of the coordinator.
type Status struct {
	Mode       transport.Mode
	RetryCount int
	MaxRetries int
	CanRetry   bool
}

// Coordinator selects and falls back between transport modes. Provider
// errors during any step count as a failed attempt at that step; they are
// never fatal to the coordinator itself.
type Coordinator struct {
	mu       sync.RWMutex
	config   Config
	provider transport.TransportProvider
	log      *logrus.Entry

	mode       transport.Mode
	retryCount int
	attempting bool

	events chan Event
}

// New creates a Coordinator. The provider is the platform radio layer.
func New(config Config, provider transport.TransportProvider, log *logrus.Entry) (*Coordinator, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		config:   config,
		provider: provider,
		log:      log.WithField("component", "fallback"),
		mode:     transport.ModeDirectLink,
		events:   make(chan Event, 16),
	}, nil
}

// InitiateConnection resets the retry counter, enters DirectLink and begins
// the connection sequence in the background. A sequence already in flight
// is left alone; the call is then a no-op.
func (c *Coordinator) InitiateConnection(ctx context.Context) {
	c.mu.Lock()
	if c.attempting {
		c.mu.Unlock()
		return
	}
	c.attempting = true
	c.retryCount = 0
	c.mode = transport.ModeDirectLink
	c.mu.Unlock()

	go c.run(ctx)
}

// Reset returns the state machine to DirectLink with a zero retry counter.
// Used when the application explicitly restarts connection attempts.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = transport.ModeDirectLink
	c.retryCount = 0
}

// Mode returns the currently active transport mode.
func (c *Coordinator) Mode() transport.Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// RetryCount returns the current direct-link retry count.
func (c *Coordinator) RetryCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.retryCount
}

// Status returns a snapshot for observability.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Mode:       c.mode,
		RetryCount: c.retryCount,
		MaxRetries: c.config.MaxRetries,
		CanRetry:   c.retryCount < c.config.MaxRetries && c.mode != transport.ModeFailed,
	}
}

// Events returns the coordinator's notification stream.
func (c *Coordinator) Events() <-chan Event {
	return c.events
}

func (c *Coordinator) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.attempting = false
		c.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if c.attemptDirectLink(ctx) {
			c.log.WithField("mode", transport.ModeDirectLink).Info("transport mode established")
			c.emit(Event{Type: EventModeEstablished, Mode: transport.ModeDirectLink})
			return
		}

		c.mu.Lock()
		c.retryCount++
		retries := c.retryCount
		c.mu.Unlock()

		if retries >= c.config.MaxRetries {
			c.log.WithField("retries", retries).Warn("direct link exhausted, falling back")
			break
		}

		c.log.WithField("retries", retries).Debug("direct link attempt failed, retrying")
		if !sleep(ctx, c.config.RetryDelay) {
			return
		}
	}

	c.hotspotFallback(ctx)
}

// attemptDirectLink runs one discovery/connect/confirm cycle. Any provider
// error counts as a failed attempt.
func (c *Coordinator) attemptDirectLink(ctx context.Context) bool {
	if err := c.provider.StartDiscovery(ctx); err != nil {
		c.log.WithError(err).Debug("discovery failed")
		return false
	}
	if !sleep(ctx, c.config.DiscoveryWindow) {
		return false
	}

	candidates := c.provider.DiscoveredPeers()
	if len(candidates) == 0 {
		c.log.Debug("no direct-link candidates discovered")
		return false
	}

	if err := c.provider.Connect(ctx, candidates[0].ID); err != nil {
		c.log.WithError(err).WithField("peer", candidates[0].ID).Debug("connect failed")
		return false
	}
	if !sleep(ctx, c.config.ConfirmationWindow) {
		return false
	}

	return c.provider.IsConnected()
}

// hotspotFallback tries joining an existing peer-hosted access point before
// hosting one itself. Only when both fail does the machine reach Failed.
func (c *Coordinator) hotspotFallback(ctx context.Context) {
	c.setMode(transport.ModeHostedAccessPoint)

	aps, err := c.provider.ListAccessPoints(ctx)
	if err != nil {
		c.log.WithError(err).Debug("access point scan failed")
		aps = nil
	}

	if len(aps) > 0 {
		c.setMode(transport.ModeJoinedAccessPoint)
		for _, ap := range aps {
			joined, err := c.provider.JoinAccessPoint(ctx, ap.SSID)
			if err != nil {
				c.log.WithError(err).WithField("ssid", ap.SSID).Debug("join failed")
				continue
			}
			if joined {
				c.log.WithField("ssid", ap.SSID).Info("joined peer access point")
				c.emit(Event{Type: EventModeEstablished, Mode: transport.ModeJoinedAccessPoint})
				return
			}
		}
		// All joins failed; fall through to hosting.
		c.setMode(transport.ModeHostedAccessPoint)
	}

	hosted, err := c.provider.CreateHostedAccessPoint(ctx, c.config.HostedSSID, c.config.HostedPassword)
	if err == nil && hosted {
		c.log.WithField("ssid", c.config.HostedSSID).Info("hosting access point")
		c.emit(Event{Type: EventModeEstablished, Mode: transport.ModeHostedAccessPoint})
		return
	}
	if err != nil {
		c.log.WithError(err).Warn("hosting access point failed")
	}

	c.setMode(transport.ModeFailed)
	c.log.Error("all transport modes exhausted")
	c.emit(Event{Type: EventConnectionFailed, Mode: transport.ModeFailed})
}

func (c *Coordinator) setMode(mode transport.Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *Coordinator) emit(event Event) {
	select {
	case c.events <- event:
	default:
		// Slow subscriber; drop rather than stall the state machine.
	}
}

// sleep waits for d or until ctx is cancelled. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
