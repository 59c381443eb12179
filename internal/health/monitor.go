// Package health implements the emergency health monitor. While monitoring
// is active it probes the transport on a fixed interval, requests
// reconnection as soon as the transport is down in emergency mode, and owns
// an escalation path that force-hosts an access point and broadcasts an
// emergency beacon when the regular fallback sequence has not recovered the
// link in time.
package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

var (
	// ErrNilProvider is returned when no transport provider is supplied.
	ErrNilProvider = errors.New("transport provider cannot be nil")
	// ErrNilReconnector is returned when no reconnector is supplied.
	ErrNilReconnector = errors.New("reconnector cannot be nil")
)

// probePayload is the lightweight liveness probe broadcast each tick.
var probePayload = []byte(`{"kind":"probe"}`)

// beaconPayload is the emergency beacon broadcast on escalation.
var beaconPayload = []byte(`{"kind":"emergency-beacon"}`)

// Reconnector is the slice of the fallback coordinator the monitor needs.
type Reconnector interface {
	InitiateConnection(ctx context.Context)
	Mode() transport.Mode
}

// LossHandler reacts to a failed liveness probe. Optional.
type LossHandler interface {
	HandleConnectionLoss(ctx context.Context)
}

// Config holds configuration for the health monitor.
type Config struct {
	// ProbeInterval is the periodic liveness probe interval.
	ProbeInterval time.Duration

	// ReconnectCheckDelay is how long after requesting reconnection the
	// monitor waits before escalating.
	ReconnectCheckDelay time.Duration

	// EmergencySSID is the access point force-created on escalation.
	EmergencySSID string
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.ReconnectCheckDelay <= 0 {
		c.ReconnectCheckDelay = 30 * time.Second
	}
	if c.EmergencySSID == "" {
		c.EmergencySSID = "meshrelay-emergency"
	}
}

// Status is an observability snapshot of the monitor.
type Status struct {
	Monitoring           bool
	EmergencyMode        bool
	Connected            bool
	LastProbeSuccess     time.Time
	TimeSinceLastSuccess time.Duration
}

// Monitor probes the active transport and escalates reconnection when
// probes fail in emergency mode.
type Monitor struct {
	mu          sync.Mutex
	config      Config
	provider    transport.TransportProvider
	reconnector Reconnector
	lossHandler LossHandler
	log         *logrus.Entry

	emergencyMode bool
	lastSuccess   time.Time

	monitoring bool
	cancel     context.CancelFunc
	done       chan struct{}
	checkTimer *time.Timer
	closed     bool
}

// New creates a health monitor. lossHandler may be nil.
func New(config Config, provider transport.TransportProvider, reconnector Reconnector,
	lossHandler LossHandler, log *logrus.Entry) (*Monitor, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	if reconnector == nil {
		return nil, ErrNilReconnector
	}
	config.SetDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Monitor{
		config:      config,
		provider:    provider,
		reconnector: reconnector,
		lossHandler: lossHandler,
		log:         log.WithField("component", "health"),
	}, nil
}

// SetEmergencyMode flags that the device is in an emergency, which makes
// the monitor reconnect aggressively.
func (m *Monitor) SetEmergencyMode(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emergencyMode = on
}

// EmergencyMode reports whether the emergency flag is set.
func (m *Monitor) EmergencyMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyMode
}

// StartEmergencyMonitoring begins the periodic probe. Idempotent: a prior
// probe loop is cancelled before the new one starts.
func (m *Monitor) StartEmergencyMonitoring(ctx context.Context) {
	m.StopEmergencyMonitoring()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.monitoring = true
	m.mu.Unlock()

	go m.loop(runCtx, m.done)
}

// StopEmergencyMonitoring cancels the periodic probe and any scheduled
// escalation check. Idempotent.
func (m *Monitor) StopEmergencyMonitoring() {
	m.mu.Lock()
	if m.checkTimer != nil {
		m.checkTimer.Stop()
		m.checkTimer = nil
	}
	if !m.monitoring {
		m.mu.Unlock()
		return
	}
	m.monitoring = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// Close stops monitoring and cancels any scheduled escalation check.
func (m *Monitor) Close() error {
	m.StopEmergencyMonitoring()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.checkTimer != nil {
		m.checkTimer.Stop()
		m.checkTimer = nil
	}
	return nil
}

// AttemptEmergencyReconnection requests reconnection from the coordinator
// and schedules a one-shot escalation check. If the transport is still down
// when the check fires and emergency mode remains set, the monitor
// force-hosts an access point and broadcasts an emergency beacon,
// independent of the coordinator's own fallback sequence.
func (m *Monitor) AttemptEmergencyReconnection(ctx context.Context) {
	m.log.Info("requesting emergency reconnection")
	m.reconnector.InitiateConnection(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.checkTimer != nil {
		m.checkTimer.Stop()
	}
	m.checkTimer = time.AfterFunc(m.config.ReconnectCheckDelay, func() {
		m.escalationCheck(ctx)
	})
}

// TimeSinceLastSuccess returns how long ago the last probe succeeded.
// Zero when no probe has succeeded yet.
func (m *Monitor) TimeSinceLastSuccess() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSuccess.IsZero() {
		return 0
	}
	return time.Since(m.lastSuccess)
}

// Status returns a snapshot for observability.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{
		Monitoring:       m.monitoring,
		EmergencyMode:    m.emergencyMode,
		Connected:        m.provider.IsConnected(),
		LastProbeSuccess: m.lastSuccess,
	}
	if !m.lastSuccess.IsZero() {
		status.TimeSinceLastSuccess = time.Since(m.lastSuccess)
	}
	return status
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if !m.provider.IsConnected() {
		if m.EmergencyMode() {
			// Down in an emergency: reconnect immediately, skip the probe.
			m.AttemptEmergencyReconnection(ctx)
		}
		return
	}

	if err := m.provider.Broadcast(ctx, probePayload); err != nil {
		m.log.WithError(err).Warn("liveness probe failed")
		if m.lossHandler != nil {
			m.lossHandler.HandleConnectionLoss(ctx)
		}
		return
	}

	m.mu.Lock()
	m.lastSuccess = time.Now()
	m.mu.Unlock()
}

func (m *Monitor) escalationCheck(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if m.provider.IsConnected() || !m.EmergencyMode() {
		return
	}

	m.log.Warn("reconnection stalled, escalating to hosted access point")
	if _, err := m.provider.CreateHostedAccessPoint(ctx, m.config.EmergencySSID, ""); err != nil {
		m.log.WithError(err).Error("emergency access point creation failed")
	}
	if err := m.provider.Broadcast(ctx, beaconPayload); err != nil {
		m.log.WithError(err).Error("emergency beacon broadcast failed")
	}
}
