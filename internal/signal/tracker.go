// Package signal implements the per-peer signal quality tracker. It samples
// signal strength for every peer the transport provider knows about, keeps a
// bounded ring of readings per peer, and grades each link by combining a
// normalized signal score with a variance-based stability score.
//
// Quality-changed notifications are edge-triggered: a notification fires
// only when a peer's ordinal grade actually changes. Raw signal-changed
// notifications fire on every sample.
package signal

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

const (
	// worstReading substitutes for a peer with no real signal reading.
	worstReading = -100

	// Weighting of the combined quality score.
	signalWeight    = 0.7
	stabilityWeight = 0.3

	// Variance below fullStabilityVariance earns full stability credit,
	// decaying linearly to zero at zeroStabilityVariance.
	fullStabilityVariance = 100.0
	zeroStabilityVariance = 1000.0
)

// Reading is one signal-strength sample for a peer.
type Reading struct {
	Timestamp time.Time
	Strength  int
	Bucket    Bucket
}

// PeerStatus is the tracker's current view of one peer link.
type PeerStatus struct {
	PeerID      string
	Strength    int
	Bucket      Bucket
	Quality     Quality
	LastUpdate  time.Time
	Stable      bool
	RangeMeters int
}

// EventType tags a tracker event.
type EventType int

const (
	// EventQualityChanged fires only when a peer's ordinal grade changes.
	EventQualityChanged EventType = iota

	// EventSignalChanged fires on every sample.
	EventSignalChanged
)

// Event is a tracker notification.
type Event struct {
	Type     EventType
	PeerID   string
	Quality  Quality
	Previous Quality
	Strength int
	Bucket   Bucket
}

// Config holds configuration for the signal quality tracker.
type Config struct {
	// SampleInterval is how often all known peers are sampled.
	SampleInterval time.Duration

	// HistorySize bounds the per-peer reading ring buffer.
	HistorySize int

	// StabilityWindow is how many trailing readings feed the stability
	// boolean.
	StabilityWindow int

	// StabilityVariance is the variance ceiling for a link to be
	// considered stable.
	StabilityVariance float64
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 20
	}
	if c.StabilityWindow <= 0 {
		c.StabilityWindow = 5
	}
	if c.StabilityVariance <= 0 {
		c.StabilityVariance = fullStabilityVariance
	}
}

// Tracker maintains rolling per-peer signal history and grades link quality.
type Tracker struct {
	mu       sync.RWMutex
	config   Config
	provider transport.TransportProvider
	log      *logrus.Entry

	histories map[string][]Reading
	grades    map[string]Quality

	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	events chan Event
}

// New creates a signal quality tracker over the given provider.
func New(config Config, provider transport.TransportProvider, log *logrus.Entry) *Tracker {
	config.SetDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		config:    config,
		provider:  provider,
		log:       log.WithField("component", "signal"),
		histories: make(map[string][]Reading),
		grades:    make(map[string]Quality),
		events:    make(chan Event, 64),
	}
}

// Start begins periodic sampling. Idempotent.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true
	go t.loop(runCtx, t.done)
}

// Stop cancels periodic sampling. Idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// Events returns the tracker's notification stream.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// SampleNow samples every peer the provider currently knows about.
func (t *Tracker) SampleNow() {
	for _, peer := range t.provider.KnownPeers() {
		t.samplePeer(peer.ID)
	}
}

// PeerStatus returns the tracker's current view of one peer. ok is false
// when no readings exist for the peer.
func (t *Tracker) PeerStatus(peerID string) (PeerStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	history := t.histories[peerID]
	if len(history) == 0 {
		return PeerStatus{PeerID: peerID, Quality: QualityUnknown}, false
	}
	latest := history[len(history)-1]
	return PeerStatus{
		PeerID:      peerID,
		Strength:    latest.Strength,
		Bucket:      latest.Bucket,
		Quality:     t.grades[peerID],
		LastUpdate:  latest.Timestamp,
		Stable:      t.isStableLocked(history),
		RangeMeters: estimatedRangeMeters(latest.Strength),
	}, true
}

// AllPeerStatuses returns the current view of every tracked peer.
func (t *Tracker) AllPeerStatuses() []PeerStatus {
	t.mu.RLock()
	peerIDs := make([]string, 0, len(t.histories))
	for id := range t.histories {
		peerIDs = append(peerIDs, id)
	}
	t.mu.RUnlock()

	out := make([]PeerStatus, 0, len(peerIDs))
	for _, id := range peerIDs {
		if status, ok := t.PeerStatus(id); ok {
			out = append(out, status)
		}
	}
	return out
}

func (t *Tracker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.config.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.SampleNow()
		}
	}
}

func (t *Tracker) samplePeer(peerID string) {
	strength, ok := t.provider.SignalStrength(peerID)
	if !ok {
		strength = worstReading
	}
	reading := Reading{
		Timestamp: time.Now(),
		Strength:  strength,
		Bucket:    bucketFor(strength),
	}

	t.mu.Lock()
	history := append(t.histories[peerID], reading)
	if len(history) > t.config.HistorySize {
		history = history[len(history)-t.config.HistorySize:]
	}
	t.histories[peerID] = history

	score := combinedScore(history)
	grade := qualityForScore(score)
	previous, seen := t.grades[peerID]
	if !seen {
		previous = QualityUnknown
	}
	changed := grade != previous
	if changed {
		t.grades[peerID] = grade
	}
	t.mu.Unlock()

	t.emit(Event{
		Type:     EventSignalChanged,
		PeerID:   peerID,
		Quality:  grade,
		Strength: strength,
		Bucket:   reading.Bucket,
	})
	if changed {
		t.log.WithFields(logrus.Fields{
			"peer": peerID,
			"from": previous,
			"to":   grade,
		}).Debug("link quality changed")
		t.emit(Event{
			Type:     EventQualityChanged,
			PeerID:   peerID,
			Quality:  grade,
			Previous: previous,
			Strength: strength,
			Bucket:   reading.Bucket,
		})
	}
}

func (t *Tracker) isStableLocked(history []Reading) bool {
	window := t.config.StabilityWindow
	if len(history) < window {
		return false
	}
	return variance(history[len(history)-window:]) < t.config.StabilityVariance
}

func (t *Tracker) emit(event Event) {
	select {
	case t.events <- event:
	default:
		// Slow subscriber; drop rather than stall sampling.
	}
}

// combinedScore blends the normalized latest signal with a variance-based
// stability score.
func combinedScore(history []Reading) float64 {
	latest := history[len(history)-1]
	return signalWeight*normalizedSignal(latest.Strength) +
		stabilityWeight*stabilityScore(variance(history))
}

// normalizedSignal maps dBm onto [0, 1]: -50 dBm and better is 1.0,
// -100 dBm and worse is 0.0.
func normalizedSignal(dbm int) float64 {
	norm := (float64(dbm) + 100.0) / 50.0
	return math.Max(0, math.Min(1, norm))
}

// stabilityScore grants full credit below variance 100 and decays linearly
// to zero at variance 1000.
func stabilityScore(v float64) float64 {
	switch {
	case v < fullStabilityVariance:
		return 1.0
	case v >= zeroStabilityVariance:
		return 0.0
	default:
		return 1.0 - (v-fullStabilityVariance)/(zeroStabilityVariance-fullStabilityVariance)
	}
}

func variance(history []Reading) float64 {
	if len(history) < 2 {
		return 0
	}
	var sum float64
	for _, r := range history {
		sum += float64(r.Strength)
	}
	mean := sum / float64(len(history))

	var sq float64
	for _, r := range history {
		d := float64(r.Strength) - mean
		sq += d * d
	}
	return sq / float64(len(history))
}
