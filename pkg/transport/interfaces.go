package transport

import (
	"context"
)

// PeerInfo describes a peer known to the transport provider, whether
// currently connected or merely discovered.
type PeerInfo struct {
	// ID uniquely identifies the peer device.
	ID string

	// Name is a human-readable peer name, if the radio layer exposes one.
	Name string

	// Connected reports whether a live link to the peer exists.
	Connected bool
}

// AccessPointInfo describes a peer-hosted access point visible to this
// device.
type AccessPointInfo struct {
	SSID   string
	PeerID string
}

// TransportProvider is the narrow capability contract the reliability core
// needs from the platform radio layer. How peers are physically discovered
// and connected is the provider's business; the core only sequences these
// operations and reacts to their outcomes.
type TransportProvider interface {
	// StartDiscovery begins peer discovery. Discovered peers accumulate
	// and are inspected later via DiscoveredPeers.
	StartDiscovery(ctx context.Context) error

	// DiscoveredPeers returns the peers found since discovery started.
	DiscoveredPeers() []PeerInfo

	// Connect attempts a direct-link connection to the given peer.
	Connect(ctx context.Context, peerID string) error

	// IsConnected reports whether any live transport link exists.
	IsConnected() bool

	// ListAccessPoints returns peer-hosted access points currently visible.
	ListAccessPoints(ctx context.Context) ([]AccessPointInfo, error)

	// JoinAccessPoint joins a peer-hosted access point by SSID.
	JoinAccessPoint(ctx context.Context, ssid string) (bool, error)

	// CreateHostedAccessPoint creates and hosts a local access point.
	CreateHostedAccessPoint(ctx context.Context, ssid, password string) (bool, error)

	// Send transmits a payload to a destination peer. It may fail; the
	// caller owns retry policy.
	Send(ctx context.Context, destination string, payload []byte) error

	// Broadcast transmits a payload to every reachable peer. Used for
	// liveness probes and emergency beacons.
	Broadcast(ctx context.Context, payload []byte) error

	// IsReachable reports whether a destination peer is currently
	// reachable over the active transport.
	IsReachable(destination string) bool

	// SignalStrength returns the most recent signal-strength reading for
	// a peer on a dBm-like scale. ok is false when no reading exists.
	SignalStrength(peerID string) (dbm int, ok bool)

	// KnownPeers returns every peer the provider knows about, connected
	// and discovered-but-unconnected alike.
	KnownPeers() []PeerInfo

	// Events returns the provider's event stream: reachability changes
	// and inbound messages.
	Events() <-chan Event
}
