// Package transport provides an in-memory TransportProvider implementation.
//
// SimulatedTransport stands in for the platform radio layer in tests and
// demos: peers, access points, signal readings, reachability and send
// failures are all scripted by the caller.
package transport

import (
	"context"
	"sync"

	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

// SentRecord captures one Send call observed by the simulated transport.
type SentRecord struct {
	Destination string
	Payload     []byte
}

type simPeer struct {
	info      transport.PeerInfo
	signal    int
	hasSignal bool
	reachable bool
}

// SimulatedTransport implements transport.TransportProvider in memory.
// It is safe for concurrent use.
type SimulatedTransport struct {
	mu sync.RWMutex

	peers      map[string]*simPeer
	pending    []transport.PeerInfo
	discovered []transport.PeerInfo
	aps        []transport.AccessPointInfo
	connected  bool
	hostedSSID string

	connectErr   error
	joinResults  map[string]bool
	hostResult   bool
	hostErr      error
	sendErr      error
	failSends    int
	broadcastErr error

	sent       []SentRecord
	broadcasts [][]byte

	events chan transport.Event
}

// NewSimulatedTransport creates an empty simulated transport.
func NewSimulatedTransport() *SimulatedTransport {
	return &SimulatedTransport{
		peers:       make(map[string]*simPeer),
		joinResults: make(map[string]bool),
		hostResult:  true,
		events:      make(chan transport.Event, 64),
	}
}

// StartDiscovery reveals the seeded pending peers.
func (s *SimulatedTransport) StartDiscovery(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discovered = append(s.discovered, s.pending...)
	for _, info := range s.pending {
		if _, ok := s.peers[info.ID]; !ok {
			s.peers[info.ID] = &simPeer{info: info}
		}
	}
	s.pending = nil
	return nil
}

// DiscoveredPeers returns peers revealed by discovery so far.
func (s *SimulatedTransport) DiscoveredPeers() []transport.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.PeerInfo, len(s.discovered))
	copy(out, s.discovered)
	return out
}

// Connect marks the transport connected unless a connect error is scripted.
func (s *SimulatedTransport) Connect(ctx context.Context, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectErr != nil {
		return s.connectErr
	}
	if peer, ok := s.peers[peerID]; ok {
		peer.info.Connected = true
		peer.reachable = true
	}
	s.connected = true
	return nil
}

// IsConnected reports whether any live link exists.
func (s *SimulatedTransport) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ListAccessPoints returns the scripted peer-hosted access points.
func (s *SimulatedTransport) ListAccessPoints(ctx context.Context) ([]transport.AccessPointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.AccessPointInfo, len(s.aps))
	copy(out, s.aps)
	return out, nil
}

// JoinAccessPoint succeeds when the scripted join result for the SSID is true.
func (s *SimulatedTransport) JoinAccessPoint(ctx context.Context, ssid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.joinResults[ssid]
	if ok {
		s.connected = true
	}
	return ok, nil
}

// CreateHostedAccessPoint succeeds per the scripted host result.
func (s *SimulatedTransport) CreateHostedAccessPoint(ctx context.Context, ssid, password string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hostErr != nil {
		return false, s.hostErr
	}
	if s.hostResult {
		s.hostedSSID = ssid
		s.connected = true
	}
	return s.hostResult, nil
}

// Send records the payload, or fails per scripted send errors.
func (s *SimulatedTransport) Send(ctx context.Context, destination string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSends > 0 {
		s.failSends--
		return s.sendErrOrDefault()
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	s.sent = append(s.sent, SentRecord{Destination: destination, Payload: copied})
	return nil
}

// Broadcast records the payload, or fails per the scripted broadcast error.
func (s *SimulatedTransport) Broadcast(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broadcastErr != nil {
		return s.broadcastErr
	}
	copied := make([]byte, len(payload))
	copy(copied, payload)
	s.broadcasts = append(s.broadcasts, copied)
	return nil
}

// IsReachable reports the scripted reachability of a destination.
func (s *SimulatedTransport) IsReachable(destination string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[destination]
	return ok && peer.reachable
}

// SignalStrength returns the scripted signal reading for a peer.
func (s *SimulatedTransport) SignalStrength(peerID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	peer, ok := s.peers[peerID]
	if !ok || !peer.hasSignal {
		return 0, false
	}
	return peer.signal, true
}

// KnownPeers returns every scripted peer.
func (s *SimulatedTransport) KnownPeers() []transport.PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]transport.PeerInfo, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer.info)
	}
	return out
}

// Events returns the provider event stream.
func (s *SimulatedTransport) Events() <-chan transport.Event {
	return s.events
}

// --- scripting hooks ---

// AddPeer registers a peer with the given reachability.
func (s *SimulatedTransport) AddPeer(info transport.PeerInfo, reachable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[info.ID] = &simPeer{info: info, reachable: reachable}
}

// SeedDiscovery schedules peers to be revealed by the next StartDiscovery.
func (s *SimulatedTransport) SeedDiscovery(peers ...transport.PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, peers...)
}

// SetReachable flips a destination's reachability and emits the
// corresponding transport event.
func (s *SimulatedTransport) SetReachable(peerID string, reachable bool) {
	s.mu.Lock()
	peer, ok := s.peers[peerID]
	if !ok {
		peer = &simPeer{info: transport.PeerInfo{ID: peerID}}
		s.peers[peerID] = peer
	}
	peer.reachable = reachable
	s.mu.Unlock()

	eventType := transport.EventPeerUnreachable
	if reachable {
		eventType = transport.EventPeerReachable
	}
	s.emit(transport.Event{Type: eventType, PeerID: peerID})
}

// SetSignal scripts a peer's signal-strength reading.
func (s *SimulatedTransport) SetSignal(peerID string, dbm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peer, ok := s.peers[peerID]
	if !ok {
		peer = &simPeer{info: transport.PeerInfo{ID: peerID}}
		s.peers[peerID] = peer
	}
	peer.signal = dbm
	peer.hasSignal = true
}

// AddAccessPoint makes a peer-hosted access point visible.
func (s *SimulatedTransport) AddAccessPoint(ap transport.AccessPointInfo, joinable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aps = append(s.aps, ap)
	s.joinResults[ap.SSID] = joinable
}

// SetConnected overrides the connected flag.
func (s *SimulatedTransport) SetConnected(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = connected
}

// SetConnectError scripts Connect to fail.
func (s *SimulatedTransport) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectErr = err
}

// SetHostResult scripts CreateHostedAccessPoint's outcome.
func (s *SimulatedTransport) SetHostResult(ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostResult = ok
	s.hostErr = err
}

// SetSendError scripts every Send to fail until cleared.
func (s *SimulatedTransport) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// FailNextSends scripts the next n Send calls to fail.
func (s *SimulatedTransport) FailNextSends(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSends = n
}

// SetBroadcastError scripts Broadcast to fail.
func (s *SimulatedTransport) SetBroadcastError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastErr = err
}

// Deliver emits an inbound message event as if a peer had sent it.
func (s *SimulatedTransport) Deliver(from string, payload []byte) {
	s.emit(transport.Event{Type: transport.EventMessageReceived, PeerID: from, Payload: payload})
}

// Sent returns every payload passed to Send so far.
func (s *SimulatedTransport) Sent() []SentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SentRecord, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentTo returns the payloads sent to one destination, in send order.
func (s *SimulatedTransport) SentTo(destination string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out [][]byte
	for _, rec := range s.sent {
		if rec.Destination == destination {
			out = append(out, rec.Payload)
		}
	}
	return out
}

// Broadcasts returns every payload passed to Broadcast so far.
func (s *SimulatedTransport) Broadcasts() [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]byte, len(s.broadcasts))
	copy(out, s.broadcasts)
	return out
}

// HostedSSID returns the SSID of the access point this device hosts, if any.
func (s *SimulatedTransport) HostedSSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hostedSSID
}

func (s *SimulatedTransport) sendErrOrDefault() error {
	if s.sendErr != nil {
		return s.sendErr
	}
	return errSendFailed
}

func (s *SimulatedTransport) emit(event transport.Event) {
	select {
	case s.events <- event:
	default:
		// Slow subscriber; drop rather than block the radio layer.
	}
}

// Verify that SimulatedTransport implements the provider at compile time
var _ transport.TransportProvider = (*SimulatedTransport)(nil)
