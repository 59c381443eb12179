// Package relaynode wires the delivery-reliability components into a single
// node: transport fallback, health monitoring, signal grading, the outbound
// reliability queue, acknowledgment tracking and remote reconciliation.
//
// The node owns the transport provider's event stream. Reachability changes
// feed the queue, inbound envelopes feed the acknowledgment tracker, and
// received messages are logged locally so the reconciler can mirror them.
package relaynode

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/internal/acktrack"
	"github.com/meshrelay/meshrelay-go/internal/fallback"
	"github.com/meshrelay/meshrelay-go/internal/health"
	"github.com/meshrelay/meshrelay-go/internal/msgid"
	"github.com/meshrelay/meshrelay-go/internal/relqueue"
	"github.com/meshrelay/meshrelay-go/internal/signal"
	"github.com/meshrelay/meshrelay-go/internal/syncer"
	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/meshrelay"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

// Node implements meshrelay.RelayNode over a transport provider and the
// local/remote stores.
type Node struct {
	mu       sync.Mutex
	config   Config
	provider transport.TransportProvider
	store    storage.LocalStore
	log      *logrus.Entry

	deviceID    string
	ids         *msgid.Generator
	coordinator *fallback.Coordinator
	monitor     *health.Monitor
	signals     *signal.Tracker
	queue       *relqueue.Queue
	acks        *acktrack.Tracker
	reconciler  *syncer.Reconciler

	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a relay node. remote and connectivity may be nil, which
// disables remote reconciliation. The device identifier is loaded from the
// local store and minted on first run.
func New(config Config, provider transport.TransportProvider, store storage.LocalStore,
	remote storage.RemoteStore, connectivity storage.ConnectivitySignal, logger *logrus.Logger) (*Node, error) {

	if provider == nil {
		return nil, ErrNilProvider
	}
	if store == nil {
		return nil, ErrNilStore
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logrus.NewEntry(logger)

	deviceID, err := resolveDeviceID(context.Background(), config.DeviceID, store)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}
	log = log.WithField("device", deviceID)

	node := &Node{
		config:   config,
		provider: provider,
		store:    store,
		log:      log.WithField("component", "relaynode"),
		deviceID: deviceID,
		ids:      msgid.NewGenerator(deviceID, store),
	}

	node.coordinator, err = fallback.New(config.Fallback, provider, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create fallback coordinator: %w", err)
	}

	node.monitor, err = health.New(config.Health, provider, node.coordinator, node, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create health monitor: %w", err)
	}

	node.signals = signal.New(config.Signal, provider, log)

	node.queue, err = relqueue.New(config.Queue, provider, store, node.ids, deviceID, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create reliability queue: %w", err)
	}

	node.acks, err = acktrack.New(config.Ack, provider, store, node.ids, deviceID, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create acknowledgment tracker: %w", err)
	}

	if remote != nil {
		node.reconciler, err = syncer.New(config.Sync, store, remote, connectivity, deviceID, log)
		if err != nil {
			return nil, fmt.Errorf("failed to create sync reconciler: %w", err)
		}
	}

	return node, nil
}

// resolveDeviceID prefers an explicit override, then the stored identifier,
// and mints a new one on first run.
func resolveDeviceID(ctx context.Context, override string, store storage.LocalStore) (string, error) {
	if override != "" {
		if err := store.SetDeviceID(ctx, override); err != nil {
			return "", err
		}
		return override, nil
	}

	id, err := store.DeviceID(ctx)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	id = ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	if err := store.SetDeviceID(ctx, id); err != nil {
		return "", err
	}
	return id, nil
}

// Start brings up every component, begins consuming transport events, and
// kicks off the first connection attempt. Idempotent.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNodeClosed
	}
	if n.started {
		n.mu.Unlock()
		return nil
	}

	if err := n.queue.Start(ctx); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to start reliability queue: %w", err)
	}
	n.signals.Start(ctx)
	if n.reconciler != nil {
		if err := n.reconciler.Start(ctx); err != nil {
			n.mu.Unlock()
			return fmt.Errorf("failed to start sync reconciler: %w", err)
		}
	}
	n.monitor.StartEmergencyMonitoring(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	n.started = true
	n.mu.Unlock()

	go n.pumpTransportEvents(runCtx, n.done)

	// The connection sequence runs on the node's own context so Stop
	// cancels an attempt still in flight.
	n.coordinator.InitiateConnection(runCtx)
	n.log.Info("relay node started")
	return nil
}

// Stop gracefully shuts down background work. Idempotent.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	cancel()
	<-done

	n.monitor.StopEmergencyMonitoring()
	n.signals.Stop()
	n.queue.Stop()
	n.acks.Stop()
	if n.reconciler != nil {
		n.reconciler.Stop()
	}

	n.log.Info("relay node stopped")
	return nil
}

// Close stops the node and releases the local store. Idempotent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	if err := n.Stop(context.Background()); err != nil {
		return err
	}
	if err := n.monitor.Close(); err != nil {
		return err
	}
	return n.store.Close()
}

// SendMessage submits an outbound message. A reachable destination gets an
// immediate tracked send; anything else goes through the reliability queue.
// A tracked send that fails mid-flight is requeued under its original id.
func (n *Node) SendMessage(ctx context.Context, destination string, payload []byte, kind message.Kind) (string, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return "", ErrNodeClosed
	}
	n.mu.Unlock()

	if !n.provider.IsReachable(destination) {
		return n.queue.QueueMessage(ctx, destination, payload, kind, nil)
	}

	id, err := n.acks.SendWithAck(ctx, destination, payload, kind)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, meshrelay.ErrTransportUnavailable) || id == "" {
		return "", err
	}

	// The log entry already exists under this id; keep it and queue.
	n.log.WithField("id", id).Debug("direct send failed, queueing")
	if qErr := n.queue.Requeue(ctx, &message.QueuedMessage{
		ID:          id,
		Destination: destination,
		Payload:     payload,
		Kind:        kind,
		QueuedAt:    time.Now().UTC(),
	}); qErr != nil {
		return "", qErr
	}
	return id, nil
}

// DeviceID returns this device's stable identifier.
func (n *Node) DeviceID() string {
	return n.deviceID
}

// Status returns an aggregated snapshot across components.
func (n *Node) Status(ctx context.Context) (meshrelay.NodeStatus, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return meshrelay.NodeStatus{}, ErrNodeClosed
	}
	n.mu.Unlock()

	coordinator := n.coordinator.Status()
	monitor := n.monitor.Status()

	status := meshrelay.NodeStatus{
		Mode:              coordinator.Mode.String(),
		ConnectionRetries: coordinator.RetryCount,
		Connected:         n.provider.IsConnected(),
		QueuedMessages:    n.queue.TotalQueued(),
		PendingAcks:       n.acks.PendingCount(),
		LastProbeSuccess:  monitor.LastProbeSuccess,
	}
	if n.reconciler != nil {
		status.Online = n.reconciler.Online()
	}
	return status, nil
}

// SetEmergencyMode toggles aggressive reconnection on the health monitor.
func (n *Node) SetEmergencyMode(on bool) {
	n.monitor.SetEmergencyMode(on)
}

// HandleConnectionLoss restarts the connection sequence after a failed
// liveness probe.
func (n *Node) HandleConnectionLoss(ctx context.Context) {
	n.log.Warn("connection loss detected, reconnecting")
	n.coordinator.InitiateConnection(ctx)
}

// Coordinator exposes the transport fallback coordinator.
func (n *Node) Coordinator() *fallback.Coordinator { return n.coordinator }

// Monitor exposes the emergency health monitor.
func (n *Node) Monitor() *health.Monitor { return n.monitor }

// Signals exposes the signal quality tracker.
func (n *Node) Signals() *signal.Tracker { return n.signals }

// Queue exposes the message reliability queue.
func (n *Node) Queue() *relqueue.Queue { return n.queue }

// Acks exposes the acknowledgment tracker.
func (n *Node) Acks() *acktrack.Tracker { return n.acks }

// Reconciler exposes the sync reconciler. Nil when no remote store is
// configured.
func (n *Node) Reconciler() *syncer.Reconciler { return n.reconciler }

func (n *Node) pumpTransportEvents(ctx context.Context, done chan struct{}) {
	defer close(done)
	events := n.provider.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			n.dispatch(ctx, event)
		}
	}
}

func (n *Node) dispatch(ctx context.Context, event transport.Event) {
	switch event.Type {
	case transport.EventPeerReachable:
		n.signals.SampleNow()
		n.queue.HandlePeerReachable(ctx, event.PeerID)
	case transport.EventPeerUnreachable:
		n.queue.HandlePeerUnreachable(event.PeerID)
	case transport.EventMessageReceived:
		n.handleInbound(ctx, event)
	}
}

// handleInbound decodes a received envelope, hands it to the acknowledgment
// tracker, and logs non-administrative messages locally so the reconciler
// mirrors them to the archive.
func (n *Node) handleInbound(ctx context.Context, event transport.Event) {
	env, err := message.DecodeEnvelope(event.Payload)
	if err != nil {
		n.log.WithError(err).WithField("peer", event.PeerID).Warn("dropping undecodable envelope")
		return
	}

	n.acks.HandleInbound(ctx, env, event.PeerID)

	if env.IsAck() || env.Kind == message.KindSystem {
		return
	}

	exists, err := n.store.MessageExists(ctx, env.ID)
	if err != nil {
		n.log.WithError(err).WithField("id", env.ID).Warn("failed to check inbound message")
		return
	}
	if exists {
		// Redelivery of an already-logged message; the ack above suffices.
		return
	}

	inbound := &message.Message{
		ID:          env.ID,
		SessionID:   env.SessionID,
		Sender:      env.Sender,
		Destination: n.deviceID,
		Kind:        env.Kind,
		Payload:     env.Payload,
		Status:      message.StatusDelivered,
		CreatedAt:   env.SentAt,
	}
	if inbound.CreatedAt.IsZero() {
		inbound.CreatedAt = time.Now().UTC()
	}
	if err := n.store.SaveMessage(ctx, inbound); err != nil {
		n.log.WithError(err).WithField("id", env.ID).Warn("failed to log inbound message")
	}
}

// Verify that Node implements the RelayNode interface at compile time
var _ meshrelay.RelayNode = (*Node)(nil)
