package meshrelay

import (
	"context"
	"io"
	"time"

	"github.com/meshrelay/meshrelay-go/pkg/message"
)

// RelayNode is the delivery-reliability core of a mesh messaging device.
// It orchestrates transport fallback, the outbound reliability queue,
// acknowledgment tracking, signal-quality grading and remote
// reconciliation behind a single lifecycle.
type RelayNode interface {
	io.Closer

	// Start brings up the node's components and begins background work.
	Start(ctx context.Context) error

	// Stop gracefully shuts down background work. Idempotent.
	Stop(ctx context.Context) error

	// SendMessage submits an outbound message. If the destination is
	// reachable it is sent immediately with acknowledgment tracking;
	// otherwise it is queued for delivery when the destination appears.
	// Returns the assigned message id.
	SendMessage(ctx context.Context, destination string, payload []byte, kind message.Kind) (string, error)

	// DeviceID returns this device's stable identifier.
	DeviceID() string

	// Status returns an aggregated snapshot across components.
	Status(ctx context.Context) (NodeStatus, error)
}

// NodeStatus is an aggregated observability snapshot of the node.
type NodeStatus struct {
	// Mode is the current transport mode name.
	Mode string

	// ConnectionRetries is the fallback coordinator's current retry count.
	ConnectionRetries int

	// Connected reports whether a live transport link exists.
	Connected bool

	// QueuedMessages is the total count of messages waiting for delivery.
	QueuedMessages int

	// PendingAcks is the number of sent messages awaiting acknowledgment.
	PendingAcks int

	// Online reports wide-area connectivity for remote reconciliation.
	Online bool

	// LastProbeSuccess is when the health monitor last saw a live probe.
	LastProbeSuccess time.Time
}
