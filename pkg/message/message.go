package message

import (
	"time"
)

// Kind classifies a message's payload.
type Kind int

const (
	KindText Kind = iota
	KindLocation
	KindEmergency
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindLocation:
		return "location"
	case KindEmergency:
		return "emergency"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseKind converts a string produced by Kind.String back to a Kind.
// Unrecognized values map to KindText.
func ParseKind(s string) Kind {
	switch s {
	case "location":
		return KindLocation
	case "emergency":
		return KindEmergency
	case "system":
		return KindSystem
	default:
		return KindText
	}
}

// Status is the delivery state of a message log entry.
// A message's terminal state is always one of sent, delivered, synced or
// failed; no path leaves a message in an ambiguous state once its retry
// budget is spent.
type Status int

const (
	StatusPending Status = iota
	StatusSent
	StatusDelivered
	StatusSynced
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusSynced:
		return "synced"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ParseStatus converts a string produced by Status.String back to a Status.
// Unrecognized values map to StatusPending.
func ParseStatus(s string) Status {
	switch s {
	case "sent":
		return StatusSent
	case "delivered":
		return StatusDelivered
	case "synced":
		return StatusSynced
	case "failed":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Message is a single entry in the local message log. It is the durable
// record of an outbound or inbound message, independent of whether the
// message is currently queued for delivery.
type Message struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId"`
	Sender      string            `json:"sender"`
	Destination string            `json:"destination"`
	Kind        Kind              `json:"kind"`
	Payload     []byte            `json:"payload"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	Synced      bool              `json:"synced"`
	RetryCount  int               `json:"retryCount"`
	SyncRetries int               `json:"syncRetries"`
	LastSyncTry time.Time         `json:"lastSyncTry"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the message. Components hand copies to
// observers so a caller cannot mutate the stored record.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Payload != nil {
		out.Payload = make([]byte, len(m.Payload))
		copy(out.Payload, m.Payload)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// QueuedMessage is an outbound message waiting for its destination to
// become reachable. It is owned exclusively by the reliability queue;
// only the queue's drain logic mutates RetryCount and LastRetryAt.
type QueuedMessage struct {
	ID          string            `json:"id"`
	Destination string            `json:"destination"`
	SessionID   string            `json:"sessionId"`
	Payload     []byte            `json:"payload"`
	Kind        Kind              `json:"kind"`
	QueuedAt    time.Time         `json:"queuedAt"`
	RetryCount  int               `json:"retryCount"`
	LastRetryAt time.Time         `json:"lastRetryAt"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the queued message.
func (q *QueuedMessage) Clone() *QueuedMessage {
	if q == nil {
		return nil
	}
	out := *q
	if q.Payload != nil {
		out.Payload = make([]byte, len(q.Payload))
		copy(out.Payload, q.Payload)
	}
	if q.Metadata != nil {
		out.Metadata = make(map[string]string, len(q.Metadata))
		for k, v := range q.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
