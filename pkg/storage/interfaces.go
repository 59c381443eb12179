package storage

import (
	"context"
	"errors"
	"time"

	"github.com/meshrelay/meshrelay-go/pkg/message"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// LocalStore is the single source of truth for the message log, the
// outbound queue and the sync cursor. It is assumed durable across process
// restarts; every mutating pass writes through to it.
type LocalStore interface {
	// SaveMessage inserts or replaces a message log entry by id.
	SaveMessage(ctx context.Context, msg *message.Message) error

	// GetMessage returns the log entry with the given id, or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*message.Message, error)

	// MessageExists reports whether a log entry with the given id exists.
	MessageExists(ctx context.Context, id string) (bool, error)

	// UpdateStatus sets the status of the log entry with the given id.
	UpdateStatus(ctx context.Context, id string, status message.Status) error

	// MarkSynced flags the log entry as mirrored to the remote store.
	MarkSynced(ctx context.Context, id string) error

	// RecordSyncAttempt increments the entry's sync retry counter and
	// records when the attempt happened.
	RecordSyncAttempt(ctx context.Context, id string, at time.Time) error

	// UnsyncedMessages returns log entries not yet mirrored remotely,
	// excluding entries in a failed state.
	UnsyncedMessages(ctx context.Context) ([]*message.Message, error)

	// LoadQueue returns the persisted outbound queue keyed by destination,
	// each destination's messages in enqueue order.
	LoadQueue(ctx context.Context) (map[string][]*message.QueuedMessage, error)

	// SaveQueue replaces the persisted outbound queue.
	SaveQueue(ctx context.Context, queue map[string][]*message.QueuedMessage) error

	// SyncCursor returns the timestamp watermark of the last successfully
	// pulled remote record. The zero time means nothing has been pulled.
	SyncCursor(ctx context.Context) (time.Time, error)

	// SetSyncCursor advances the pull watermark. Callers only ever move
	// it forward.
	SetSyncCursor(ctx context.Context, cursor time.Time) error

	// DeviceID returns this device's stable identifier, or ErrNotFound if
	// none has been stored yet.
	DeviceID(ctx context.Context) (string, error)

	// SetDeviceID stores this device's stable identifier.
	SetDeviceID(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}

// RemoteRecord is a message as stored in the remote durable store.
type RemoteRecord struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"sessionId,omitempty"`
	Sender      string            `json:"sender"`
	Destination string            `json:"destination"`
	Kind        string            `json:"kind"`
	Payload     []byte            `json:"payload,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RemoteStore is the wide-area durable store the sync reconciler mirrors
// the local log against. Put is idempotent: writing the same id and record
// twice is success, not duplication.
type RemoteStore interface {
	// Get returns the remote record with the given id, or ErrNotFound.
	Get(ctx context.Context, id string) (*RemoteRecord, error)

	// Put upserts a record keyed by its ID field.
	Put(ctx context.Context, record *RemoteRecord) error

	// Query returns records with timestamp strictly after since, ordered
	// by timestamp ascending, at most limit records.
	Query(ctx context.Context, since time.Time, limit int) ([]*RemoteRecord, error)
}

// ConnectivitySignal reports whether wide-area connectivity exists.
// Changes delivers the new online state on every transition.
type ConnectivitySignal interface {
	Online() bool
	Changes() <-chan bool
}
