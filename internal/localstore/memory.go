// Package localstore provides implementations of the storage.LocalStore
// contract: a sqlite-backed store for real deployments and an in-memory
// store for tests.
package localstore

import (
	"context"
	"sync"
	"time"

	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

// MemoryStore implements storage.LocalStore entirely in memory. It is safe
// for concurrent use. Contents do not survive a restart, so it is only
// suitable for tests and throwaway demos.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*message.Message
	queue    map[string][]*message.QueuedMessage
	cursor   time.Time
	deviceID string
	closed   bool
}

// NewMemoryStore creates an empty in-memory local store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*message.Message),
		queue:    make(map[string][]*message.QueuedMessage),
	}
}

// SaveMessage inserts or replaces a message log entry by id.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg.Clone()
	return nil
}

// GetMessage returns the log entry with the given id.
func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return msg.Clone(), nil
}

// MessageExists reports whether a log entry with the given id exists.
func (s *MemoryStore) MessageExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.messages[id]
	return ok, nil
}

// UpdateStatus sets the status of the log entry with the given id.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status message.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	msg.Status = status
	return nil
}

// MarkSynced flags the log entry as mirrored to the remote store.
func (s *MemoryStore) MarkSynced(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	msg.Synced = true
	return nil
}

// RecordSyncAttempt increments the entry's sync retry counter.
func (s *MemoryStore) RecordSyncAttempt(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	msg.SyncRetries++
	msg.LastSyncTry = at
	return nil
}

// UnsyncedMessages returns log entries not yet mirrored remotely.
func (s *MemoryStore) UnsyncedMessages(ctx context.Context) ([]*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*message.Message
	for _, msg := range s.messages {
		if !msg.Synced && msg.Status != message.StatusFailed {
			out = append(out, msg.Clone())
		}
	}
	return out, nil
}

// LoadQueue returns the persisted outbound queue keyed by destination.
func (s *MemoryStore) LoadQueue(ctx context.Context) (map[string][]*message.QueuedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]*message.QueuedMessage, len(s.queue))
	for dest, msgs := range s.queue {
		copied := make([]*message.QueuedMessage, len(msgs))
		for i, m := range msgs {
			copied[i] = m.Clone()
		}
		out[dest] = copied
	}
	return out, nil
}

// SaveQueue replaces the persisted outbound queue.
func (s *MemoryStore) SaveQueue(ctx context.Context, queue map[string][]*message.QueuedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	replacement := make(map[string][]*message.QueuedMessage, len(queue))
	for dest, msgs := range queue {
		copied := make([]*message.QueuedMessage, len(msgs))
		for i, m := range msgs {
			copied[i] = m.Clone()
		}
		replacement[dest] = copied
	}
	s.queue = replacement
	return nil
}

// SyncCursor returns the timestamp watermark of the last pulled record.
func (s *MemoryStore) SyncCursor(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

// SetSyncCursor advances the pull watermark.
func (s *MemoryStore) SetSyncCursor(ctx context.Context, cursor time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cursor
	return nil
}

// DeviceID returns this device's stable identifier.
func (s *MemoryStore) DeviceID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.deviceID == "" {
		return "", storage.ErrNotFound
	}
	return s.deviceID, nil
}

// SetDeviceID stores this device's stable identifier.
func (s *MemoryStore) SetDeviceID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
	return nil
}

// Close marks the store closed. Idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Verify that MemoryStore implements the LocalStore interface at compile time
var _ storage.LocalStore = (*MemoryStore)(nil)
