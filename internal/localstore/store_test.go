package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

// runStoreTests exercises the LocalStore contract against an implementation.
func runStoreTests(t *testing.T, newStore func(t *testing.T) storage.LocalStore) {
	ctx := context.Background()

	t.Run("message_log_round_trip", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		msg := &message.Message{
			ID:          "m1",
			SessionID:   "s1",
			Sender:      "device-a",
			Destination: "device-b",
			Kind:        message.KindText,
			Payload:     []byte("hello"),
			Status:      message.StatusPending,
			CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
			Metadata:    map[string]string{"hops": "2"},
		}
		require.NoError(t, store.SaveMessage(ctx, msg))

		got, err := store.GetMessage(ctx, "m1")
		require.NoError(t, err)
		assert.Equal(t, msg.ID, got.ID)
		assert.Equal(t, msg.Payload, got.Payload)
		assert.Equal(t, message.KindText, got.Kind)
		assert.Equal(t, "2", got.Metadata["hops"])
		assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))

		exists, err := store.MessageExists(ctx, "m1")
		require.NoError(t, err)
		assert.True(t, exists)

		exists, err = store.MessageExists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)

		_, err = store.GetMessage(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("status_and_sync_updates", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		msg := &message.Message{ID: "m2", Status: message.StatusPending, CreatedAt: time.Now().UTC()}
		require.NoError(t, store.SaveMessage(ctx, msg))

		require.NoError(t, store.UpdateStatus(ctx, "m2", message.StatusSent))
		got, err := store.GetMessage(ctx, "m2")
		require.NoError(t, err)
		assert.Equal(t, message.StatusSent, got.Status)

		unsynced, err := store.UnsyncedMessages(ctx)
		require.NoError(t, err)
		require.Len(t, unsynced, 1)

		require.NoError(t, store.MarkSynced(ctx, "m2"))
		unsynced, err = store.UnsyncedMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, unsynced)

		at := time.Now().UTC()
		require.NoError(t, store.RecordSyncAttempt(ctx, "m2", at))
		got, err = store.GetMessage(ctx, "m2")
		require.NoError(t, err)
		assert.Equal(t, 1, got.SyncRetries)
		assert.False(t, got.LastSyncTry.IsZero())
	})

	t.Run("failed_messages_excluded_from_unsynced", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.SaveMessage(ctx, &message.Message{
			ID: "m3", Status: message.StatusFailed, CreatedAt: time.Now().UTC(),
		}))
		unsynced, err := store.UnsyncedMessages(ctx)
		require.NoError(t, err)
		assert.Empty(t, unsynced)
	})

	t.Run("queue_round_trip_preserves_order", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		queue := map[string][]*message.QueuedMessage{
			"device-b": {
				{ID: "q1", Destination: "device-b", Payload: []byte("first"), QueuedAt: time.Now().UTC()},
				{ID: "q2", Destination: "device-b", Payload: []byte("second"), QueuedAt: time.Now().UTC(), RetryCount: 1},
			},
			"device-c": {
				{ID: "q3", Destination: "device-c", Payload: []byte("third"), QueuedAt: time.Now().UTC()},
			},
		}
		require.NoError(t, store.SaveQueue(ctx, queue))

		loaded, err := store.LoadQueue(ctx)
		require.NoError(t, err)
		require.Len(t, loaded["device-b"], 2)
		assert.Equal(t, "q1", loaded["device-b"][0].ID)
		assert.Equal(t, "q2", loaded["device-b"][1].ID)
		assert.Equal(t, 1, loaded["device-b"][1].RetryCount)
		require.Len(t, loaded["device-c"], 1)

		// Replacing with an empty queue clears persistence.
		require.NoError(t, store.SaveQueue(ctx, map[string][]*message.QueuedMessage{}))
		loaded, err = store.LoadQueue(ctx)
		require.NoError(t, err)
		assert.Empty(t, loaded)
	})

	t.Run("sync_cursor", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		cursor, err := store.SyncCursor(ctx)
		require.NoError(t, err)
		assert.True(t, cursor.IsZero())

		mark := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, store.SetSyncCursor(ctx, mark))
		cursor, err = store.SyncCursor(ctx)
		require.NoError(t, err)
		assert.True(t, mark.Equal(cursor))
	})

	t.Run("device_id", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		_, err := store.DeviceID(ctx)
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, store.SetDeviceID(ctx, "device-a"))
		id, err := store.DeviceID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "device-a", id)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) storage.LocalStore {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreTests(t, func(t *testing.T) storage.LocalStore {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "meshrelay.db"))
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meshrelay.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveQueue(ctx, map[string][]*message.QueuedMessage{
		"device-b": {{ID: "q1", Destination: "device-b", QueuedAt: time.Now().UTC()}},
	}))
	require.NoError(t, store.SetSyncCursor(ctx, time.Now().UTC()))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	queue, err := reopened.LoadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue["device-b"], 1)

	cursor, err := reopened.SyncCursor(ctx)
	require.NoError(t, err)
	assert.False(t, cursor.IsZero())
}
