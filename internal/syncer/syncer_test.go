package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/meshrelay-go/internal/localstore"
	"github.com/meshrelay/meshrelay-go/internal/remotestore"
	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

// fakeConnectivity is a scriptable connectivity signal.
type fakeConnectivity struct {
	mu      sync.Mutex
	online  bool
	changes chan bool
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	return &fakeConnectivity{online: online, changes: make(chan bool, 8)}
}

func (f *fakeConnectivity) Online() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConnectivity) Changes() <-chan bool { return f.changes }

func (f *fakeConnectivity) Set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
	f.changes <- online
}

var _ storage.ConnectivitySignal = (*fakeConnectivity)(nil)

type syncFixture struct {
	local  *localstore.MemoryStore
	remote *remotestore.MemoryRemote
	conn   *fakeConnectivity
	rec    *Reconciler
}

func newSyncFixture(t *testing.T, cfg Config) *syncFixture {
	t.Helper()
	local := localstore.NewMemoryStore()
	remote := remotestore.NewMemoryRemote()
	conn := newFakeConnectivity(true)

	rec, err := New(cfg, local, remote, conn, "device-a", nil)
	require.NoError(t, err)
	t.Cleanup(rec.Stop)
	return &syncFixture{local: local, remote: remote, conn: conn, rec: rec}
}

func seedLocal(t *testing.T, store *localstore.MemoryStore, id string, status message.Status) *message.Message {
	t.Helper()
	msg := &message.Message{
		ID:          id,
		Sender:      "device-a",
		Destination: "device-b",
		Kind:        message.KindText,
		Payload:     []byte("payload-" + id),
		Status:      status,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SaveMessage(context.Background(), msg))
	return msg
}

func TestSyncNow_PushesUnsyncedMessages(t *testing.T) {
	f := newSyncFixture(t, Config{})
	ctx := context.Background()

	seedLocal(t, f.local, "m1", message.StatusDelivered)
	seedLocal(t, f.local, "m2", message.StatusSent)

	require.NoError(t, f.rec.SyncNow(ctx))

	assert.True(t, f.remote.Has("m1"))
	assert.True(t, f.remote.Has("m2"))

	for _, id := range []string{"m1", "m2"} {
		msg, err := f.local.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.True(t, msg.Synced)
		assert.Equal(t, message.StatusSynced, msg.Status)
	}
}

func TestSyncNow_OfflineIsRejected(t *testing.T) {
	f := newSyncFixture(t, Config{})
	f.conn.Set(false)

	seedLocal(t, f.local, "m1", message.StatusDelivered)

	assert.ErrorIs(t, f.rec.SyncNow(context.Background()), ErrOffline)
	assert.Equal(t, 0, f.remote.Len())
}

func TestSyncNow_FailedUploadMovesToRetryPath(t *testing.T) {
	f := newSyncFixture(t, Config{BackoffUnit: time.Millisecond})
	ctx := context.Background()

	seedLocal(t, f.local, "m1", message.StatusDelivered)
	f.remote.SetPutError(assert.AnError)

	require.NoError(t, f.rec.SyncNow(ctx))

	msg, err := f.local.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, msg.Synced)
	assert.Equal(t, 1, msg.SyncRetries)
	assert.False(t, msg.LastSyncTry.IsZero())

	// The regular pass leaves previously failed entries alone.
	require.NoError(t, f.rec.SyncNow(ctx))
	msg, err = f.local.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, msg.SyncRetries)

	// After the backoff window the retry pass picks it up.
	f.remote.SetPutError(nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.rec.RetryFailedSyncs(ctx))

	msg, err = f.local.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, msg.Synced)
	assert.True(t, f.remote.Has("m1"))
}

func TestRetryFailedSyncs_RespectsBackoffWindow(t *testing.T) {
	f := newSyncFixture(t, Config{BackoffUnit: time.Hour})
	ctx := context.Background()

	seedLocal(t, f.local, "m1", message.StatusDelivered)
	f.remote.SetPutError(assert.AnError)
	require.NoError(t, f.rec.SyncNow(ctx))
	f.remote.SetPutError(nil)

	// Backoff has not elapsed: the retry pass must not touch it.
	require.NoError(t, f.rec.RetryFailedSyncs(ctx))
	assert.False(t, f.remote.Has("m1"))
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	f := newSyncFixture(t, Config{BackoffUnit: time.Minute, MaxBackoffUnits: 60})

	assert.Equal(t, time.Minute, f.rec.backoff(0))
	assert.Equal(t, 2*time.Minute, f.rec.backoff(1))
	assert.Equal(t, 4*time.Minute, f.rec.backoff(2))
	assert.Equal(t, 32*time.Minute, f.rec.backoff(5))
	assert.Equal(t, 60*time.Minute, f.rec.backoff(6))
	assert.Equal(t, 60*time.Minute, f.rec.backoff(20))
}

func TestSyncNow_PullsUnseenRecords(t *testing.T) {
	f := newSyncFixture(t, Config{})
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	seedLocal(t, f.local, "known", message.StatusSynced)
	require.NoError(t, f.local.MarkSynced(ctx, "known"))
	f.remote.Seed(
		&storage.RemoteRecord{ID: "known", Kind: "text", Timestamp: base.Add(time.Minute)},
		&storage.RemoteRecord{ID: "new1", Sender: "device-c", Kind: "text",
			Payload: []byte("hi"), Timestamp: base.Add(2 * time.Minute)},
	)

	require.NoError(t, f.rec.SyncNow(ctx))

	// The known record is skipped, the new one lands locally as synced.
	msg, err := f.local.GetMessage(ctx, "new1")
	require.NoError(t, err)
	assert.Equal(t, message.StatusSynced, msg.Status)
	assert.True(t, msg.Synced)
	assert.Equal(t, "device-c", msg.Sender)

	known, err := f.local.GetMessage(ctx, "known")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload-known"), known.Payload)

	// Cursor advanced to the newest pulled record.
	cursor, err := f.local.SyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Minute), cursor)
}

func TestSyncNow_PullPaginates(t *testing.T) {
	f := newSyncFixture(t, Config{PullPageSize: 2})
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		f.remote.Seed(&storage.RemoteRecord{
			ID: id, Kind: "text", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}

	require.NoError(t, f.rec.SyncNow(ctx))

	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		exists, err := f.local.MessageExists(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists, id)
	}
	cursor, err := f.local.SyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.Add(4*time.Minute), cursor)
}

func TestSyncNow_CursorNeverMovesBackwards(t *testing.T) {
	f := newSyncFixture(t, Config{})
	ctx := context.Background()

	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.local.SetSyncCursor(ctx, future))

	f.remote.Seed(&storage.RemoteRecord{
		ID: "old", Kind: "text", Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, f.rec.SyncNow(ctx))

	cursor, err := f.local.SyncCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, future, cursor)
}

func TestReconciler_SyncsOnReconnect(t *testing.T) {
	f := newSyncFixture(t, Config{SyncInterval: time.Hour, RetryPassInterval: time.Hour})
	ctx := context.Background()

	f.conn.Set(false)
	seedLocal(t, f.local, "m1", message.StatusDelivered)

	require.NoError(t, f.rec.Start(ctx))

	// Coming back online triggers an immediate pass, not a tick wait.
	f.conn.Set(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.remote.Has("m1") {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.True(t, f.remote.Has("m1"))
}

func TestReconciler_StartStopIdempotent(t *testing.T) {
	f := newSyncFixture(t, Config{SyncInterval: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, f.rec.Start(ctx))
	require.NoError(t, f.rec.Start(ctx))
	f.rec.Stop()
	f.rec.Stop()

	assert.False(t, f.rec.Status().Running)
}
