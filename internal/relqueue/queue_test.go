package relqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/meshrelay-go/internal/localstore"
	"github.com/meshrelay/meshrelay-go/internal/msgid"
	simtransport "github.com/meshrelay/meshrelay-go/internal/transport"
	"github.com/meshrelay/meshrelay-go/pkg/message"
)

type queueFixture struct {
	sim   *simtransport.SimulatedTransport
	store *localstore.MemoryStore
	queue *Queue
}

func newQueueFixture(t *testing.T, cfg Config) *queueFixture {
	t.Helper()
	sim := simtransport.NewSimulatedTransport()
	store := localstore.NewMemoryStore()
	ids := msgid.NewGenerator("device-a", store)

	queue, err := New(cfg, sim, store, ids, "device-a", nil)
	require.NoError(t, err)
	return &queueFixture{sim: sim, store: store, queue: queue}
}

func decodePayloads(t *testing.T, raw [][]byte) []*message.Envelope {
	t.Helper()
	out := make([]*message.Envelope, len(raw))
	for i, data := range raw {
		env, err := message.DecodeEnvelope(data)
		require.NoError(t, err)
		out[i] = env
	}
	return out
}

func TestQueue_DrainSendsInEnqueueOrder(t *testing.T) {
	f := newQueueFixture(t, Config{RetryDelay: time.Millisecond})
	ctx := context.Background()

	// Destination unreachable: both messages stay queued.
	id1, err := f.queue.QueueMessage(ctx, "device-b", []byte("m1"), message.KindText, nil)
	require.NoError(t, err)
	id2, err := f.queue.QueueMessage(ctx, "device-b", []byte("m2"), message.KindText, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.queue.QueuedCount("device-b"))
	assert.Empty(t, f.sim.Sent())

	// Destination becomes reachable: drain delivers m1 then m2.
	f.sim.SetReachable("device-b", true)
	f.queue.HandlePeerReachable(ctx, "device-b")

	envelopes := decodePayloads(t, f.sim.SentTo("device-b"))
	require.Len(t, envelopes, 2)
	assert.Equal(t, id1, envelopes[0].ID)
	assert.Equal(t, id2, envelopes[1].ID)
	assert.Equal(t, []byte("m1"), envelopes[0].Payload)
	assert.Equal(t, []byte("m2"), envelopes[1].Payload)

	assert.Equal(t, 0, f.queue.QueuedCount("device-b"))

	// The persisted queue for the destination is empty.
	persisted, err := f.store.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted["device-b"])

	// Log entries moved to sent.
	for _, id := range []string{id1, id2} {
		msg, err := f.store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, message.StatusSent, msg.Status)
	}
}

func TestQueue_RetryCeilingMarksFailed(t *testing.T) {
	f := newQueueFixture(t, Config{RetryCeiling: 3, RetryDelay: time.Millisecond})
	ctx := context.Background()

	f.sim.SetReachable("device-b", true)
	f.sim.SetSendError(assert.AnError)

	// Immediate drain on enqueue burns the first attempt.
	id, err := f.queue.QueueMessage(ctx, "device-b", []byte("doomed"), message.KindText, nil)
	require.NoError(t, err)

	// Two more failing passes reach the ceiling, the next pass drops it.
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		f.queue.DrainDestination(ctx, "device-b")
	}

	assert.Equal(t, 0, f.queue.QueuedCount("device-b"))
	msg, err := f.store.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, msg.Status)
}

func TestQueue_RetryCountNeverExceedsCeiling(t *testing.T) {
	f := newQueueFixture(t, Config{RetryCeiling: 3, RetryDelay: time.Millisecond})
	ctx := context.Background()

	f.sim.SetReachable("device-b", true)
	f.sim.SetSendError(assert.AnError)

	_, err := f.queue.QueueMessage(ctx, "device-b", []byte("x"), message.KindText, nil)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		time.Sleep(2 * time.Millisecond)
		f.queue.DrainDestination(ctx, "device-b")
		for _, msgs := range f.queue.Snapshot() {
			for _, m := range msgs {
				assert.LessOrEqual(t, m.RetryCount, 3)
			}
		}
	}
}

func TestQueue_BackoffSkipDoesNotBlockLaterMessages(t *testing.T) {
	f := newQueueFixture(t, Config{RetryDelay: time.Hour})
	ctx := context.Background()

	f.sim.SetReachable("device-b", true)

	// First message fails its immediate attempt and enters a long backoff.
	f.sim.FailNextSends(1)
	id1, err := f.queue.QueueMessage(ctx, "device-b", []byte("stuck"), message.KindText, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.queue.QueuedCount("device-b"))

	// Second message is attempted in the same pass despite the first
	// being under backoff.
	id2, err := f.queue.QueueMessage(ctx, "device-b", []byte("flows"), message.KindText, nil)
	require.NoError(t, err)

	envelopes := decodePayloads(t, f.sim.SentTo("device-b"))
	require.Len(t, envelopes, 1)
	assert.Equal(t, id2, envelopes[0].ID)

	// The backed-off message is still queued, in first position.
	snapshot := f.queue.Snapshot()
	require.Len(t, snapshot["device-b"], 1)
	assert.Equal(t, id1, snapshot["device-b"][0].ID)
}

func TestQueue_PersistsAcrossRestart(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()

	_, err := f.queue.QueueMessage(ctx, "device-b", []byte("m1"), message.KindText, nil)
	require.NoError(t, err)
	_, err = f.queue.QueueMessage(ctx, "device-c", []byte("m2"), message.KindLocation, nil)
	require.NoError(t, err)

	// A fresh queue over the same store resumes with the persisted state.
	ids := msgid.NewGenerator("device-a", f.store)
	reloaded, err := New(Config{}, f.sim, f.store, ids, "device-a", nil)
	require.NoError(t, err)
	require.NoError(t, reloaded.Start(ctx))
	defer reloaded.Stop()

	assert.Equal(t, 2, reloaded.TotalQueued())
	assert.Equal(t, 1, reloaded.QueuedCount("device-b"))
	assert.Equal(t, 1, reloaded.QueuedCount("device-c"))
}

func TestQueue_ClearOperations(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()

	_, err := f.queue.QueueMessage(ctx, "device-b", []byte("m1"), message.KindText, nil)
	require.NoError(t, err)
	_, err = f.queue.QueueMessage(ctx, "device-c", []byte("m2"), message.KindText, nil)
	require.NoError(t, err)

	require.NoError(t, f.queue.ClearDestination(ctx, "device-b"))
	assert.Equal(t, 0, f.queue.QueuedCount("device-b"))
	assert.Equal(t, 1, f.queue.TotalQueued())

	// Clearing an absent destination is a no-op.
	require.NoError(t, f.queue.ClearDestination(ctx, "device-b"))

	require.NoError(t, f.queue.ClearAll(ctx))
	assert.Equal(t, 0, f.queue.TotalQueued())

	persisted, err := f.store.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestQueue_EventsFire(t *testing.T) {
	f := newQueueFixture(t, Config{})
	ctx := context.Background()

	f.sim.SetReachable("device-b", true)
	id, err := f.queue.QueueMessage(ctx, "device-b", []byte("m1"), message.KindText, nil)
	require.NoError(t, err)

	var types []EventType
drain:
	for {
		select {
		case event := <-f.queue.Events():
			types = append(types, event.Type)
			if event.Type != EventQueueDrained {
				assert.Equal(t, id, event.MessageID)
			}
		default:
			break drain
		}
	}
	assert.Equal(t, []EventType{EventMessageQueued, EventMessageSent, EventQueueDrained}, types)
}

func TestQueue_StartStopIdempotent(t *testing.T) {
	f := newQueueFixture(t, Config{DrainInterval: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, f.queue.Start(ctx))
	require.NoError(t, f.queue.Start(ctx))
	f.queue.Stop()
	f.queue.Stop()
}
