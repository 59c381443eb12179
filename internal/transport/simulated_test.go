package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

func TestSimulatedTransport_DiscoveryAndConnect(t *testing.T) {
	sim := NewSimulatedTransport()
	ctx := context.Background()

	assert.Empty(t, sim.DiscoveredPeers())

	sim.SeedDiscovery(transport.PeerInfo{ID: "peer-1", Name: "Alice"})
	require.NoError(t, sim.StartDiscovery(ctx))

	peers := sim.DiscoveredPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, "peer-1", peers[0].ID)

	assert.False(t, sim.IsConnected())
	require.NoError(t, sim.Connect(ctx, "peer-1"))
	assert.True(t, sim.IsConnected())
	assert.True(t, sim.IsReachable("peer-1"))
}

func TestSimulatedTransport_SendFailureInjection(t *testing.T) {
	sim := NewSimulatedTransport()
	ctx := context.Background()

	sim.FailNextSends(2)
	assert.Error(t, sim.Send(ctx, "peer-1", []byte("a")))
	assert.Error(t, sim.Send(ctx, "peer-1", []byte("b")))
	require.NoError(t, sim.Send(ctx, "peer-1", []byte("c")))

	sent := sim.SentTo("peer-1")
	require.Len(t, sent, 1)
	assert.Equal(t, []byte("c"), sent[0])
}

func TestSimulatedTransport_ReachabilityEvents(t *testing.T) {
	sim := NewSimulatedTransport()

	sim.SetReachable("peer-1", true)
	event := <-sim.Events()
	assert.Equal(t, transport.EventPeerReachable, event.Type)
	assert.Equal(t, "peer-1", event.PeerID)

	sim.SetReachable("peer-1", false)
	event = <-sim.Events()
	assert.Equal(t, transport.EventPeerUnreachable, event.Type)
}

func TestSimulatedTransport_DeliverInbound(t *testing.T) {
	sim := NewSimulatedTransport()

	sim.Deliver("peer-2", []byte("payload"))
	event := <-sim.Events()
	assert.Equal(t, transport.EventMessageReceived, event.Type)
	assert.Equal(t, "peer-2", event.PeerID)
	assert.Equal(t, []byte("payload"), event.Payload)
}
