package fallback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	simtransport "github.com/meshrelay/meshrelay-go/internal/transport"
	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

func testConfig() Config {
	return Config{
		DiscoveryWindow:    time.Millisecond,
		ConfirmationWindow: time.Millisecond,
		RetryDelay:         time.Millisecond,
		MaxRetries:         3,
		HostedSSID:         "test-ap",
	}
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for coordinator event")
		return Event{}
	}
}

func TestCoordinator_DirectLinkSuccess(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()
	sim.SeedDiscovery(transport.PeerInfo{ID: "peer-1"})

	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())

	event := waitEvent(t, coord.Events())
	assert.Equal(t, EventModeEstablished, event.Type)
	assert.Equal(t, transport.ModeDirectLink, event.Mode)
	assert.Equal(t, transport.ModeDirectLink, coord.Mode())
	assert.Equal(t, 0, coord.RetryCount())
}

func TestCoordinator_FallsBackToJoinedAccessPoint(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()
	// No peers discoverable, but a peer-hosted AP exists and is joinable.
	sim.AddAccessPoint(transport.AccessPointInfo{SSID: "peer-ap", PeerID: "peer-2"}, true)

	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())

	event := waitEvent(t, coord.Events())
	assert.Equal(t, EventModeEstablished, event.Type)
	assert.Equal(t, transport.ModeJoinedAccessPoint, event.Mode)
	assert.Equal(t, transport.ModeJoinedAccessPoint, coord.Mode())
	// The direct-link stage must have been exhausted first.
	assert.Equal(t, 3, coord.RetryCount())
}

func TestCoordinator_HostsAccessPointWhenNoneVisible(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()

	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())

	event := waitEvent(t, coord.Events())
	assert.Equal(t, EventModeEstablished, event.Type)
	assert.Equal(t, transport.ModeHostedAccessPoint, event.Mode)
	assert.Equal(t, "test-ap", sim.HostedSSID())
}

func TestCoordinator_HostsAfterAllJoinsFail(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()
	sim.AddAccessPoint(transport.AccessPointInfo{SSID: "peer-ap-1"}, false)
	sim.AddAccessPoint(transport.AccessPointInfo{SSID: "peer-ap-2"}, false)

	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())

	event := waitEvent(t, coord.Events())
	assert.Equal(t, EventModeEstablished, event.Type)
	assert.Equal(t, transport.ModeHostedAccessPoint, event.Mode)
}

func TestCoordinator_FailedOnlyAfterAllStagesExhausted(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()
	sim.SetConnectError(errors.New("radio down"))
	sim.SetHostResult(false, errors.New("hosting unsupported"))

	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())

	event := waitEvent(t, coord.Events())
	assert.Equal(t, EventConnectionFailed, event.Type)
	assert.Equal(t, transport.ModeFailed, event.Mode)
	assert.Equal(t, transport.ModeFailed, coord.Mode())

	status := coord.Status()
	assert.Equal(t, 3, status.RetryCount)
	assert.Equal(t, 3, status.MaxRetries)
	assert.False(t, status.CanRetry)
}

func TestCoordinator_ProviderErrorsAreNotFatal(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()
	sim.SeedDiscovery(transport.PeerInfo{ID: "peer-1"})
	sim.SetConnectError(errors.New("transient"))
	// Fallback still reaches hosting despite connect errors.
	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())

	event := waitEvent(t, coord.Events())
	assert.Equal(t, EventModeEstablished, event.Type)
	assert.Equal(t, transport.ModeHostedAccessPoint, event.Mode)
}

func TestCoordinator_Reset(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()
	sim.SetHostResult(false, nil)

	coord, err := New(testConfig(), sim, nil)
	require.NoError(t, err)

	coord.InitiateConnection(context.Background())
	event := waitEvent(t, coord.Events())
	require.Equal(t, EventConnectionFailed, event.Type)

	coord.Reset()
	assert.Equal(t, transport.ModeDirectLink, coord.Mode())
	assert.Equal(t, 0, coord.RetryCount())
	assert.True(t, coord.Status().CanRetry)
}

func TestCoordinator_CancelledContextStopsSequence(t *testing.T) {
	sim := simtransport.NewSimulatedTransport()

	cfg := testConfig()
	cfg.DiscoveryWindow = time.Hour // would block without cancellation

	coord, err := New(cfg, sim, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	coord.InitiateConnection(ctx)
	cancel()

	select {
	case event := <-coord.Events():
		t.Fatalf("unexpected event after cancellation: %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{MaxRetries: -1}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidMaxRetries)

	cfg.SetDefaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.DiscoveryWindow)
	assert.Equal(t, 5*time.Second, cfg.ConfirmationWindow)
	assert.Equal(t, 5*time.Second, cfg.RetryDelay)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	assert.ErrorIs(t, err, ErrNilProvider)
}
