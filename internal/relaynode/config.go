package relaynode

import (
	"errors"

	"github.com/meshrelay/meshrelay-go/internal/acktrack"
	"github.com/meshrelay/meshrelay-go/internal/fallback"
	"github.com/meshrelay/meshrelay-go/internal/health"
	"github.com/meshrelay/meshrelay-go/internal/relqueue"
	"github.com/meshrelay/meshrelay-go/internal/signal"
	"github.com/meshrelay/meshrelay-go/internal/syncer"
)

var (
	// ErrNilProvider is returned when no transport provider is supplied.
	ErrNilProvider = errors.New("transport provider cannot be nil")
	// ErrNilStore is returned when no local store is supplied.
	ErrNilStore = errors.New("local store cannot be nil")
	// ErrNodeClosed is returned when operating on a closed node.
	ErrNodeClosed = errors.New("node is closed")
)

// Config aggregates per-component configuration for a relay node. Zero
// values everywhere yield a node with production defaults.
type Config struct {
	// DeviceID overrides the stored device identifier. When empty the node
	// loads the identifier from the local store, minting one on first run.
	DeviceID string

	Fallback fallback.Config
	Health   health.Config
	Signal   signal.Config
	Queue    relqueue.Config
	Ack      acktrack.Config
	Sync     syncer.Config
}
