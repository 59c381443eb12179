// meshrelayd runs a relay node daemon: it opens the local message store,
// connects the transport and (optionally) the remote archive, and keeps the
// node running until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/meshrelay/meshrelay-go/internal/localstore"
	"github.com/meshrelay/meshrelay-go/internal/relaynode"
	"github.com/meshrelay/meshrelay-go/internal/remotestore"
	simtransport "github.com/meshrelay/meshrelay-go/internal/transport"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

const appVersion = "0.1.0"

var (
	deviceID      string
	dbPath        string
	remoteURL     string
	authToken     string
	emergency     bool
	logLevel      string
	statusEvery   time.Duration
	remoteTimeout time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meshrelayd",
		Short: "Offline-first mesh relay node daemon",
		Long: `meshrelayd runs the delivery-reliability core of a mesh messaging
device: transport fallback, a persistent outbound queue, acknowledgment
tracking, signal grading and remote archive reconciliation.`,
		RunE:    run,
		Version: appVersion,
	}

	rootCmd.Flags().StringVar(&deviceID, "device-id", "", "Device identifier (minted on first run when empty)")
	rootCmd.Flags().StringVar(&dbPath, "db", "meshrelay.db", "Path to the local sqlite message store")
	rootCmd.Flags().StringVar(&remoteURL, "remote-url", "", "Remote archive base URL (sync disabled when empty)")
	rootCmd.Flags().StringVar(&authToken, "auth-token", "", "Bearer token for the remote archive")
	rootCmd.Flags().BoolVar(&emergency, "emergency", false, "Start in emergency mode (aggressive reconnection)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().DurationVar(&statusEvery, "status-interval", time.Minute, "How often to log a status snapshot")
	rootCmd.Flags().DurationVar(&remoteTimeout, "remote-timeout", 10*time.Second, "Remote archive request timeout")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger.SetLevel(level)

	store, err := localstore.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open local store: %w", err)
	}

	var remote storage.RemoteStore
	if remoteURL != "" {
		client, err := remotestore.NewClient(remotestore.Config{
			BaseURL:   remoteURL,
			AuthToken: authToken,
			Timeout:   remoteTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create remote archive client: %w", err)
		}
		remote = client
	}

	// TODO(transport): swap in the platform radio provider once the
	// bindings land; the simulated provider keeps the daemon runnable
	// on development machines.
	provider := simtransport.NewSimulatedTransport()

	node, err := relaynode.New(relaynode.Config{DeviceID: deviceID}, provider, store, remote, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.WithError(err).Warn("error closing node")
		}
	}()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start relay node: %w", err)
	}
	node.SetEmergencyMode(emergency)

	logger.WithFields(logrus.Fields{
		"device":  node.DeviceID(),
		"db":      dbPath,
		"remote":  remoteURL != "",
		"version": appVersion,
	}).Info("meshrelayd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			logger.WithField("signal", sig.String()).Info("shutting down")
			return node.Stop(ctx)
		case <-ticker.C:
			logStatus(ctx, node, logger)
		case <-ctx.Done():
			return node.Stop(context.Background())
		}
	}
}

func logStatus(ctx context.Context, node *relaynode.Node, logger *logrus.Logger) {
	status, err := node.Status(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to read node status")
		return
	}
	logger.WithFields(logrus.Fields{
		"mode":      status.Mode,
		"connected": status.Connected,
		"queued":    status.QueuedMessages,
		"pending":   status.PendingAcks,
		"online":    status.Online,
	}).Info("node status")
}
