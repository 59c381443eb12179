// Package syncer implements bidirectional reconciliation between the local
// message log and the remote archive. It pushes unsynced local entries up,
// pulls unseen remote records down behind a monotone timestamp cursor, and
// retries previously failed uploads with per-message exponential backoff.
//
// All reconciliation is idempotent: uploads are keyed by message id, pulled
// records already present locally are skipped, and the cursor never moves
// backwards.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
)

var (
	// ErrNilLocalStore is returned when no local store is supplied.
	ErrNilLocalStore = errors.New("local store cannot be nil")
	// ErrNilRemoteStore is returned when no remote store is supplied.
	ErrNilRemoteStore = errors.New("remote store cannot be nil")
	// ErrOffline is returned when a sync is requested without connectivity.
	ErrOffline = errors.New("no internet connectivity")
	// ErrSyncInProgress is returned when a sync pass is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Config holds configuration for the sync reconciler.
type Config struct {
	// SyncInterval is the periodic reconciliation interval.
	SyncInterval time.Duration

	// RetryPassInterval is how often previously failed uploads are
	// revisited.
	RetryPassInterval time.Duration

	// PullPageSize bounds each inbound query.
	PullPageSize int

	// BackoffUnit scales the per-message retry backoff: a message that
	// failed n uploads waits min(2^n, MaxBackoffUnits) × BackoffUnit.
	BackoffUnit time.Duration

	// MaxBackoffUnits caps the exponential backoff multiplier.
	MaxBackoffUnits int
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.RetryPassInterval <= 0 {
		c.RetryPassInterval = 2 * time.Minute
	}
	if c.PullPageSize <= 0 {
		c.PullPageSize = 100
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Minute
	}
	if c.MaxBackoffUnits <= 0 {
		c.MaxBackoffUnits = 60
	}
}

// Status is an observability snapshot of the reconciler.
type Status struct {
	Running    bool
	Online     bool
	LastSyncAt time.Time
	LastError  string
}

// Reconciler converges the local message log with the remote archive.
type Reconciler struct {
	mu           sync.Mutex
	config       Config
	local        storage.LocalStore
	remote       storage.RemoteStore
	connectivity storage.ConnectivitySignal
	deviceID     string
	log          *logrus.Entry

	syncMu sync.Mutex // serializes sync passes

	lastSyncAt time.Time
	lastError  error

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a sync reconciler. connectivity may be nil, in which case the
// reconciler assumes it is always online.
func New(config Config, local storage.LocalStore, remote storage.RemoteStore,
	connectivity storage.ConnectivitySignal, deviceID string, log *logrus.Entry) (*Reconciler, error) {
	if local == nil {
		return nil, ErrNilLocalStore
	}
	if remote == nil {
		return nil, ErrNilRemoteStore
	}
	config.SetDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reconciler{
		config:       config,
		local:        local,
		remote:       remote,
		connectivity: connectivity,
		deviceID:     deviceID,
		log:          log.WithField("component", "syncer"),
	}, nil
}

// Start begins the periodic sync and retry tickers and watches the
// connectivity signal for offline-to-online transitions. Idempotent.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.started = true
	r.mu.Unlock()

	go r.loop(runCtx, r.done)
	return nil
}

// Stop cancels the background loops. Idempotent.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
}

// Online reports whether the connectivity signal currently says online.
func (r *Reconciler) Online() bool {
	if r.connectivity == nil {
		return true
	}
	return r.connectivity.Online()
}

// Status returns a snapshot for observability.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := Status{
		Running:    r.started,
		Online:     r.Online(),
		LastSyncAt: r.lastSyncAt,
	}
	if r.lastError != nil {
		status.LastError = r.lastError.Error()
	}
	return status
}

// SyncNow runs one full reconciliation pass: push fresh unsynced entries,
// then pull unseen remote records. Returns ErrOffline without touching the
// archive when connectivity is down, and ErrSyncInProgress when another
// pass is already running.
func (r *Reconciler) SyncNow(ctx context.Context) error {
	if !r.Online() {
		return ErrOffline
	}
	if !r.syncMu.TryLock() {
		return ErrSyncInProgress
	}
	defer r.syncMu.Unlock()

	err := r.pushFresh(ctx)
	if pullErr := r.pull(ctx); err == nil {
		err = pullErr
	}

	r.mu.Lock()
	r.lastSyncAt = time.Now().UTC()
	r.lastError = err
	r.mu.Unlock()
	return err
}

// RetryFailedSyncs revisits entries whose earlier uploads failed, retrying
// each once its exponential backoff window has elapsed.
func (r *Reconciler) RetryFailedSyncs(ctx context.Context) error {
	if !r.Online() {
		return ErrOffline
	}
	if !r.syncMu.TryLock() {
		return ErrSyncInProgress
	}
	defer r.syncMu.Unlock()

	unsynced, err := r.local.UnsyncedMessages(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, msg := range unsynced {
		if msg.SyncRetries == 0 {
			// Fresh entries belong to the regular pass.
			continue
		}
		if now.Sub(msg.LastSyncTry) < r.backoff(msg.SyncRetries) {
			continue
		}
		r.pushOne(ctx, msg)
	}
	return nil
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	syncTicker := time.NewTicker(r.config.SyncInterval)
	defer syncTicker.Stop()
	retryTicker := time.NewTicker(r.config.RetryPassInterval)
	defer retryTicker.Stop()

	var changes <-chan bool
	if r.connectivity != nil {
		changes = r.connectivity.Changes()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if online {
				// Back online: reconcile immediately instead of waiting
				// out the tick.
				r.log.Info("connectivity restored, syncing")
				if err := r.SyncNow(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					r.log.WithError(err).Warn("sync after reconnect failed")
				}
			}
		case <-syncTicker.C:
			if err := r.SyncNow(ctx); err != nil &&
				!errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
				r.log.WithError(err).Warn("periodic sync failed")
			}
		case <-retryTicker.C:
			if err := r.RetryFailedSyncs(ctx); err != nil &&
				!errors.Is(err, ErrOffline) && !errors.Is(err, ErrSyncInProgress) {
				r.log.WithError(err).Warn("sync retry pass failed")
			}
		}
	}
}

// pushFresh uploads unsynced entries that have never failed an upload.
// Entries under retry backoff are left to the retry pass.
func (r *Reconciler) pushFresh(ctx context.Context) error {
	unsynced, err := r.local.UnsyncedMessages(ctx)
	if err != nil {
		return err
	}
	for _, msg := range unsynced {
		if msg.SyncRetries > 0 {
			continue
		}
		r.pushOne(ctx, msg)
	}
	return nil
}

// pushOne uploads a single entry. Success marks it synced; failure records
// the attempt so the retry pass backs off correctly.
func (r *Reconciler) pushOne(ctx context.Context, msg *message.Message) {
	record := &storage.RemoteRecord{
		ID:          msg.ID,
		SessionID:   msg.SessionID,
		Sender:      msg.Sender,
		Destination: msg.Destination,
		Kind:        msg.Kind.String(),
		Payload:     msg.Payload,
		Timestamp:   msg.CreatedAt,
		Metadata:    msg.Metadata,
	}
	if err := r.remote.Put(ctx, record); err != nil {
		r.log.WithError(err).WithField("id", msg.ID).Debug("upload failed")
		if recErr := r.local.RecordSyncAttempt(ctx, msg.ID, time.Now().UTC()); recErr != nil {
			r.log.WithError(recErr).WithField("id", msg.ID).Warn("failed to record sync attempt")
		}
		return
	}
	if err := r.local.MarkSynced(ctx, msg.ID); err != nil {
		r.log.WithError(err).WithField("id", msg.ID).Warn("failed to mark message synced")
		return
	}
	if msg.Status == message.StatusDelivered || msg.Status == message.StatusSent {
		if err := r.local.UpdateStatus(ctx, msg.ID, message.StatusSynced); err != nil {
			r.log.WithError(err).WithField("id", msg.ID).Warn("failed to update status")
		}
	}
}

// pull pages through remote records newer than the cursor, inserting the
// ones not yet present locally and advancing the cursor monotonically.
func (r *Reconciler) pull(ctx context.Context) error {
	cursor, err := r.local.SyncCursor(ctx)
	if err != nil {
		return err
	}

	for {
		records, err := r.remote.Query(ctx, cursor, r.config.PullPageSize)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		for _, record := range records {
			if err := r.insertRecord(ctx, record); err != nil {
				return err
			}
			if record.Timestamp.After(cursor) {
				cursor = record.Timestamp
			}
		}
		if err := r.local.SetSyncCursor(ctx, cursor); err != nil {
			return err
		}

		if len(records) < r.config.PullPageSize {
			return nil
		}
	}
}

func (r *Reconciler) insertRecord(ctx context.Context, record *storage.RemoteRecord) error {
	exists, err := r.local.MessageExists(ctx, record.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	msg := &message.Message{
		ID:          record.ID,
		SessionID:   record.SessionID,
		Sender:      record.Sender,
		Destination: record.Destination,
		Kind:        message.ParseKind(record.Kind),
		Payload:     record.Payload,
		Status:      message.StatusSynced,
		CreatedAt:   record.Timestamp,
		Synced:      true,
		Metadata:    record.Metadata,
	}
	return r.local.SaveMessage(ctx, msg)
}

// backoff returns min(2^retries, MaxBackoffUnits) × BackoffUnit.
func (r *Reconciler) backoff(retries int) time.Duration {
	units := 1
	for i := 0; i < retries && units < r.config.MaxBackoffUnits; i++ {
		units *= 2
	}
	if units > r.config.MaxBackoffUnits {
		units = r.config.MaxBackoffUnits
	}
	return time.Duration(units) * r.config.BackoffUnit
}
