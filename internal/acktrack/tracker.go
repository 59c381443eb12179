// Package acktrack implements acknowledgment tracking for directly sent
// messages. Every message sent through SendWithAck expects a receipt within
// the acknowledgment window; on timeout the tracker retries with
// exponential backoff up to the retry ceiling, after which the message's
// log entry converges to failed.
//
// Inbound messages that are not administrative are acknowledged
// automatically. Unmatched or late acknowledgments are ignored, so a
// duplicate ack is a no-op rather than a corruption.
package acktrack

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/internal/msgid"
	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/meshrelay"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

var (
	// ErrNilProvider is returned when no transport provider is supplied.
	ErrNilProvider = errors.New("transport provider cannot be nil")
	// ErrNilStore is returned when no local store is supplied.
	ErrNilStore = errors.New("local store cannot be nil")
	// ErrNilGenerator is returned when no id generator is supplied.
	ErrNilGenerator = errors.New("id generator cannot be nil")
)

// Config holds configuration for the acknowledgment tracker.
type Config struct {
	// AckTimeout is how long to wait for a receipt before retrying.
	AckTimeout time.Duration

	// RetryCeiling is the per-message retry budget.
	RetryCeiling int

	// BackoffStep scales the retry delay: the n-th retry waits
	// BackoffStep × (n+1).
	BackoffStep time.Duration
}

// SetDefaults sets sensible default values for unset configuration fields.
func (c *Config) SetDefaults() {
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 2 * time.Second
	}
}

// EventType tags a tracker event.
type EventType int

const (
	// EventDelivered fires when a matching acknowledgment arrives.
	EventDelivered EventType = iota

	// EventRetryExhausted fires when a message runs out of retries and
	// its log entry is marked failed.
	EventRetryExhausted
)

// Event is a tracker notification.
type Event struct {
	Type      EventType
	MessageID string
}

type pendingAck struct {
	sentAt time.Time
	timer  *time.Timer
}

// Tracker tracks receipt expectations for directly sent messages.
type Tracker struct {
	mu       sync.Mutex
	config   Config
	provider transport.TransportProvider
	store    storage.LocalStore
	ids      *msgid.Generator
	deviceID string
	log      *logrus.Entry

	pending     map[string]*pendingAck
	retryTimers map[string]*time.Timer
	closed      bool

	events chan Event
}

// New creates an acknowledgment tracker.
func New(config Config, provider transport.TransportProvider, store storage.LocalStore,
	ids *msgid.Generator, deviceID string, log *logrus.Entry) (*Tracker, error) {
	if provider == nil {
		return nil, ErrNilProvider
	}
	if store == nil {
		return nil, ErrNilStore
	}
	if ids == nil {
		return nil, ErrNilGenerator
	}
	config.SetDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Tracker{
		config:      config,
		provider:    provider,
		store:       store,
		ids:         ids,
		deviceID:    deviceID,
		log:         log.WithField("component", "acktrack"),
		pending:     make(map[string]*pendingAck),
		retryTimers: make(map[string]*time.Timer),
		events:      make(chan Event, 64),
	}, nil
}

// Events returns the tracker's notification stream.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// SendWithAck sends a message immediately and records a receipt
// expectation with a timeout. Returns the assigned message id. A send
// failure leaves the log entry pending and is returned to the caller, who
// owns the fallback (typically the reliability queue).
func (t *Tracker) SendWithAck(ctx context.Context, destination string, payload []byte, kind message.Kind) (string, error) {
	id, err := t.ids.Generate(ctx)
	if err != nil {
		return "", err
	}

	msg := &message.Message{
		ID:          id,
		Sender:      t.deviceID,
		Destination: destination,
		Kind:        kind,
		Payload:     payload,
		Status:      message.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("%w: %v", meshrelay.ErrPersistenceFailure, err)
	}

	if err := t.send(ctx, msg); err != nil {
		return id, fmt.Errorf("%w: %v", meshrelay.ErrTransportUnavailable, err)
	}

	if err := t.store.UpdateStatus(ctx, id, message.StatusSent); err != nil {
		t.log.WithError(err).WithField("id", id).Warn("failed to mark message sent")
	}
	t.registerPending(id)
	return id, nil
}

// PendingCount returns how many messages currently await acknowledgment.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// HandleInbound processes an envelope received from a peer. Acknowledgments
// settle their pending expectation; any other non-administrative message is
// acknowledged back to its sender.
func (t *Tracker) HandleInbound(ctx context.Context, env *message.Envelope, from string) {
	if env.IsAck() {
		t.handleAck(ctx, env.AckFor)
		return
	}
	if env.Kind == message.KindSystem {
		return
	}
	t.sendAck(ctx, env.ID, from)
}

// Stop cancels every pending timeout and scheduled retry. Timers that
// already fired become no-ops.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
	for id, timer := range t.retryTimers {
		timer.Stop()
		delete(t.retryTimers, id)
	}
}

func (t *Tracker) handleAck(ctx context.Context, id string) {
	t.mu.Lock()
	p, ok := t.pending[id]
	if ok {
		p.timer.Stop()
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		// Unmatched or late acknowledgment: idempotent no-op.
		t.log.WithField("id", id).Debug("ignoring unmatched acknowledgment")
		return
	}

	if err := t.store.UpdateStatus(ctx, id, message.StatusDelivered); err != nil {
		t.log.WithError(err).WithField("id", id).Warn("failed to mark message delivered")
	}
	t.log.WithField("id", id).Debug("message delivered")
	t.emit(Event{Type: EventDelivered, MessageID: id})
}

func (t *Tracker) sendAck(ctx context.Context, forID, destination string) {
	env := message.Envelope{
		Sender: t.deviceID,
		Kind:   message.KindSystem,
		AckFor: forID,
		SentAt: time.Now().UTC(),
	}
	data, err := env.Encode()
	if err != nil {
		t.log.WithError(err).Warn("failed to encode acknowledgment")
		return
	}
	if err := t.provider.Send(ctx, destination, data); err != nil {
		// The sender's own retry path covers a lost acknowledgment.
		t.log.WithError(err).WithField("peer", destination).Debug("failed to send acknowledgment")
	}
}

func (t *Tracker) registerPending(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.pending[id] = &pendingAck{
		sentAt: time.Now().UTC(),
		timer: time.AfterFunc(t.config.AckTimeout, func() {
			t.handleTimeout(id)
		}),
	}
}

func (t *Tracker) handleTimeout(id string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	_, ok := t.pending[id]
	if !ok {
		// Ack arrived in the race window; nothing to retry.
		t.mu.Unlock()
		return
	}
	delete(t.pending, id)
	t.mu.Unlock()

	t.log.WithField("id", id).Debug("acknowledgment timeout")
	t.scheduleRetry(id)
}

// scheduleRetry applies the bounded retry policy: under the ceiling the
// message's persisted retry count is incremented and a resend scheduled
// with exponential backoff; at the ceiling the log entry is marked failed.
func (t *Tracker) scheduleRetry(id string) {
	ctx := context.Background()

	msg, err := t.store.GetMessage(ctx, id)
	if err != nil {
		t.log.WithError(err).WithField("id", id).Warn("failed to load message for retry")
		return
	}

	if msg.RetryCount >= t.config.RetryCeiling {
		if err := t.store.UpdateStatus(ctx, id, message.StatusFailed); err != nil {
			t.log.WithError(err).WithField("id", id).Warn("failed to mark message failed")
		}
		t.log.WithField("id", id).Warn("message failed after retry ceiling")
		t.emit(Event{Type: EventRetryExhausted, MessageID: id})
		return
	}

	msg.RetryCount++
	if err := t.store.SaveMessage(ctx, msg); err != nil {
		t.log.WithError(err).WithField("id", id).Warn("failed to persist retry count")
	}

	delay := t.config.BackoffStep * time.Duration(msg.RetryCount)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.retryTimers[id] = time.AfterFunc(delay, func() {
		t.resend(id)
	})
	t.mu.Unlock()
}

func (t *Tracker) resend(id string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	delete(t.retryTimers, id)
	t.mu.Unlock()

	ctx := context.Background()
	msg, err := t.store.GetMessage(ctx, id)
	if err != nil {
		t.log.WithError(err).WithField("id", id).Warn("failed to load message for resend")
		return
	}

	if err := t.send(ctx, msg); err != nil {
		t.log.WithError(err).WithField("id", id).Debug("resend failed")
		t.scheduleRetry(id)
		return
	}

	if err := t.store.UpdateStatus(ctx, id, message.StatusSent); err != nil {
		t.log.WithError(err).WithField("id", id).Warn("failed to mark message sent")
	}
	t.registerPending(id)
}

func (t *Tracker) send(ctx context.Context, msg *message.Message) error {
	env := message.Envelope{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Sender:    t.deviceID,
		Kind:      msg.Kind,
		Payload:   msg.Payload,
		SentAt:    time.Now().UTC(),
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return t.provider.Send(ctx, msg.Destination, data)
}

func (t *Tracker) emit(event Event) {
	select {
	case t.events <- event:
	default:
		// Slow subscriber; drop rather than stall timer callbacks.
	}
}
