// Package relqueue implements the message reliability queue: per-destination
// FIFO lists of outbound messages that could not be sent yet, drained when
// their destination becomes reachable.
//
// Within one destination a drain pass visits messages in enqueue order, but
// a message skipped for backoff does not block later messages in the same
// pass. The queue writes through to the local store after every mutating
// pass so a process restart resumes from the last durable state.
package relqueue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshrelay/meshrelay-go/internal/msgid"
	"github.com/meshrelay/meshrelay-go/pkg/message"
	"github.com/meshrelay/meshrelay-go/pkg/storage"
	"github.com/meshrelay/meshrelay-go/pkg/transport"
)

// EventType tags a queue event.
type EventType int

const (
	// EventMessageQueued fires when a message enters the queue.
	EventMessageQueued EventType = iota

	// EventMessageSent fires when a queued message is delivered to the
	// transport.
	EventMessageSent

	// EventMessageFailed fires when a message exhausts its retry budget.
	// This is the queue's only outward-surfaced failure.
	EventMessageFailed

	// EventQueueDrained fires when a drain pass empties a destination.
	EventQueueDrained
)

// Event is a queue notification.
type Event struct {
	Type        EventType
	MessageID   string
	Destination string
}

// Queue holds outbound messages per destination and drains them with
// bounded retries when the destination is reachable.
type Queue struct {
	mu       sync.Mutex
	config   Config
	provider transport.TransportProvider
	store    storage.LocalStore
	ids      *msgid.Generator
	deviceID string
	log      *logrus.Entry

	queues map[string][]*message.QueuedMessage

	started bool
	cancel  context.CancelFunc
	done    chan struct{}

	events chan Event
}

// New creates a reliability queue bound to a transport provider, the local
// store and an id generator. deviceID stamps outbound envelopes as sender.
func New(config Config, provider transport.TransportProvider, store storage.LocalStore,
	ids *msgid.Generator, deviceID string, log *logrus.Entry) (*Queue, error) {
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
	return &Queue{
		config:   config,
		provider: provider,
		store:    store,
		ids:      ids,
		deviceID: deviceID,
		log:      log.WithField("component", "relqueue"),
		queues:   make(map[string][]*message.QueuedMessage),
		events:   make(chan Event, 64),
	}, nil
}

// Start loads the persisted queue and begins the background drain ticker.
// Idempotent.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}

	persisted, err := q.store.LoadQueue(ctx)
	if err != nil {
		q.mu.Unlock()
		return err
	}
	q.queues = persisted
	if q.queues == nil {
		q.queues = make(map[string][]*message.QueuedMessage)
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.started = true
	q.mu.Unlock()

	go q.loop(runCtx, q.done)
	return nil
}

// Stop cancels the background drain ticker. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.started = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done
}

// Events returns the queue's notification stream.
func (q *Queue) Events() <-chan Event {
	return q.events
}

// QueueMessage enqueues an outbound message for the destination, persists
// the queue, and immediately attempts a drain if the destination is
// currently reachable. Returns the assigned message id.
func (q *Queue) QueueMessage(ctx context.Context, destination string, payload []byte,
	kind message.Kind, metadata map[string]string) (string, error) {

	id, err := q.ids.Generate(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	logEntry := &message.Message{
		ID:          id,
		Sender:      q.deviceID,
		Destination: destination,
		Kind:        kind,
		Payload:     payload,
		Status:      message.StatusPending,
		CreatedAt:   now,
		Metadata:    metadata,
	}
	if err := q.store.SaveMessage(ctx, logEntry); err != nil {
		return "", err
	}

	queued := &message.QueuedMessage{
		ID:          id,
		Destination: destination,
		Payload:     payload,
		Kind:        kind,
		QueuedAt:    now,
		Metadata:    metadata,
	}

	q.mu.Lock()
	q.queues[destination] = append(q.queues[destination], queued)
	if err := q.persistLocked(ctx); err != nil {
		// The in-memory enqueue stands; restart durability is degraded
		// until the next successful persist.
		q.log.WithError(err).Warn("failed to persist queue after enqueue")
	}
	q.mu.Unlock()

	q.emit(Event{Type: EventMessageQueued, MessageID: id, Destination: destination})

	if q.provider.IsReachable(destination) {
		q.DrainDestination(ctx, destination)
	}
	return id, nil
}

// Requeue enqueues a message that already has an id and a persisted log
// entry, typically after a tracked direct send failed mid-flight. The
// existing id is kept so the log entry stays authoritative.
func (q *Queue) Requeue(ctx context.Context, queued *message.QueuedMessage) error {
	if queued.QueuedAt.IsZero() {
		queued.QueuedAt = time.Now().UTC()
	}

	q.mu.Lock()
	q.queues[queued.Destination] = append(q.queues[queued.Destination], queued.Clone())
	err := q.persistLocked(ctx)
	q.mu.Unlock()
	if err != nil {
		q.log.WithError(err).Warn("failed to persist queue after requeue")
	}

	q.emit(Event{Type: EventMessageQueued, MessageID: queued.ID, Destination: queued.Destination})
	return nil
}

// DrainDestination runs one drain pass over a destination's queued messages
// in enqueue order. Messages under backoff are skipped without blocking
// later messages; messages at the retry ceiling are dropped and their log
// entries marked failed.
func (q *Queue) DrainDestination(ctx context.Context, destination string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drainLocked(ctx, destination)
	if err := q.persistLocked(ctx); err != nil {
		q.log.WithError(err).Warn("failed to persist queue after drain")
	}
}

// DrainReachable runs a drain pass for every destination that is currently
// reachable.
func (q *Queue) DrainReachable(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := false
	for destination := range q.queues {
		if q.provider.IsReachable(destination) {
			q.drainLocked(ctx, destination)
			changed = true
		}
	}
	if changed {
		if err := q.persistLocked(ctx); err != nil {
			q.log.WithError(err).Warn("failed to persist queue after drain")
		}
	}
}

// ForceDrainAll runs a drain pass for every destination regardless of
// reachability.
func (q *Queue) ForceDrainAll(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for destination := range q.queues {
		q.drainLocked(ctx, destination)
	}
	if err := q.persistLocked(ctx); err != nil {
		q.log.WithError(err).Warn("failed to persist queue after drain")
	}
}

// HandlePeerReachable triggers an immediate targeted drain for a
// destination that just became reachable.
func (q *Queue) HandlePeerReachable(ctx context.Context, destination string) {
	q.log.WithField("peer", destination).Debug("destination reachable, draining")
	q.DrainDestination(ctx, destination)
}

// HandlePeerUnreachable records that a destination went away. Its queued
// messages stay put until it returns.
func (q *Queue) HandlePeerUnreachable(destination string) {
	q.mu.Lock()
	pending := len(q.queues[destination])
	q.mu.Unlock()
	q.log.WithFields(logrus.Fields{
		"peer":   destination,
		"queued": pending,
	}).Debug("destination unreachable")
}

// QueuedCount returns how many messages wait for one destination.
func (q *Queue) QueuedCount(destination string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[destination])
}

// TotalQueued returns the total queued message count.
func (q *Queue) TotalQueued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, msgs := range q.queues {
		total += len(msgs)
	}
	return total
}

// Snapshot returns a deep copy of all queued messages by destination.
func (q *Queue) Snapshot() map[string][]*message.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string][]*message.QueuedMessage, len(q.queues))
	for destination, msgs := range q.queues {
		copied := make([]*message.QueuedMessage, len(msgs))
		for i, m := range msgs {
			copied[i] = m.Clone()
		}
		out[destination] = copied
	}
	return out
}

// ClearDestination drops all queued messages for a destination. Idempotent;
// mirrored to persistence.
func (q *Queue) ClearDestination(ctx context.Context, destination string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, destination)
	return q.persistLocked(ctx)
}

// ClearAll drops every queued message. Idempotent; mirrored to persistence.
func (q *Queue) ClearAll(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues = make(map[string][]*message.QueuedMessage)
	return q.persistLocked(ctx)
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(q.config.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.DrainReachable(ctx)
		}
	}
}

// drainLocked visits one destination's messages in enqueue order. Callers
// hold q.mu and persist afterwards.
func (q *Queue) drainLocked(ctx context.Context, destination string) {
	msgs := q.queues[destination]
	if len(msgs) == 0 {
		return
	}

	now := time.Now().UTC()
	remaining := msgs[:0]
	attempted := false

	for _, m := range msgs {
		if m.RetryCount >= q.config.RetryCeiling {
			// Terminal: out of the queue, log entry converges to failed.
			if err := q.store.UpdateStatus(ctx, m.ID, message.StatusFailed); err != nil {
				q.log.WithError(err).WithField("id", m.ID).Warn("failed to mark message failed")
			}
			q.log.WithField("id", m.ID).Warn("message dropped after retry ceiling")
			q.emit(Event{Type: EventMessageFailed, MessageID: m.ID, Destination: destination})
			continue
		}

		if !m.LastRetryAt.IsZero() && now.Sub(m.LastRetryAt) < q.config.RetryDelay {
			// Still backing off; skip without blocking the rest of the pass.
			remaining = append(remaining, m)
			continue
		}

		attempted = true
		if err := q.sendQueued(ctx, m); err != nil {
			m.RetryCount++
			m.LastRetryAt = now
			remaining = append(remaining, m)
			q.log.WithError(err).WithFields(logrus.Fields{
				"id":      m.ID,
				"retries": m.RetryCount,
			}).Debug("queued send failed")
			continue
		}

		if err := q.store.UpdateStatus(ctx, m.ID, message.StatusSent); err != nil {
			q.log.WithError(err).WithField("id", m.ID).Warn("failed to mark message sent")
		}
		q.emit(Event{Type: EventMessageSent, MessageID: m.ID, Destination: destination})
	}

	if len(remaining) == 0 {
		delete(q.queues, destination)
		if attempted {
			q.emit(Event{Type: EventQueueDrained, Destination: destination})
		}
	} else {
		q.queues[destination] = remaining
	}
}

func (q *Queue) sendQueued(ctx context.Context, m *message.QueuedMessage) error {
	env := message.Envelope{
		ID:        m.ID,
		SessionID: m.SessionID,
		Sender:    q.deviceID,
		Kind:      m.Kind,
		Payload:   m.Payload,
		SentAt:    time.Now().UTC(),
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return q.provider.Send(ctx, m.Destination, data)
}

func (q *Queue) persistLocked(ctx context.Context) error {
	return q.store.SaveQueue(ctx, q.queues)
}

func (q *Queue) emit(event Event) {
	select {
	case q.events <- event:
	default:
		// Slow subscriber; drop rather than stall the drain.
	}
}
