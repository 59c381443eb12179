package meshrelay

import "errors"

var (
	// ErrTransportUnavailable indicates discovery, connect or send failed
	// on the active transport. Recovered locally via bounded retry.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrAckTimeout indicates no acknowledgment arrived within the
	// acknowledgment window. Recovered locally via bounded retry.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrRetryExhausted indicates a message exceeded its retry ceiling.
	// Terminal for that message: its log entry converges to failed.
	ErrRetryExhausted = errors.New("retry ceiling exhausted")

	// ErrIDCollision indicates id generation could not produce a locally
	// unique id within its attempt budget.
	ErrIDCollision = errors.New("message id collision")

	// ErrSyncConflict indicates a remote upsert failed, for example due
	// to permissions or network. Recovered via backoff.
	ErrSyncConflict = errors.New("remote sync conflict")

	// ErrPersistenceFailure indicates a local or remote store read or
	// write failed.
	ErrPersistenceFailure = errors.New("persistence failure")
)
