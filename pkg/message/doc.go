// Package message defines the message record types shared by the
// delivery-reliability components: the durable log entry, the queued
// outbound message, and the wire envelope used for idempotent
// identification and acknowledgment matching.
package message
