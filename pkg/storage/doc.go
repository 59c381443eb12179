// Package storage defines the persistence contracts the reliability core
// depends on: the local durable store (message log, outbound queue, sync
// cursor), the remote durable store mirrored by the sync reconciler, and
// the wide-area connectivity signal.
package storage
