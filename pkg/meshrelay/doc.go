// Package meshrelay defines the public surface of the relay node: the
// RelayNode interface, its aggregated status snapshot, and the sentinel
// errors of the delivery-reliability error taxonomy.
package meshrelay
