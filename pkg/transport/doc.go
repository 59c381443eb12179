// Package transport defines the capability contract the reliability core
// expects from the platform radio layer, along with the connection-mode
// state shared by the fallback coordinator and health monitor.
//
// Implementations of TransportProvider live outside the core; the
// internal/transport package ships a simulated provider for tests and demos.
package transport
