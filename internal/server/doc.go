// Package server owns the connection manager and its event loop.
//
// Ownership boundary:
// - listening socket and accept policy (capacity rejection)
// - connection table keyed by socket descriptor
// - readiness wait over the listener and every live connection
// - per-connection reassembly, state machine dispatch, buffered writes
//
// One goroutine runs the loop and owns every Conn; nothing in this package
// takes a lock. Observers read atomic counters only.
package server
