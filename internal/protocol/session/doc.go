// Package session owns the per-connection protocol state machine.
//
// Ownership boundary:
// - New -> Connected -> Disconnected transitions
// - the effect each received frame requires (deliver, ignore, close)
//
// A Machine performs no I/O. The server executes the effects it returns.
package session
