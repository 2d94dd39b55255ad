// Package sink owns what happens to Binary payloads once the protocol state
// machine has accepted them.
//
// Ownership boundary:
// - payload logging
// - optional republishing to NATS
// - fan-out across several consumers
//
// Consumers run on the event loop goroutine and must not block.
package sink
