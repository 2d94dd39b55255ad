// Package poller provides a level-triggered readiness wait over many file
// descriptors: epoll(7) on Linux, poll(2) on other unixes.
//
// A Poller is not safe for concurrent use; it belongs to the event loop.
package poller

import "errors"

var (
	ErrClosed     = errors.New("poller: closed")
	ErrRegistered = errors.New("poller: fd already registered")
	ErrUnknownFD  = errors.New("poller: fd not registered")
)

// Interest selects which readiness conditions to watch.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

// Event reports readiness for one descriptor.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	// Hangup is set on error or peer hangup; a read then returns the cause.
	Hangup bool
}

// Poller waits on a set of descriptors. Readiness is level-triggered: a
// condition is reported on every Wait while it holds.
type Poller interface {
	Add(fd int, in Interest) error
	Modify(fd int, in Interest) error
	Remove(fd int) error
	// Wait blocks until at least one descriptor is ready or timeoutMs elapses
	// (negative blocks forever). An interrupted wait returns 0 and no error.
	Wait(events []Event, timeoutMs int) (int, error)
	Len() int
	Close() error
}
