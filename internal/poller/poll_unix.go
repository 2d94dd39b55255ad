//go:build unix && !linux

package poller

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// pollSet rebuilds its poll(2) watch set from the registered descriptors on
// every Wait, in ascending fd order.
type pollSet struct {
	fds    map[int]Interest
	set    []unix.PollFd
	closed bool
}

// New returns a poll(2) backed Poller.
func New() (Poller, error) {
	return &pollSet{fds: make(map[int]Interest)}, nil
}

func (p *pollSet) Add(fd int, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; ok {
		return fmt.Errorf("%w: %d", ErrRegistered, fd)
	}
	p.fds[fd] = in
	return nil
}

func (p *pollSet) Modify(fd int, in Interest) error {
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	p.fds[fd] = in
	return nil
}

func (p *pollSet) Remove(fd int) error {
	if p.closed {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	delete(p.fds, fd)
	return nil
}

func (p *pollSet) Wait(events []Event, timeoutMs int) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	p.set = p.set[:0]
	for fd, in := range p.fds {
		var mask int16
		if in&Readable != 0 {
			mask |= unix.POLLIN
		}
		if in&Writable != 0 {
			mask |= unix.POLLOUT
		}
		p.set = append(p.set, unix.PollFd{Fd: int32(fd), Events: mask})
	}
	sort.Slice(p.set, func(i, j int) bool { return p.set[i].Fd < p.set[j].Fd })

	ready, err := unix.Poll(p.set, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	n := 0
	for _, pfd := range p.set {
		if ready == 0 || n == len(events) {
			break
		}
		if pfd.Revents == 0 {
			continue
		}
		ready--
		events[n] = Event{
			Fd:       int(pfd.Fd),
			Readable: pfd.Revents&unix.POLLIN != 0,
			Writable: pfd.Revents&unix.POLLOUT != 0,
			Hangup:   pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0,
		}
		n++
	}
	return n, nil
}

func (p *pollSet) Len() int {
	return len(p.fds)
}

func (p *pollSet) Close() error {
	p.closed = true
	p.fds = nil
	return nil
}
