//go:build linux

package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type epoll struct {
	epfd   int
	fds    map[int]Interest
	events []unix.EpollEvent
}

// New returns an epoll backed Poller.
func New() (Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epoll{epfd: epfd, fds: make(map[int]Interest)}, nil
}

func epollMask(in Interest) uint32 {
	var mask uint32
	if in&Readable != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epoll) Add(fd int, in Interest) error {
	if p.epfd < 0 {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; ok {
		return fmt.Errorf("%w: %d", ErrRegistered, fd)
	}
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	p.fds[fd] = in
	return nil
}

func (p *epoll) Modify(fd int, in Interest) error {
	if p.epfd < 0 {
		return ErrClosed
	}
	cur, ok := p.fds[fd]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	if cur == in {
		return nil
	}
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	p.fds[fd] = in
	return nil
}

func (p *epoll) Remove(fd int) error {
	if p.epfd < 0 {
		return ErrClosed
	}
	if _, ok := p.fds[fd]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFD, fd)
	}
	delete(p.fds, fd)
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

func (p *epoll) Wait(events []Event, timeoutMs int) (int, error) {
	if p.epfd < 0 {
		return 0, ErrClosed
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(p.epfd, p.events[:len(events)], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		raw := p.events[i]
		events[i] = Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
	}
	return n, nil
}

func (p *epoll) Len() int {
	return len(p.fds)
}

func (p *epoll) Close() error {
	if p.epfd < 0 {
		return nil
	}
	err := unix.Close(p.epfd)
	p.epfd = -1
	p.fds = nil
	return err
}
