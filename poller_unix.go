//go:build unix

package fcgisrv

import (
	"errors"
	"sort"

	"golang.org/x/sys/unix"
)

// pollLoop is the default, portable EventLoop implementation, backed by
// the POSIX poll(2) syscall via golang.org/x/sys/unix. It runs entirely
// on the goroutine that calls Run, matching the single-threaded,
// cooperative scheduling model the core requires.
type pollLoop struct {
	watched map[int]*watch
}

type watch struct {
	fd     int
	events Events
	cb     func(Events)
}

// NewPollLoop constructs the default EventLoop. It is a reference
// implementation: embedders with an existing reactor should implement
// EventLoop directly instead of using this one.
func NewPollLoop() EventLoop {
	return &pollLoop{watched: make(map[int]*watch)}
}

func (p *pollLoop) Register(fd int, events Events, cb func(Events)) error {
	if _, exists := p.watched[fd]; exists {
		return wrap(errors.New("already registered"), ErrProtocolViolation, "register fd")
	}
	p.watched[fd] = &watch{fd: fd, events: events, cb: cb}
	return nil
}

func (p *pollLoop) Modify(fd int, events Events) error {
	w, ok := p.watched[fd]
	if !ok {
		return wrap(errors.New("not registered"), ErrProtocolViolation, "modify fd")
	}
	w.events = events
	return nil
}

func (p *pollLoop) Deregister(fd int) error {
	delete(p.watched, fd)
	return nil
}

func toPollEvents(e Events) int16 {
	var v int16
	if e&EventRead != 0 {
		v |= unix.POLLIN
	}
	if e&EventWrite != 0 {
		v |= unix.POLLOUT
	}
	return v
}

func fromPollEvents(v int16) Events {
	var e Events
	if v&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
		e |= EventRead
	}
	if v&unix.POLLOUT != 0 {
		e |= EventWrite
	}
	return e
}

// Run drives the poll loop until stop is closed. Each turn builds a
// fresh pollfd slice from the current registrations (sorted by fd for
// deterministic ordering, which matters for the "no ordering across
// connections" guarantee to remain merely "unspecified" rather than
// flaky in tests), polls with no timeout bound other than "wake on any
// readiness", and dispatches callbacks for fds reported ready. When no
// fd is registered, Run returns nil at once if stop is nil, and
// otherwise waits for stop to close and then returns nil.
func (p *pollLoop) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		if len(p.watched) == 0 {
			// Nothing registered (e.g. mid-shutdown); avoid a busy spin.
			if stop == nil {
				return nil
			}
			<-stop
			return nil
		}

		fds := make([]int, 0, len(p.watched))
		for fd := range p.watched {
			fds = append(fds, fd)
		}
		sort.Ints(fds)

		pollfds := make([]unix.PollFd, len(fds))
		for i, fd := range fds {
			pollfds[i] = unix.PollFd{Fd: int32(fd), Events: toPollEvents(p.watched[fd].events)}
		}

		_, err := unix.Poll(pollfds, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return wrap(err, ErrProtocolViolation, "poll")
		}

		for i, pfd := range pollfds {
			if pfd.Revents == 0 {
				continue
			}
			fd := fds[i]
			w, ok := p.watched[fd]
			if !ok {
				continue // deregistered by an earlier callback this turn
			}
			ready := fromPollEvents(pfd.Revents)
			if ready != 0 {
				w.cb(ready)
			}
		}
	}
}
