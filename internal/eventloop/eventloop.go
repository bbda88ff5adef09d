// Package eventloop implements the single-threaded, readiness-based
// dispatcher described in spec.md §4.2: file descriptors are registered
// with a bitmask of interest, callbacks fire with the triggering mask, and
// a single periodic tick is delivered without ever touching signal
// context. The design note in spec.md §9 suggests replacing the source's
// SIGALRM-driven beacon with an OS timer fd polled by the loop; that is
// exactly what ArmTimer below does, via golang.org/x/sys/unix.
package eventloop

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Mask is a bitmask of readiness interest, aliasing the poll(2) events.
type Mask int16

const (
	Read  Mask = unix.POLLIN
	Write Mask = unix.POLLOUT
)

// Callback is invoked with the mask of events that were actually ready.
type Callback func(ready Mask)

// ErrStop is returned by Run once a callback has called Loop.Stop.
var ErrStop = errors.New("eventloop: stop requested")

type entry struct {
	fd   int
	mask Mask
	cb   Callback
}

// Loop is a cooperative, single-threaded readiness dispatcher. It is not
// safe for concurrent use; all registration and dispatch happens from the
// goroutine that calls Run.
type Loop struct {
	entries map[int]*entry
	order   []int

	timerFd int
	onTick  func()

	stopped bool
}

// New creates an empty Loop.
func New() *Loop {
	return &Loop{
		entries: make(map[int]*entry),
		timerFd: -1,
	}
}

// Register arms fd for the given interest mask; ready events invoke cb.
// Registering an already-registered fd replaces its callback and mask.
func (l *Loop) Register(fd int, mask Mask, cb Callback) {
	if _, exists := l.entries[fd]; !exists {
		l.order = append(l.order, fd)
	}
	l.entries[fd] = &entry{fd: fd, mask: mask, cb: cb}
}

// SetMask changes the interest mask of an already-registered fd. LinkMux
// uses this to raise Write interest when frames are queued and to lower
// it again once the TX queue drains (spec.md §4.3).
func (l *Loop) SetMask(fd int, mask Mask) {
	if e, ok := l.entries[fd]; ok {
		e.mask = mask
	}
}

// Unregister removes fd from the poll set. This is the loop's only
// cancellation primitive (spec.md §5).
func (l *Loop) Unregister(fd int) {
	delete(l.entries, fd)
	for i, ofd := range l.order {
		if ofd == fd {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// ArmTimer creates a timerfd that fires every intervalUsec microseconds
// and registers it internally; onTick is invoked once per expiry
// (possibly collapsing multiple expiries the way a coalesced SIGALRM
// would). Calling ArmTimer again replaces the interval and callback.
func (l *Loop) ArmTimer(intervalUsec int64, onTick func()) error {
	if l.timerFd < 0 {
		fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
		if err != nil {
			return fmt.Errorf("timerfd_create: %w", err)
		}
		l.timerFd = fd
	}
	l.onTick = onTick

	spec := unix.ItimerSpec{
		Interval: unix.NsecToTimespec(intervalUsec * 1000),
		Value:    unix.NsecToTimespec(intervalUsec * 1000),
	}
	if err := unix.TimerfdSettime(l.timerFd, 0, &spec, nil); err != nil {
		return fmt.Errorf("timerfd_settime: %w", err)
	}
	l.Register(l.timerFd, Read, l.drainTimer)
	return nil
}

// DisarmTimer stops delivery without closing the underlying fd, so it can
// be rearmed later with ArmTimer. The orchestrator calls it at handover,
// once the calypso beacon is no longer needed.
func (l *Loop) DisarmTimer() {
	if l.timerFd < 0 {
		return
	}
	var zero unix.ItimerSpec
	unix.TimerfdSettime(l.timerFd, 0, &zero, nil)
}

func (l *Loop) drainTimer(ready Mask) {
	var buf [8]byte
	unix.Read(l.timerFd, buf[:])
	if l.onTick != nil {
		l.onTick()
	}
}

// Run polls until a callback calls Stop, at which point it returns
// ErrStop. In normal operation the loop runs forever, matching spec.md
// §4.8's "drives the event loop forever".
func (l *Loop) Run() error {
	for !l.stopped {
		pfds := make([]unix.PollFd, 0, len(l.order))
		fds := make([]int, 0, len(l.order))
		for _, fd := range l.order {
			e := l.entries[fd]
			pfds = append(pfds, unix.PollFd{Fd: int32(e.fd), Events: int16(e.mask)})
			fds = append(fds, fd)
		}
		if len(pfds) == 0 {
			return fmt.Errorf("eventloop: no fds registered")
		}

		n, err := unix.Poll(pfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if n == 0 {
			continue
		}

		for i, pfd := range pfds {
			if pfd.Revents == 0 {
				continue
			}
			e, ok := l.entries[fds[i]]
			if !ok {
				continue // unregistered by an earlier callback this round
			}
			e.cb(Mask(pfd.Revents))
			if l.stopped {
				break
			}
		}
	}
	return ErrStop
}

// Stop requests that Run return ErrStop once the current dispatch round
// finishes.
func (l *Loop) Stop() {
	l.stopped = true
}
