// Package poll implements a readiness-notification dispatch loop on top
// of epoll, together with a timerfd-backed maintenance timer.
//
// A Multiplexer's own descriptor is itself pollable, so a component can
// register an inner Multiplexer inside an outer one and expose its
// entire I/O surface to a caller as exactly one descriptor. Readiness
// on any descriptor owned by the inner instance propagates as a single
// readiness event to the outer one, whose sink is expected to drain the
// inner instance with a zero (or near-zero) timeout.
//
// Always Remove a descriptor before closing it: a closed-and-recycled
// descriptor number can otherwise deliver stale events.
package poll

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// MaxBatch bounds the number of events resolved by a single Wait call,
// capping per-call cost and guaranteeing the loop yields periodically
// under sustained load. Readiness beyond the bound is re-reported by
// the kernel on the next call.
const MaxBatch = 128

var errNilSink = errors.New("multiplexer requires an event sink")

// Readiness is the set of conditions a descriptor reported.
type Readiness uint32

const (
	Readable Readiness = 1 << iota
	Writable
	// Broken marks error or hangup conditions on the descriptor.
	Broken
)

// Has reports whether r includes all conditions in x.
func (r Readiness) Has(x Readiness) bool {
	return r&x == x
}

// EventSink is invoked once per ready event with the event's opaque tag
// and readiness flags. Returning a non-nil error stops dispatch of the
// remainder of the current batch; Wait returns that error to its
// caller. Unprocessed events are not dropped: the kernel re-reports
// their readiness on the next Wait.
type EventSink interface {
	HandleEvent(tag uint64, r Readiness) error
}

// EventSinkFunc adapts a function to an EventSink.
type EventSinkFunc func(tag uint64, r Readiness) error

func (f EventSinkFunc) HandleEvent(tag uint64, r Readiness) error {
	return f(tag, r)
}

// Multiplexer dispatches descriptor readiness to a single registered
// sink. It is not safe for concurrent use; all registration and waiting
// happens on one logical loop.
type Multiplexer struct {
	fd     int
	sink   EventSink
	closed bool
}

// New creates a Multiplexer dispatching to sink.
func New(sink EventSink) (*Multiplexer, error) {
	if sink == nil {
		return nil, errNilSink
	}

	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("could not create epoll instance: %w", err)
	}

	return &Multiplexer{fd: fd, sink: sink}, nil
}

// Fd returns the multiplexer's own pollable descriptor, for composition
// into a parent multiplexer.
func (m *Multiplexer) Fd() int {
	return m.fd
}

func epollEvents(r Readiness) uint32 {
	var ev uint32
	if r.Has(Readable) {
		ev |= unix.EPOLLIN
	}
	if r.Has(Writable) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func readinessOf(ev uint32) Readiness {
	var r Readiness
	if ev&unix.EPOLLIN != 0 {
		r |= Readable
	}
	if ev&unix.EPOLLOUT != 0 {
		r |= Writable
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		r |= Broken
	}
	return r
}

// The epoll data union is 64 bits; the tag is split across the Fd and
// Pad fields of unix.EpollEvent and reassembled on dispatch.
func tagEvent(tag uint64, r Readiness) *unix.EpollEvent {
	return &unix.EpollEvent{
		Events: epollEvents(r),
		Fd:     int32(uint32(tag)),
		Pad:    int32(uint32(tag >> 32)),
	}
}

func eventTag(ev *unix.EpollEvent) uint64 {
	return uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32
}

// Add registers fd under an opaque tag for the given readiness.
func (m *Multiplexer) Add(fd int, tag uint64, r Readiness) error {
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_ADD, fd, tagEvent(tag, r)); err != nil {
		return fmt.Errorf("could not register descriptor %d: %w", fd, err)
	}
	return nil
}

// Modify changes the tag or readiness of an already-registered fd.
func (m *Multiplexer) Modify(fd int, tag uint64, r Readiness) error {
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_MOD, fd, tagEvent(tag, r)); err != nil {
		return fmt.Errorf("could not modify descriptor %d: %w", fd, err)
	}
	return nil
}

// Remove deregisters fd. Call this before closing the descriptor.
func (m *Multiplexer) Remove(fd int) error {
	if err := unix.EpollCtl(m.fd, unix.EPOLL_CTL_DEL, fd, &unix.EpollEvent{}); err != nil {
		return fmt.Errorf("could not deregister descriptor %d: %w", fd, err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready or the
// timeout elapses, then invokes the sink once per ready event, in the
// order the kernel reported them. A negative timeout blocks
// indefinitely; zero polls.
//
// It returns the number of events dispatched. If the sink returned a
// non-nil error, dispatch stopped there and that error is returned
// alongside the count so far.
func (m *Multiplexer) Wait(timeout time.Duration) (int, error) {
	if m.closed {
		return 0, errors.New("wait on closed multiplexer")
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	var events [MaxBatch]unix.EpollEvent
	var n int
	for {
		var err error
		n, err = unix.EpollWait(m.fd, events[:], ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("wait failed: %w", err)
		}
		break
	}

	for i := 0; i < n; i++ {
		if err := m.sink.HandleEvent(eventTag(&events[i]), readinessOf(events[i].Events)); err != nil {
			return i + 1, err
		}
	}

	return n, nil
}

// Close releases the multiplexer's descriptor. Registered descriptors
// are not closed; they belong to their owners.
func (m *Multiplexer) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	return unix.Close(m.fd)
}
