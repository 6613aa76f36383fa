package poll

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/sokmux/sokmux/types"
	"golang.org/x/sys/unix"
)

// Timer is a one-shot maintenance timer backed by a timerfd, pollable
// like any other descriptor. It is registered in the same Multiplexer
// as the sockets it schedules work for.
type Timer struct {
	fd     int
	closed bool
}

// NewTimer creates a disarmed monotonic timer.
func NewTimer() (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("could not create timerfd: %w", err)
	}
	return &Timer{fd: fd}, nil
}

// Fd returns the timer's pollable descriptor.
func (t *Timer) Fd() int {
	return t.fd
}

// ArmAfter schedules a single expiration after d. A non-positive d
// fires immediately (a zero timespec would disarm instead).
func (t *Timer) ArmAfter(d time.Duration) error {
	if d <= 0 {
		d = time.Nanosecond
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(t.fd, 0, &spec, nil); err != nil {
		return fmt.Errorf("could not arm timer: %w", err)
	}
	return nil
}

// Disarm cancels any pending expiration.
func (t *Timer) Disarm() error {
	if err := unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{}, nil); err != nil {
		return fmt.Errorf("could not disarm timer: %w", err)
	}
	return nil
}

// Drain consumes the expiration count, clearing the timer's readiness.
// It returns zero when the timer has not fired.
func (t *Timer) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(t.fd, buf[:])
	if err != nil {
		if types.IsTransient(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("could not drain timer: %w", err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the timer's descriptor. Remove it from any
// multiplexer first.
func (t *Timer) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return unix.Close(t.fd)
}
