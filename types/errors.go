package types

import (
	"errors"

	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned by non-blocking operations that have no
	// data or buffer space available right now. It is not a failure: the
	// caller retries once readiness is reported again.
	ErrWouldBlock = errors.New("operation would block")

	// ErrClosed is returned by operations on a handle that has been closed.
	ErrClosed = errors.New("use of closed handle")
)

// IsTransient reports whether err is a would-block or in-progress
// condition, i.e. one that resolves itself on the next readiness
// notification and must never tear anything down.
func IsTransient(err error) bool {
	return errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINPROGRESS)
}
