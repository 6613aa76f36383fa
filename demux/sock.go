package demux

import (
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

// Raw datagram socket plumbing. Descriptors are always non-blocking and
// close-on-exec; suspension happens only in the multiplexer's wait.

func familyOf(addr netip.Addr) int {
	if addr.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func sockaddrOf(ap netip.AddrPort) unix.Sockaddr {
	if ap.Addr().Is4() {
		return &unix.SockaddrInet4{
			Port: int(ap.Port()),
			Addr: ap.Addr().As4(),
		}
	}
	return &unix.SockaddrInet6{
		Port: int(ap.Port()),
		Addr: ap.Addr().As16(),
	}
}

// addrPortOf keeps the kernel's address representation: a v4-mapped
// peer on a dual-stack listener stays v4-mapped, so the carve-out
// socket's family always matches the listener it binds next to.
func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}

func newDatagramSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("could not create datagram socket: %w", err)
	}
	return fd, nil
}

// openListener binds a shared listening socket. Listeners get both
// address-reuse flags: SO_REUSEPORT is what distinguishes them from
// per-peer sockets, which must never set it.
func openListener(ap netip.AddrPort) (int, netip.AddrPort, error) {
	fd, err := newDatagramSocket(familyOf(ap.Addr()))
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("could not set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("could not set SO_REUSEPORT: %w", err)
	}
	if err := unix.Bind(fd, sockaddrOf(ap)); err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("could not bind %s: %w", ap, err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return -1, netip.AddrPort{}, fmt.Errorf("could not resolve bound address: %w", err)
	}
	local, err := addrPortOf(sa)
	if err != nil {
		return -1, netip.AddrPort{}, err
	}

	ok = true
	return fd, local, nil
}

// peekFrom observes the pending datagram on fd without consuming it,
// returning its true length and sender. The datagram stays queued so
// the handshake's first exchange can still read it.
func peekFrom(fd int) (int, netip.AddrPort, error) {
	var b [1]byte
	n, sa, err := unix.Recvfrom(fd, b[:], unix.MSG_PEEK|unix.MSG_TRUNC)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	from, err := addrPortOf(sa)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, from, nil
}

// discardFrom consumes the datagram at the head of fd's receive queue.
// Single-threaded use only: it is safe exactly because nothing read
// from fd between the peek and this call.
func discardFrom(fd int) {
	var b [1]byte
	_, _, _ = unix.Recvfrom(fd, b[:], unix.MSG_TRUNC)
}
