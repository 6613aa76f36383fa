package demux

import (
	"net/netip"
	"time"

	"github.com/sokmux/sokmux/types"
	"github.com/sokmux/sokmux/types/ifaces"
	"golang.org/x/sys/unix"
)

// Conn is the per-peer state created by promotion: a dedicated socket
// bound to the listener's local endpoint and connected to exactly one
// peer address, plus the secure transport driving it.
type Conn struct {
	peer netip.AddrPort // immutable after creation

	// fd, once assigned, is never re-pointed at a different peer; it is
	// destroyed, not repurposed, on teardown.
	fd int
	tp ifaces.SecureTransport

	state    types.ConnState
	retries  int
	deadline time.Time

	// tag is the connection's registration in the multiplexer.
	tag uint64
}

// Peer returns the remote address this connection serves.
func (c *Conn) Peer() netip.AddrPort {
	return c.peer
}

// State returns the connection's lifecycle state.
func (c *Conn) State() types.ConnState {
	return c.state
}

// release tears down the connection's owned resources: transport first,
// then the socket. Idempotent.
func (c *Conn) release() {
	c.state = types.Closing
	if c.tp != nil {
		_ = c.tp.Close()
		c.tp = nil
	}
	if c.fd >= 0 {
		_ = unix.Close(c.fd)
		c.fd = -1
	}
}
