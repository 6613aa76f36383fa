package demux

import (
	"net/netip"

	"golang.org/x/exp/maps"
)

// Registry maps peer addresses to their connections. Key uniqueness is
// the registry's core invariant: at most one Conn per distinct peer
// address at any time. It is mutated only from the demultiplexer's
// single loop, so it needs no locking by construction.
type Registry struct {
	conns map[netip.AddrPort]*Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[netip.AddrPort]*Conn)}
}

// Lookup returns the connection for peer, if one exists.
func (r *Registry) Lookup(peer netip.AddrPort) (*Conn, bool) {
	c, ok := r.conns[peer]
	return c, ok
}

// Insert registers c under its peer address. Inserting a second
// connection for the same peer is refused.
func (r *Registry) Insert(c *Conn) error {
	if _, ok := r.conns[c.peer]; ok {
		return errDuplicatePeer
	}
	r.conns[c.peer] = c
	return nil
}

// Remove tears down and deregisters the connection for peer. It is the
// only path that releases a Conn's owned resources. Removing an absent
// peer is a no-op, because protocol-failure and timeout paths may race
// to close the same connection within one maintenance pass.
//
// The registry entry disappears only after teardown completes, so a
// datagram from the same peer arriving mid-teardown cannot create a
// duplicate entry.
func (r *Registry) Remove(peer netip.AddrPort) bool {
	c, ok := r.conns[peer]
	if !ok {
		return false
	}
	c.release()
	delete(r.conns, peer)
	return true
}

// All returns a snapshot of the registered connections for maintenance
// sweeps. Iteration order is unspecified.
func (r *Registry) All() []*Conn {
	return maps.Values(r.conns)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

// Clear removes every connection, releasing each one's resources.
func (r *Registry) Clear() {
	for _, peer := range maps.Keys(r.conns) {
		r.Remove(peer)
	}
}
