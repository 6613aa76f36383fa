package demux

import (
	"net/netip"

	"go4.org/netipx"
)

// Selector picks which established connections a Send reaches.
type Selector struct {
	all  bool
	peer netip.AddrPort
	set  *netipx.IPSet
}

// All selects every established connection.
func All() Selector {
	return Selector{all: true}
}

// To selects the single connection for peer.
func To(peer netip.AddrPort) Selector {
	return Selector{peer: peer}
}

// Within selects connections whose peer address falls inside set.
func Within(set *netipx.IPSet) Selector {
	return Selector{set: set}
}

func (s Selector) match(peer netip.AddrPort) bool {
	switch {
	case s.all:
		return true
	case s.set != nil:
		// Peers on dual-stack listeners carry v4-mapped addresses.
		return s.set.Contains(peer.Addr().Unmap())
	default:
		return s.peer == peer
	}
}
