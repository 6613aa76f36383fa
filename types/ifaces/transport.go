package ifaces

import "net/netip"

// SecureTransport is the opaque handshake/record-layer capability a
// connection owns. It is bound to one datagram descriptor at a time and
// may be rebound mid-handshake: the promoter first points it at the
// shared listener to consume a peer's opening datagram, then at the
// peer's dedicated socket.
//
// All I/O performed by implementations must be non-blocking; operations
// that cannot progress return an error for which types.IsTransient
// reports true.
type SecureTransport interface {
	// Rebind points the transport at a datagram descriptor. When
	// connected is false the descriptor is a shared (unconnected)
	// socket and the transport addresses peer explicitly; when true the
	// descriptor is connected to peer.
	Rebind(fd int, peer netip.AddrPort, connected bool) error

	// Drive advances the handshake by one step. It returns nil when the
	// step completed, a transient error when the handshake is waiting
	// for the peer, and any other error on protocol failure. Progress
	// is observed through Established.
	Drive() error

	// Established reports whether the handshake has completed.
	Established() bool

	// Send seals payload and writes it as one datagram.
	Send(payload []byte) (int, error)

	// Recv reads one datagram and unseals it into buf. A zero-length
	// return with nil error is a valid empty datagram, not end of
	// stream.
	Recv(buf []byte) (int, error)

	// Close releases transport state. It does not close the bound
	// descriptor, which the connection owns.
	Close() error
}

// TransportFactory mints one SecureTransport per promoted peer.
type TransportFactory interface {
	NewTransport() (SecureTransport, error)
}
