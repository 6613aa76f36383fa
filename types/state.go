package types

// ConnState is the lifecycle state of a demultiplexed connection.
type ConnState int

const (
	// PendingPromotion is the state of a connection the instant a
	// previously-unseen peer address is observed, before it owns a socket.
	PendingPromotion ConnState = iota
	// Handshaking means the connection owns a dedicated socket and a
	// secure transport, and the handshake is in flight.
	Handshaking
	// Established means the secure transport has reported completion.
	Established
	// Closing means the connection is being torn down; its registry entry
	// is removed only after teardown completes.
	Closing
)

func (s ConnState) String() string {
	switch s {
	case PendingPromotion:
		return "pending-promotion"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}
