package demux

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrBadConfig is returned synchronously by New for invalid bind specs
// or a missing transport factory.
var ErrBadConfig = errors.New("invalid demux configuration")

var errDuplicatePeer = errors.New("peer already registered")

// PromotionKind classifies which stage of a promotion attempt failed.
type PromotionKind int

const (
	AddressResolutionFailed PromotionKind = iota
	SocketAllocationFailed
	BindOrConnectFailed
	HandshakeStepFailed
)

func (k PromotionKind) String() string {
	switch k {
	case AddressResolutionFailed:
		return "address-resolution-failed"
	case SocketAllocationFailed:
		return "socket-allocation-failed"
	case BindOrConnectFailed:
		return "bind-or-connect-failed"
	case HandshakeStepFailed:
		return "handshake-step-failed"
	default:
		return "unknown"
	}
}

// PromotionError reports a failed promotion attempt. All resources
// acquired by that attempt have been released; the failure is local to
// the one peer and never affects the listener or other connections.
type PromotionError struct {
	Kind PromotionKind
	Peer netip.AddrPort
	Err  error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("promotion of %s: %s: %v", e.Peer, e.Kind, e.Err)
}

func (e *PromotionError) Unwrap() error {
	return e.Err
}
