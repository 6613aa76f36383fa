// Package boxtp implements a rebindable secure datagram transport:
// NaCl-box sealed records keyed by a Curve25519 agreement, reached
// through a cookie-verified hello exchange.
//
// The responder answers a peer's opening hello with a stateless retry
// cookie and commits no per-peer secrets until the peer echoes the
// cookie back, proving it can receive at its claimed address. That
// first exchange is designed to run on a shared (unconnected) listener
// socket; the transport is then rebound to the peer's dedicated socket
// for the rest of the handshake and all records.
package boxtp

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/sokmux/sokmux/types"
	"github.com/sokmux/sokmux/types/ifaces"
	"golang.org/x/sys/unix"
)

// Wire message types, one byte each.
const (
	msgHelloInit   byte = 0x01 // [type][32 initiator pub]
	msgHelloRetry  byte = 0x02 // [type][16 cookie]
	msgHelloCookie byte = 0x03 // [type][32 initiator pub][16 cookie]
	msgHelloDone   byte = 0x04 // [type][32 responder pub]
	msgRecord      byte = 0x05 // [type][24 nonce][box]
)

const maxDatagram = 1 << 16

var (
	errNotEstablished = errors.New("transport not established")
	errNotBound       = errors.New("transport not bound to a descriptor")
	errTransportDone  = errors.New("transport closed")
)

// Transport is one peer's handshake and record state. It implements
// ifaces.SecureTransport. Responder transports are minted by a
// ServerFactory; initiators by NewClient.
type Transport struct {
	log  *slog.Logger
	priv Private
	jar  *cookieJar // responder only

	fd        int
	peer      netip.AddrPort
	connected bool

	remote      Public
	shared      Shared
	established bool

	// cookie is the initiator's echo material from the last retry.
	cookie []byte
	// started records that the initiator's opening hello went out.
	started bool

	closed bool
}

// ServerFactory mints responder transports sharing one identity key and
// one cookie secret, so cookies stay checkable across transports.
type ServerFactory struct {
	priv Private
	jar  cookieJar
	log  *slog.Logger
}

// NewServerFactory creates a responder factory with identity priv.
func NewServerFactory(priv Private, log *slog.Logger) *ServerFactory {
	if log == nil {
		log = slog.Default()
	}
	return &ServerFactory{
		priv: priv,
		jar:  newCookieJar(),
		log:  log.With("component", "boxtp"),
	}
}

// NewTransport implements ifaces.TransportFactory.
func (f *ServerFactory) NewTransport() (ifaces.SecureTransport, error) {
	return &Transport{
		log:  f.log,
		priv: f.priv,
		jar:  &f.jar,
		fd:   -1,
	}, nil
}

// NewClient creates an initiator transport with identity priv.
func NewClient(priv Private) *Transport {
	return &Transport{
		log:  slog.Default().With("component", "boxtp"),
		priv: priv,
		fd:   -1,
	}
}

// Rebind points the transport at a datagram descriptor. It may be
// called mid-handshake; all subsequent I/O uses the new descriptor.
func (t *Transport) Rebind(fd int, peer netip.AddrPort, connected bool) error {
	if t.closed {
		return errTransportDone
	}
	if fd < 0 || !peer.IsValid() {
		return fmt.Errorf("invalid binding: fd %d, peer %s", fd, peer)
	}
	t.fd = fd
	t.peer = peer
	t.connected = connected
	return nil
}

// Established reports whether the handshake has completed.
func (t *Transport) Established() bool {
	return t.established
}

// Drive advances the handshake by one step.
//
// On a shared (unconnected) descriptor exactly one datagram is read:
// the caller has established that the queue head belongs to this
// transport's peer, and reading further would consume other peers'
// traffic. On a connected descriptor all pending datagrams are drained.
func (t *Transport) Drive() error {
	if t.closed {
		return errTransportDone
	}
	if t.fd < 0 {
		return errNotBound
	}
	if t.established {
		return nil
	}

	if t.jar == nil && !t.started {
		// Initiator opening move.
		t.started = true
		return t.sendHello()
	}

	var buf [maxDatagram]byte
	for {
		n, from, err := t.read(buf[:])
		if err != nil {
			if types.IsTransient(err) {
				if t.jar == nil {
					// Initiator: nothing pending, re-offer the hello.
					return t.sendHello()
				}
				return types.ErrWouldBlock
			}
			return err
		}

		if from != t.peer {
			// Stray datagram on a shared descriptor; not ours to act on.
			return types.ErrWouldBlock
		}

		if err := t.handleHandshake(buf[:n]); err != nil {
			return err
		}
		if t.established {
			return nil
		}
		if !t.connected {
			// One datagram only on shared descriptors.
			return types.ErrWouldBlock
		}
	}
}

func (t *Transport) handleHandshake(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}

	if t.jar != nil {
		return t.handleAsResponder(msg)
	}
	return t.handleAsInitiator(msg)
}

func (t *Transport) handleAsResponder(msg []byte) error {
	switch msg[0] {
	case msgHelloInit:
		if len(msg) != 1+KeyLen {
			return nil
		}
		// Stateless: answer with a cookie, commit nothing.
		cookie := t.jar.bake(t.peer)
		return t.write(append([]byte{msgHelloRetry}, cookie[:]...))

	case msgHelloCookie:
		if len(msg) != 1+KeyLen+CookieLen {
			return nil
		}
		if !t.jar.check(t.peer, msg[1+KeyLen:]) {
			t.log.Debug("rejected stale cookie", "peer", t.peer)
			cookie := t.jar.bake(t.peer)
			return t.write(append([]byte{msgHelloRetry}, cookie[:]...))
		}
		copy(t.remote[:], msg[1:1+KeyLen])
		t.shared = t.priv.Shared(t.remote)
		pub := t.priv.Public()
		if err := t.write(append([]byte{msgHelloDone}, pub[:]...)); err != nil {
			return err
		}
		t.established = true
		return nil

	default:
		// Early records or noise before establishment; drop.
		return nil
	}
}

func (t *Transport) handleAsInitiator(msg []byte) error {
	switch msg[0] {
	case msgHelloRetry:
		if len(msg) != 1+CookieLen {
			return nil
		}
		t.cookie = append(t.cookie[:0], msg[1:]...)
		return t.sendHello()

	case msgHelloDone:
		if len(msg) != 1+KeyLen {
			return nil
		}
		copy(t.remote[:], msg[1:])
		t.shared = t.priv.Shared(t.remote)
		t.established = true
		return nil

	default:
		return nil
	}
}

// sendHello (re)sends the initiator's current hello: plain before any
// retry was seen, cookie-bearing after.
func (t *Transport) sendHello() error {
	pub := t.priv.Public()
	msg := make([]byte, 0, 1+KeyLen+CookieLen)
	if t.cookie == nil {
		msg = append(msg, msgHelloInit)
		msg = append(msg, pub[:]...)
	} else {
		msg = append(msg, msgHelloCookie)
		msg = append(msg, pub[:]...)
		msg = append(msg, t.cookie...)
	}
	if err := t.write(msg); err != nil && !types.IsTransient(err) {
		return err
	}
	return types.ErrWouldBlock
}

// Send seals payload into one record datagram.
func (t *Transport) Send(payload []byte) (int, error) {
	if t.closed {
		return 0, errTransportDone
	}
	if !t.established {
		return 0, errNotEstablished
	}
	msg := append([]byte{msgRecord}, t.shared.Seal(payload)...)
	if err := t.write(msg); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Recv reads datagrams until it can return one unsealed record.
// Handshake retransmits are answered in passing; undecryptable records
// are dropped, as loss and forgery are indistinguishable on a datagram
// transport. A zero-length return with nil error is a valid empty
// record.
func (t *Transport) Recv(buf []byte) (int, error) {
	if t.closed {
		return 0, errTransportDone
	}
	if !t.established {
		return 0, errNotEstablished
	}

	var raw [maxDatagram]byte
	for {
		n, from, err := t.read(raw[:])
		if err != nil {
			if types.IsTransient(err) {
				return 0, types.ErrWouldBlock
			}
			return 0, err
		}
		if from != t.peer || n == 0 {
			continue
		}

		switch raw[0] {
		case msgRecord:
			cleartext, ok := t.shared.Open(raw[1:n])
			if !ok {
				t.log.Debug("dropped undecryptable record", "peer", t.peer)
				continue
			}
			return copy(buf, cleartext), nil

		case msgHelloInit, msgHelloCookie:
			// The peer kept handshaking: our hello-done was lost.
			if t.jar != nil {
				if err := t.handleAsResponder(raw[:n]); err != nil {
					return 0, err
				}
			}

		default:
			// Drop anything else.
		}
	}
}

// Close releases handshake state. The bound descriptor belongs to the
// connection and stays open.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.established = false
	t.shared = Shared{}
	t.fd = -1
	return nil
}

func (t *Transport) read(buf []byte) (int, netip.AddrPort, error) {
	n, sa, err := unix.Recvfrom(t.fd, buf, 0)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	if sa == nil {
		return n, t.peer, nil
	}
	from, err := addrPortOf(sa)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}
	return n, from, nil
}

func (t *Transport) write(msg []byte) error {
	if t.connected {
		return unix.Send(t.fd, msg, 0)
	}
	return unix.Sendto(t.fd, msg, 0, sockaddrOf(t.peer))
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

func addrPortOf(sa unix.Sockaddr) (netip.AddrPort, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port)), nil
	case *unix.SockaddrInet6:
		// Kept as reported; peer comparison relies on the binding's
		// representation matching the kernel's.
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port)), nil
	default:
		return netip.AddrPort{}, fmt.Errorf("unsupported sockaddr type %T", sa)
	}
}
