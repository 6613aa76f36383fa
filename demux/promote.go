package demux

import (
	"time"

	"github.com/sokmux/sokmux/poll"
	"github.com/sokmux/sokmux/types"
	"golang.org/x/sys/unix"
)

// promote carves a previously-unseen peer out of a shared listener:
//
//  1. peek the pending datagram to learn the peer address (the read
//     must not consume it; the handshake's first exchange still needs
//     it, and it is only visible on the listener),
//  2. create a dedicated socket of the peer's family with local-address
//     reuse only — the load-balancing reuse flag would let the kernel
//     route other new peers' first traffic here, breaking the
//     one-connection-per-peer invariant,
//  3. bind it to the listener's local endpoint and connect it to the
//     peer, after which the kernel delivers only this peer's traffic to
//     it and the listener stops seeing it,
//  4. drive exactly one handshake step through the listener (consuming
//     the opening datagram; address-verification handshakes answer with
//     a retry cookie and report would-block here),
//  5. rebind the transport to the dedicated socket and register the
//     connection.
//
// A nil, nil return means nothing was pending to promote. On failure,
// everything acquired by this call is released in reverse order and the
// registry never sees a half-built connection.
func (d *Demux) promote(l *listener) (*Conn, error) {
	_, peer, err := peekFrom(l.fd)
	if err != nil {
		// Nothing actually pending: not an error, nothing to promote.
		if !types.IsTransient(err) {
			d.log.Debug("listener peek failed", "err", err)
		}
		return nil, nil
	}

	if _, ok := d.reg.Lookup(peer); ok {
		// Duplicate first contact that raced promotion; the dedicated
		// socket already owns this peer, so drop the stale datagram
		// rather than let it re-report forever.
		discardFrom(l.fd)
		return nil, nil
	}

	now := time.Now()

	fd, err := newDatagramSocket(familyOf(peer.Addr()))
	if err != nil {
		discardFrom(l.fd)
		return nil, &PromotionError{Kind: SocketAllocationFailed, Peer: peer, Err: err}
	}
	sockOK := false
	defer func() {
		if !sockOK {
			_ = unix.Close(fd)
		}
	}()

	// Local-address reuse only; see step 2 above.
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		discardFrom(l.fd)
		return nil, &PromotionError{Kind: BindOrConnectFailed, Peer: peer, Err: err}
	}
	if err := unix.Bind(fd, sockaddrOf(l.local)); err != nil {
		discardFrom(l.fd)
		return nil, &PromotionError{Kind: BindOrConnectFailed, Peer: peer, Err: err}
	}
	if err := unix.Connect(fd, sockaddrOf(peer)); err != nil {
		discardFrom(l.fd)
		return nil, &PromotionError{Kind: BindOrConnectFailed, Peer: peer, Err: err}
	}

	tp, err := d.cfg.Transports.NewTransport()
	if err != nil {
		discardFrom(l.fd)
		return nil, &PromotionError{Kind: HandshakeStepFailed, Peer: peer, Err: err}
	}
	tpOK := false
	defer func() {
		if !tpOK {
			_ = tp.Close()
		}
	}()

	// The opening datagram is still only visible on the listener, so the
	// transport's first step runs there, addressed to the peer.
	if err := tp.Rebind(l.fd, peer, false); err != nil {
		discardFrom(l.fd)
		return nil, &PromotionError{Kind: HandshakeStepFailed, Peer: peer, Err: err}
	}
	if err := tp.Drive(); err != nil && !types.IsTransient(err) {
		// Drive consumed the datagram itself; no discard here.
		return nil, &PromotionError{Kind: HandshakeStepFailed, Peer: peer, Err: err}
	}

	// From here on the peer's traffic lands on the dedicated socket.
	if err := tp.Rebind(fd, peer, true); err != nil {
		return nil, &PromotionError{Kind: HandshakeStepFailed, Peer: peer, Err: err}
	}

	tag := d.nextTag
	d.nextTag++

	c := &Conn{
		peer:     peer,
		fd:       fd,
		tp:       tp,
		state:    types.Handshaking,
		deadline: now.Add(d.cfg.RetryBackoff(0)),
		tag:      tag,
	}

	if err := d.mux.Add(fd, tag, poll.Readable); err != nil {
		return nil, &PromotionError{Kind: SocketAllocationFailed, Peer: peer, Err: err}
	}

	// Uniqueness was checked above and the loop is single-threaded, so
	// this cannot refuse.
	if err := d.reg.Insert(c); err != nil {
		_ = d.mux.Remove(fd)
		return nil, &PromotionError{Kind: AddressResolutionFailed, Peer: peer, Err: err}
	}
	d.byTag[tag] = c

	sockOK = true
	tpOK = true

	if tp.Established() {
		d.establish(c, now)
	} else {
		d.rearm()
	}

	d.log.Debug("promoted peer", "peer", peer, "local", l.local)
	return c, nil
}
