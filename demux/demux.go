// Package demux turns a single UDP listening endpoint into many
// independently addressed, independently stateful per-peer connections.
//
// The first datagram from an unknown peer is observed (not consumed) on
// the shared listener; the peer is then promoted onto a dedicated
// socket bound to the same local endpoint and connected to that peer,
// and a secure transport is driven through its handshake there. All of
// the module's internal I/O (listeners, per-peer sockets, maintenance
// timer) hides behind one pollable descriptor, so a caller can compose
// it into its own event loop.
//
// All methods must be called from one goroutine; the only blocking
// point is Process, bounded by its timeout.
package demux

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/sokmux/sokmux/poll"
	"github.com/sokmux/sokmux/types"
	"github.com/sokmux/sokmux/types/ifaces"
	"golang.org/x/sys/unix"
)

const (
	// DefaultMaxRetries bounds handshake re-drives before a connection
	// is torn down.
	DefaultMaxRetries = 5

	recvBufferSize = 1 << 16
)

// Tag layout inside the multiplexer: 0 is the maintenance timer, tags
// below connTagBase are listener indices (offset by one), everything
// else is a connection.
const (
	tagTimer    uint64 = 0
	connTagBase uint64 = 1 << 32
)

// DefaultRetryBackoff is the retry policy hook's default schedule:
// a half-second base doubling per retry. Deliberately untuned.
func DefaultRetryBackoff(retries int) time.Duration {
	if retries > 6 {
		retries = 6
	}
	return 500 * time.Millisecond << retries
}

// Config carries everything New needs. Listen and Transports are
// required; the rest defaults.
type Config struct {
	// Listen is the set of local endpoints to bind listeners on.
	Listen []netip.AddrPort

	// Transports mints a secure transport per promoted peer.
	Transports ifaces.TransportFactory

	// Payloads, if set, receives datagrams from established peers.
	Payloads ifaces.PayloadSink

	// MaxRetries is the handshake retry ceiling. Defaults to
	// DefaultMaxRetries.
	MaxRetries int

	// IdleTimeout expires established peers with no inbound traffic.
	// Zero disables expiry.
	IdleTimeout time.Duration

	// RetryBackoff maps a retry count to the delay before the next
	// handshake re-drive. Defaults to DefaultRetryBackoff.
	RetryBackoff func(retries int) time.Duration

	Logger *slog.Logger
}

type listener struct {
	fd    int
	local netip.AddrPort
	tag   uint64
}

// Demux is the demultiplexer handle. Create with New, drive with
// Process, release with Close.
type Demux struct {
	log *slog.Logger
	cfg Config

	mux   *poll.Multiplexer
	timer *poll.Timer

	listeners []*listener
	reg       *Registry
	byTag     map[uint64]*Conn
	nextTag   uint64

	buf    []byte
	closed bool
}

// New binds one listener per entry in cfg.Listen, creates the
// maintenance timer and the internal multiplexer, and returns the
// handle. Any failure releases everything acquired so far.
func New(cfg Config) (*Demux, error) {
	if len(cfg.Listen) == 0 || cfg.Transports == nil {
		return nil, ErrBadConfig
	}
	for _, ap := range cfg.Listen {
		if !ap.IsValid() {
			return nil, fmt.Errorf("%w: bind spec %s", ErrBadConfig, ap)
		}
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff == nil {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Demux{
		log:     cfg.Logger.With("component", "demux"),
		cfg:     cfg,
		reg:     NewRegistry(),
		byTag:   make(map[uint64]*Conn),
		nextTag: connTagBase,
		buf:     make([]byte, recvBufferSize),
	}

	ok := false
	defer func() {
		if !ok {
			_ = d.Close()
		}
	}()

	mux, err := poll.New(poll.EventSinkFunc(d.handleEvent))
	if err != nil {
		return nil, err
	}
	d.mux = mux

	for i, ap := range cfg.Listen {
		fd, local, err := openListener(ap)
		if err != nil {
			return nil, fmt.Errorf("could not open listener on %s: %w", ap, err)
		}
		l := &listener{fd: fd, local: local, tag: uint64(i) + 1}
		d.listeners = append(d.listeners, l)
		if err := d.mux.Add(fd, l.tag, poll.Readable); err != nil {
			return nil, err
		}
	}

	timer, err := poll.NewTimer()
	if err != nil {
		return nil, err
	}
	d.timer = timer
	if err := d.mux.Add(timer.Fd(), tagTimer, poll.Readable); err != nil {
		return nil, err
	}

	ok = true
	d.log.Debug("demux created", "listeners", len(d.listeners))
	return d, nil
}

// EventDescriptor returns the single pollable descriptor exposing the
// module's entire internal I/O surface, for composition into a caller's
// own multiplexer.
func (d *Demux) EventDescriptor() int {
	return d.mux.Fd()
}

// LocalAddrs returns the resolved local endpoints of the listeners.
func (d *Demux) LocalAddrs() []netip.AddrPort {
	addrs := make([]netip.AddrPort, 0, len(d.listeners))
	for _, l := range d.listeners {
		addrs = append(addrs, l.local)
	}
	return addrs
}

// Process drains one batch of readiness on the internal multiplexer,
// performing promotion, handshake advancement, payload delivery and
// maintenance as needed. A negative timeout blocks until something is
// ready; zero polls.
func (d *Demux) Process(timeout time.Duration) (int, error) {
	if d.closed {
		return 0, types.ErrClosed
	}
	return d.mux.Wait(timeout)
}

func (d *Demux) handleEvent(tag uint64, _ poll.Readiness) error {
	switch {
	case tag == tagTimer:
		if _, err := d.timer.Drain(); err != nil {
			d.log.Warn("timer drain failed", "err", err)
		}
		d.sweep(time.Now())
	case tag < connTagBase:
		idx := int(tag - 1)
		if idx < len(d.listeners) {
			d.pump(d.listeners[idx])
		}
	default:
		if c, ok := d.byTag[tag]; ok {
			d.serve(c)
		}
	}
	// Per-peer errors never unwind the dispatch loop.
	return nil
}

// pump promotes pending first-contact datagrams on a listener until its
// queue is empty.
func (d *Demux) pump(l *listener) {
	for {
		c, err := d.promote(l)
		if err != nil {
			d.log.Warn("promotion failed", "err", err)
			continue
		}
		if c == nil {
			return
		}
	}
}

// serve advances a connection whose socket reported readable.
func (d *Demux) serve(c *Conn) {
	switch c.state {
	case types.Handshaking:
		d.advance(c, time.Now())
	case types.Established:
		d.deliver(c, time.Now())
	}
}

// advance drives one handshake step on a readable handshaking
// connection.
func (d *Demux) advance(c *Conn, now time.Time) {
	if err := c.tp.Drive(); err != nil && !types.IsTransient(err) {
		d.log.Info("handshake failed", "peer", c.peer, "err", err)
		d.removeConn(c.peer)
		return
	}
	if c.tp.Established() {
		d.establish(c, now)
	}
}

func (d *Demux) establish(c *Conn, now time.Time) {
	c.state = types.Established
	c.deadline = d.idleDeadline(now)
	d.log.Info("connection established", "peer", c.peer)
	d.rearm()
}

// deliver drains application datagrams from an established connection.
// A zero-length successful receive is a valid empty datagram on a
// connected datagram socket, never end-of-stream.
func (d *Demux) deliver(c *Conn, now time.Time) {
	for {
		n, err := c.tp.Recv(d.buf)
		if err != nil {
			if types.IsTransient(err) {
				return
			}
			d.log.Info("connection closed", "peer", c.peer, "err", err)
			d.removeConn(c.peer)
			return
		}
		c.deadline = d.idleDeadline(now)
		if d.cfg.Payloads != nil {
			d.cfg.Payloads.HandlePayload(c.peer, slices.Clone(d.buf[:n]))
		}
	}
}

func (d *Demux) idleDeadline(now time.Time) time.Time {
	if d.cfg.IdleTimeout <= 0 {
		return time.Time{}
	}
	return now.Add(d.cfg.IdleTimeout)
}

// removeConn tears down one connection: multiplexer registration first
// (before its descriptor closes), then the registry entry, which owns
// the actual resource release.
func (d *Demux) removeConn(peer netip.AddrPort) {
	c, ok := d.reg.Lookup(peer)
	if !ok {
		return
	}
	_ = d.mux.Remove(c.fd)
	delete(d.byTag, c.tag)
	d.reg.Remove(peer)
	d.rearm()
}

// Send delivers payload to every established connection the selector
// admits and returns the number of peers actually reached.
func (d *Demux) Send(sel Selector, payload []byte) int {
	if d.closed {
		return 0
	}
	reached := 0
	for _, c := range d.reg.All() {
		if c.state != types.Established || !sel.match(c.peer) {
			continue
		}
		if _, err := c.tp.Send(payload); err != nil {
			if !types.IsTransient(err) {
				d.log.Warn("send failed", "peer", c.peer, "err", err)
			}
			continue
		}
		reached++
	}
	return reached
}

// Close releases listener sockets, all connections, the timer, and the
// multiplexer, in that order. Idempotent.
func (d *Demux) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true

	for _, l := range d.listeners {
		if d.mux != nil {
			_ = d.mux.Remove(l.fd)
		}
		_ = unix.Close(l.fd)
	}
	d.listeners = nil

	if d.reg != nil {
		for _, c := range d.reg.All() {
			if d.mux != nil {
				_ = d.mux.Remove(c.fd)
			}
		}
		d.reg.Clear()
	}
	d.byTag = nil

	if d.timer != nil {
		if d.mux != nil {
			_ = d.mux.Remove(d.timer.Fd())
		}
		_ = d.timer.Close()
	}

	if d.mux != nil {
		return d.mux.Close()
	}
	return nil
}
