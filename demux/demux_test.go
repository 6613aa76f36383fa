package demux

import (
	"errors"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/sokmux/sokmux/poll"
	"github.com/sokmux/sokmux/types"
	"github.com/sokmux/sokmux/types/ifaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go4.org/netipx"
	"golang.org/x/sys/unix"
)

// testTransport is a deterministic stand-in for a secure transport: each
// Drive consumes one datagram, and establishment happens after a
// configured number of consumed datagrams. Records pass through in the
// clear so tests can read them off raw sockets.
type testTransport struct {
	fd        int
	peer      netip.AddrPort
	connected bool

	drivesToEstablish int
	drives            int
	established       bool
	driveErr          error
	closed            bool
}

func (tt *testTransport) Rebind(fd int, peer netip.AddrPort, connected bool) error {
	tt.fd, tt.peer, tt.connected = fd, peer, connected
	return nil
}

func (tt *testTransport) Established() bool { return tt.established }

func (tt *testTransport) Drive() error {
	var buf [2048]byte
	if _, _, err := unix.Recvfrom(tt.fd, buf[:], 0); err != nil {
		if types.IsTransient(err) {
			return types.ErrWouldBlock
		}
		return err
	}
	if tt.driveErr != nil {
		return tt.driveErr
	}
	tt.drives++
	if tt.drives >= tt.drivesToEstablish {
		tt.established = true
		return nil
	}
	return types.ErrWouldBlock
}

func (tt *testTransport) Send(payload []byte) (int, error) {
	if !tt.established {
		return 0, errors.New("send before establishment")
	}
	if err := unix.Send(tt.fd, payload, 0); err != nil {
		return 0, err
	}
	return len(payload), nil
}

func (tt *testTransport) Recv(buf []byte) (int, error) {
	n, _, err := unix.Recvfrom(tt.fd, buf, 0)
	if err != nil {
		if types.IsTransient(err) {
			return 0, types.ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (tt *testTransport) Close() error {
	tt.closed = true
	return nil
}

type testFactory struct {
	drivesToEstablish int
	err               error
	made              []*testTransport
}

func (f *testFactory) NewTransport() (ifaces.SecureTransport, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := f.drivesToEstablish
	if n == 0 {
		n = 1
	}
	tt := &testTransport{drivesToEstablish: n}
	f.made = append(f.made, tt)
	return tt, nil
}

// recordingSink collects delivered payloads keyed by peer. Delivery
// happens on the loop goroutine, so plain map access suffices.
type recordingSink struct {
	got map[netip.AddrPort][][]byte
}

func newRecordingSink() *recordingSink {
	return &recordingSink{got: make(map[netip.AddrPort][][]byte)}
}

func (s *recordingSink) HandlePayload(peer netip.AddrPort, payload []byte) {
	s.got[peer] = append(s.got[peer], payload)
}

func (s *recordingSink) payloads(peer netip.AddrPort) [][]byte {
	return s.got[peer]
}

func newTestDemux(t *testing.T, f ifaces.TransportFactory, sink ifaces.PayloadSink, mutate func(*Config)) (*Demux, netip.AddrPort) {
	t.Helper()

	cfg := Config{
		Listen:       []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")},
		Transports:   f,
		Payloads:     sink,
		RetryBackoff: func(int) time.Duration { return 5 * time.Millisecond },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	addrs := d.LocalAddrs()
	require.Len(t, addrs, 1)
	require.NotZero(t, addrs[0].Port(), "wildcard port must resolve to a concrete one")
	return d, addrs[0]
}

// clientSock opens a connected, non-blocking UDP socket aimed at dst and
// returns its descriptor and local address.
func clientSock(t *testing.T, dst netip.AddrPort) (int, netip.AddrPort) {
	t.Helper()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	require.NoError(t, unix.Connect(fd, sockaddrOf(dst)))
	sa, err := unix.Getsockname(fd)
	require.NoError(t, err)
	local, err := addrPortOf(sa)
	require.NoError(t, err)
	return fd, local
}

func sendFrom(t *testing.T, fd int, payload string) {
	t.Helper()
	require.NoError(t, unix.Send(fd, []byte(payload), 0))
}

// processUntil drives the demultiplexer until cond holds or the test
// deadline passes. The loop is single-goroutine on purpose.
func processUntil(t *testing.T, d *Demux, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := d.Process(20 * time.Millisecond)
		require.NoError(t, err)
		if cond() {
			return
		}
	}
	t.Fatal(msg)
}

func recvOn(t *testing.T, fd int) string {
	t.Helper()

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 2000)
	require.NoError(t, err)
	require.NotZero(t, n, "no datagram arrived")

	var buf [2048]byte
	got, _, err := unix.Recvfrom(fd, buf[:], 0)
	require.NoError(t, err)
	return string(buf[:got])
}

func countFDs(t *testing.T) int {
	t.Helper()
	ents, err := os.ReadDir("/proc/self/fd")
	require.NoError(t, err)
	return len(ents)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrBadConfig)

	_, err = New(Config{Listen: []netip.AddrPort{netip.MustParseAddrPort("127.0.0.1:0")}})
	assert.ErrorIs(t, err, ErrBadConfig, "missing transport factory")

	_, err = New(Config{Listen: []netip.AddrPort{{}}, Transports: &testFactory{}})
	assert.ErrorIs(t, err, ErrBadConfig, "invalid bind spec")
}

func TestFirstContactPromotes(t *testing.T) {
	f := &testFactory{}
	d, addr := newTestDemux(t, f, nil, nil)

	fd, local := clientSock(t, addr)
	sendFrom(t, fd, "hello")

	processUntil(t, d, func() bool {
		c, ok := d.reg.Lookup(local)
		return ok && c.State() == types.Established
	}, "peer was never promoted and established")

	c, _ := d.reg.Lookup(local)
	assert.Equal(t, local, c.Peer())
	assert.Equal(t, 1, d.reg.Len())
	require.Len(t, f.made, 1)
	assert.True(t, f.made[0].connected, "transport must end up on the dedicated socket")
	assert.Equal(t, local, f.made[0].peer)
}

func TestHandshakeContinuesOnDedicatedSocket(t *testing.T) {
	f := &testFactory{drivesToEstablish: 2}
	d, addr := newTestDemux(t, f, nil, nil)

	fd, local := clientSock(t, addr)
	sendFrom(t, fd, "step-one")

	processUntil(t, d, func() bool {
		return d.reg.Len() == 1
	}, "first contact was never promoted")

	c, ok := d.reg.Lookup(local)
	require.True(t, ok)
	assert.Equal(t, types.Handshaking, c.State(), "one consumed datagram must not establish yet")

	// The second datagram routes to the connected per-peer socket, not
	// the listener, and completes the handshake there.
	sendFrom(t, fd, "step-two")
	processUntil(t, d, func() bool {
		return c.State() == types.Established
	}, "handshake never completed on the dedicated socket")

	assert.Equal(t, 2, f.made[0].drives)
}

func TestEstablishedTrafficBypassesListener(t *testing.T) {
	f := &testFactory{}
	sink := newRecordingSink()
	d, addr := newTestDemux(t, f, sink, nil)

	fd, local := clientSock(t, addr)
	sendFrom(t, fd, "hello")
	processUntil(t, d, func() bool {
		c, ok := d.reg.Lookup(local)
		return ok && c.State() == types.Established
	}, "peer never established")

	sendFrom(t, fd, "payload-a")
	sendFrom(t, fd, "payload-b")
	processUntil(t, d, func() bool {
		return len(sink.payloads(local)) == 2
	}, "payloads never delivered")

	assert.Equal(t, [][]byte{[]byte("payload-a"), []byte("payload-b")}, sink.payloads(local))

	// Nothing from this peer may linger on the shared listener.
	_, _, err := peekFrom(d.listeners[0].fd)
	assert.True(t, types.IsTransient(err), "listener queue must be empty")
}

func TestFailedPromotionReleasesEverything(t *testing.T) {
	f := &testFactory{err: errors.New("no transports today")}
	d, addr := newTestDemux(t, f, nil, nil)

	fd, _ := clientSock(t, addr)
	before := countFDs(t)
	sendFrom(t, fd, "hello")

	processUntil(t, d, func() bool {
		_, _, err := peekFrom(d.listeners[0].fd)
		return types.IsTransient(err)
	}, "triggering datagram was never consumed")

	assert.Equal(t, 0, d.reg.Len(), "no half-built connection may survive")
	assert.Equal(t, before, countFDs(t), "descriptor leak on failed promotion")
}

func TestRetryCeilingTearsDown(t *testing.T) {
	f := &testFactory{drivesToEstablish: 1 << 30}
	d, addr := newTestDemux(t, f, nil, func(cfg *Config) {
		cfg.MaxRetries = 2
	})

	fd, _ := clientSock(t, addr)
	sendFrom(t, fd, "hello")

	processUntil(t, d, func() bool {
		return d.reg.Len() == 1
	}, "peer was never promoted")
	processUntil(t, d, func() bool {
		return d.reg.Len() == 0
	}, "stalled handshake was never torn down")

	require.Len(t, f.made, 1)
	assert.True(t, f.made[0].closed, "teardown must close the transport")
}

func TestIdleTimeoutExpiresEstablished(t *testing.T) {
	f := &testFactory{}
	d, addr := newTestDemux(t, f, nil, func(cfg *Config) {
		cfg.IdleTimeout = 30 * time.Millisecond
	})

	fd, local := clientSock(t, addr)
	sendFrom(t, fd, "hello")
	processUntil(t, d, func() bool {
		c, ok := d.reg.Lookup(local)
		return ok && c.State() == types.Established
	}, "peer never established")

	processUntil(t, d, func() bool {
		return d.reg.Len() == 0
	}, "idle peer was never expired")
}

func TestSendSelectors(t *testing.T) {
	f := &testFactory{}
	d, addr := newTestDemux(t, f, nil, nil)

	fdA, peerA := clientSock(t, addr)
	fdB, peerB := clientSock(t, addr)
	sendFrom(t, fdA, "hello")
	sendFrom(t, fdB, "hello")

	processUntil(t, d, func() bool {
		a, okA := d.reg.Lookup(peerA)
		b, okB := d.reg.Lookup(peerB)
		return okA && okB && a.State() == types.Established && b.State() == types.Established
	}, "both peers must establish")

	assert.Equal(t, 2, d.Send(All(), []byte("everyone")))
	assert.Equal(t, "everyone", recvOn(t, fdA))
	assert.Equal(t, "everyone", recvOn(t, fdB))

	assert.Equal(t, 1, d.Send(To(peerA), []byte("just-a")))
	assert.Equal(t, "just-a", recvOn(t, fdA))

	var b netipx.IPSetBuilder
	b.AddPrefix(netip.MustParsePrefix("127.0.0.0/8"))
	loopback, err := b.IPSet()
	require.NoError(t, err)
	assert.Equal(t, 2, d.Send(Within(loopback), []byte("local")))

	var b2 netipx.IPSetBuilder
	b2.AddPrefix(netip.MustParsePrefix("10.0.0.0/8"))
	elsewhere, err := b2.IPSet()
	require.NoError(t, err)
	assert.Equal(t, 0, d.Send(Within(elsewhere), []byte("nobody")))
}

func TestDuplicateFirstContactIsDiscarded(t *testing.T) {
	f := &testFactory{}
	d, addr := newTestDemux(t, f, nil, nil)

	fd, local := clientSock(t, addr)

	// A connection for this peer already exists; a first-contact
	// datagram racing it must be dropped, not double-promoted.
	require.NoError(t, d.reg.Insert(&Conn{peer: local, fd: -1, state: types.Established}))

	sendFrom(t, fd, "late first contact")
	processUntil(t, d, func() bool {
		_, _, err := peekFrom(d.listeners[0].fd)
		return types.IsTransient(err)
	}, "stale datagram was never consumed")

	assert.Equal(t, 1, d.reg.Len())
	assert.Empty(t, f.made, "no transport may be minted for a duplicate peer")
}

func TestComposesIntoParentLoop(t *testing.T) {
	f := &testFactory{}
	d, addr := newTestDemux(t, f, nil, nil)

	parent, err := poll.New(poll.EventSinkFunc(func(tag uint64, _ poll.Readiness) error {
		_, err := d.Process(0)
		return err
	}))
	require.NoError(t, err)
	defer parent.Close()
	require.NoError(t, parent.Add(d.EventDescriptor(), 1, poll.Readable))

	fd, local := clientSock(t, addr)
	sendFrom(t, fd, "hello")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := parent.Wait(20 * time.Millisecond)
		require.NoError(t, err)
		if c, ok := d.reg.Lookup(local); ok && c.State() == types.Established {
			return
		}
	}
	t.Fatal("promotion never surfaced through the parent loop")
}

func TestCloseIsIdempotent(t *testing.T) {
	f := &testFactory{}
	d, addr := newTestDemux(t, f, nil, nil)

	fd, local := clientSock(t, addr)
	sendFrom(t, fd, "hello")
	processUntil(t, d, func() bool {
		c, ok := d.reg.Lookup(local)
		return ok && c.State() == types.Established
	}, "peer never established")

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.True(t, f.made[0].closed)
	assert.Equal(t, 0, d.Send(All(), []byte("x")))

	_, err := d.Process(0)
	assert.ErrorIs(t, err, types.ErrClosed)
}
