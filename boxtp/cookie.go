package boxtp

import (
	"crypto/subtle"
	"net/netip"

	"golang.org/x/crypto/blake2s"
)

// CookieLen is the size of the stateless retry cookie.
const CookieLen = 16

// cookieJar bakes and checks stateless retry cookies: a keyed blake2s
// MAC over the peer's transport address. The responder commits no
// per-peer state before the peer proves it can receive at that address
// by echoing the cookie back.
type cookieJar struct {
	secret [KeyLen]byte
}

func newCookieJar() cookieJar {
	var j cookieJar
	rand(j.secret[:])
	return j
}

func (j *cookieJar) bake(peer netip.AddrPort) [CookieLen]byte {
	h, err := blake2s.New128(j.secret[:])
	if err != nil {
		panic(err) // only fails on a bad key size
	}
	b, _ := peer.MarshalBinary()
	h.Write(b)

	var c [CookieLen]byte
	copy(c[:], h.Sum(nil))
	return c
}

func (j *cookieJar) check(peer netip.AddrPort, cookie []byte) bool {
	want := j.bake(peer)
	return subtle.ConstantTimeCompare(want[:], cookie) == 1
}
