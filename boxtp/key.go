package boxtp

import (
	crand "crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/sokmux/sokmux/types"
	"go4.org/mem"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyLen is the underlying key size.
const KeyLen = 32

const (
	publicHexPrefix  = "pubkey:"
	privateHexPrefix = "privkey:"
)

// Public is a transport Curve25519 public key.
type Public [KeyLen]byte

// IsZero reports whether p is the zero value.
func (p Public) IsZero() bool {
	return p == Public{}
}

func (p Public) Debug() string {
	return fmt.Sprintf("%x", p[:])
}

// AppendText implements encoding.TextAppender.
func (p Public) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, publicHexPrefix, p[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Public) MarshalText() ([]byte, error) {
	return p.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Public) UnmarshalText(b []byte) error {
	return parseHex(p[:], mem.B(b), mem.S(publicHexPrefix))
}

// Private is a transport Curve25519 private key.
type Private struct {
	_   types.Incomparable
	key [KeyLen]byte
}

// NewPrivate creates and returns a new private key.
func NewPrivate() Private {
	var ret Private
	rand(ret.key[:])
	clamp25519Private(ret.key[:])
	return ret
}

// Equal reports whether k and other are the same key.
func (k Private) Equal(other Private) bool {
	return subtle.ConstantTimeCompare(k.key[:], other.key[:]) == 1
}

// IsZero reports whether k is the zero value.
func (k Private) IsZero() bool {
	return k.Equal(Private{})
}

// Public returns the public key matching k.
func (k Private) Public() Public {
	if k.IsZero() {
		panic("can't take the public key of a zero private key")
	}
	var ret Public
	curve25519.ScalarBaseMult((*[32]byte)(&ret), (*[32]byte)(&k.key))
	return ret
}

// AppendText implements encoding.TextAppender.
func (k Private) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, privateHexPrefix, k.key[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (k Private) MarshalText() ([]byte, error) {
	return k.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Private) UnmarshalText(b []byte) error {
	return parseHex(k.key[:], mem.B(b), mem.S(privateHexPrefix))
}

// Shared precomputes the NaCl box shared key between k and peer.
func (k Private) Shared(peer Public) Shared {
	if k.IsZero() || peer.IsZero() {
		panic("can't compute shared key with zero keys")
	}
	var ret Shared
	box.Precompute((*[32]byte)(&ret.key), (*[32]byte)(&peer), (*[32]byte)(&k.key))
	return ret
}

// Shared is a precomputed record-sealing key between two endpoints.
type Shared struct {
	_   types.Incomparable
	key [KeyLen]byte
}

// Equal reports whether k and other are the same key.
func (k Shared) Equal(other Shared) bool {
	return subtle.ConstantTimeCompare(k.key[:], other.key[:]) == 1
}

// IsZero reports whether k is the zero value.
func (k Shared) IsZero() bool {
	return k.Equal(Shared{})
}

// Seal wraps cleartext into a NaCl box (see golang.org/x/crypto/nacl),
// using k as the shared secret and a random nonce. The returned
// ciphertext is the 24-byte nonce concatenated with the box value.
func (k Shared) Seal(cleartext []byte) (ciphertext []byte) {
	if k.IsZero() {
		panic("can't seal with zero key")
	}
	var nonce [24]byte
	rand(nonce[:])
	return box.SealAfterPrecomputation(nonce[:], cleartext, &nonce, (*[32]byte)(&k.key))
}

// Open opens the NaCl box ciphertext, which must be a value created by
// Seal, and returns the inner cleartext if ciphertext is a valid box
// using shared secret k.
func (k Shared) Open(ciphertext []byte) (cleartext []byte, ok bool) {
	if k.IsZero() {
		panic("can't open with zero key")
	}
	if len(ciphertext) < 24 {
		return nil, false
	}
	nonce := (*[24]byte)(ciphertext)
	return box.OpenAfterPrecomputation(nil, ciphertext[24:], nonce, (*[32]byte)(&k.key))
}

// rand fills b with cryptographically strong random bytes. Panics if
// no random bytes are available.
func rand(b []byte) {
	if _, err := io.ReadFull(crand.Reader, b); err != nil {
		panic(fmt.Sprintf("unable to read random bytes from OS: %v", err))
	}
}

// clamp25519Private clamps b, which must be a 32-byte Curve25519
// private key destined for NaCl box use, to a safe value.
func clamp25519Private(b []byte) {
	b[0] &= 248
	b[31] = (b[31] & 127) | 64
}

func appendHexKey(dst []byte, prefix string, key []byte) []byte {
	dst = append(dst, prefix...)
	dst = hexAppendEncode(dst, key)
	return dst
}

func hexAppendEncode(dst, src []byte) []byte {
	const hextable = "0123456789abcdef"
	for _, b := range src {
		dst = append(dst, hextable[b>>4], hextable[b&0x0f])
	}
	return dst
}

func parseHex(out []byte, in, prefix mem.RO) error {
	if !mem.HasPrefix(in, prefix) {
		return fmt.Errorf("key hex string doesn't have expected type prefix %s", prefix.StringCopy())
	}
	in = in.SliceFrom(prefix.Len())
	if want := len(out) * 2; in.Len() != want {
		return fmt.Errorf("key hex has the wrong size, got %d want %d", in.Len(), want)
	}
	for i := range out {
		a, ok1 := fromHexChar(in.At(2*i + 0))
		b, ok2 := fromHexChar(in.At(2*i + 1))
		if !ok1 || !ok2 {
			return errors.New("invalid hex character in key")
		}
		out[i] = (a << 4) | b
	}
	return nil
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
