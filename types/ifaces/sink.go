package ifaces

import "net/netip"

// PayloadSink receives application payloads from established
// connections. It is invoked on the demultiplexer's loop goroutine and
// must not block.
type PayloadSink interface {
	HandlePayload(peer netip.AddrPort, payload []byte)
}

// PayloadSinkFunc adapts a function to a PayloadSink.
type PayloadSinkFunc func(peer netip.AddrPort, payload []byte)

func (f PayloadSinkFunc) HandlePayload(peer netip.AddrPort, payload []byte) {
	f(peer, payload)
}
