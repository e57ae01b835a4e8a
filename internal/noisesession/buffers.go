// Package noisesession drives the Noise XX handshake per remote peer and
// wraps/unwraps transport payloads once established (spec.md §4.3). Grounded
// on the teacher's portal/core/cryptoops and relaydns/core/cryptoops
// handshakers (flynn/noise, Noise_XX_25519_ChaChaPoly_BLAKE2s, Ed25519
// identity binding over the X25519 static key, pooled secure buffers) —
// generalized from a stream handshake over an io.ReadWriteCloser to a
// packet handshake over discrete noise_handshake wire packets, since BLE
// GATT has no persistent byte stream, only discrete writes/notifications.
package noisesession

import "github.com/valyala/bytebufferpool"

var securePool bytebufferpool.Pool

// wipeMemory zeroes a buffer's full backing array before it's returned to
// the pool or discarded, the same "don't leave plaintext in a reused
// buffer" discipline the teacher applies in cryptoops/handshaker.go.
func wipeMemory(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}

func acquireBuffer(n int) *bytebufferpool.ByteBuffer {
	buf := securePool.Get()
	if cap(buf.B) < n {
		wipeMemory(buf.B)
		buf.B = make([]byte, 0, n)
	}
	buf.B = buf.B[:0]
	return buf
}

func releaseBuffer(buf *bytebufferpool.ByteBuffer) {
	wipeMemory(buf.B)
	securePool.Put(buf)
}
