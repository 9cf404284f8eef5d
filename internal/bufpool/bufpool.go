// Package bufpool provides pooled scratch buffers for chunk
// encode/decode. Buffers may carry key material or plaintext request
// bodies, so they are wiped on release rather than just recycled.
package bufpool

import "sync"

// Buffer is a pooled, growable byte buffer.
type Buffer struct {
	B []byte
}

var pool = sync.Pool{
	New: func() any {
		return &Buffer{B: make([]byte, 0, 4096)}
	},
}

func wipe(b []byte) {
	b = b[:cap(b)]
	for i := range b {
		b[i] = 0
	}
}

func grow(buf *Buffer, n int) {
	if n > cap(buf.B) {
		wipe(buf.B)
		// Align to 4KB boundaries to reduce reallocation churn.
		newSize := (n + 4095) &^ 4095
		buf.B = make([]byte, 0, newSize)
	}
	buf.B = buf.B[:0]
}

// Acquire returns a buffer with at least n bytes of capacity and zero length.
func Acquire(n int) *Buffer {
	buf := pool.Get().(*Buffer)
	grow(buf, n)
	return buf
}

// Release wipes the buffer's backing array and returns it to the pool.
// Callers must not use buf after calling Release.
func Release(buf *Buffer) {
	wipe(buf.B)
	pool.Put(buf)
}
