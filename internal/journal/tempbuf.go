package journal

import (
	"sync"
	"sync/atomic"
)

// DefaultTempBufferSize is the capacity of a freshly pooled TempBuffer.
const DefaultTempBufferSize = 8 * 1024

var tempBufferPool = sync.Pool{
	New: func() any {
		return &TempBuffer{buf: make([]byte, 0, DefaultTempBufferSize)}
	},
}

// TempBuffer is a pooled scratch buffer a producer can hand to the journal
// together with a write. The journal releases it once the bytes are in the
// store; the producer must not touch it after a successful Write.
type TempBuffer struct {
	buf      []byte
	released atomic.Bool
}

// AllocateTempBuffer takes a buffer of length size from the pool.
func AllocateTempBuffer(size int) *TempBuffer {
	b := tempBufferPool.Get().(*TempBuffer)
	if cap(b.buf) < size {
		b.buf = make([]byte, size)
	}
	b.buf = b.buf[:size]
	b.released.Store(false)
	return b
}

// Bytes returns the buffer contents.
func (b *TempBuffer) Bytes() []byte { return b.buf }

// Free returns the buffer to the pool. Only the first call after
// AllocateTempBuffer releases it; it reports whether this call did.
func (b *TempBuffer) Free() bool {
	if !b.released.CompareAndSwap(false, true) {
		return false
	}
	tempBufferPool.Put(b)
	return true
}
