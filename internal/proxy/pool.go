package proxy

import (
	"net/http/httputil"
	"sync"
)

const copyBufferSize = 32 * 1024

// buffers is shared by the tunnel relays and the forward proxy.
var buffers = newBufferPool(copyBufferSize)

var _ httputil.BufferPool = (*bufferPool)(nil)

// bufferPool recycles fixed-size buffers. Buffers of the wrong size are
// dropped on Put.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	return &bufferPool{size: size}
}

func (p *bufferPool) Get() []byte {
	if b, ok := p.pool.Get().(*[]byte); ok {
		return *b
	}
	return make([]byte, p.size)
}

func (p *bufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	// &b costs a small heap allocation; sync.Pool needs a pointer.
	p.pool.Put(&b)
}
