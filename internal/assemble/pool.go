package assemble

import "sync"

// DefaultBufferSize is the per-buffer size used by the process-wide pool
// when a caller does not override it.
const DefaultBufferSize = 4 * 1024 * 1024

// BufferPool amortizes buffer allocations across concurrent merges. It is
// process-wide: one instance is shared by every FileAssembler and
// incremental merge session.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a pool of buffers of the given size.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		return make([]byte, bp.size)
	}
	return bp
}

// Acquire returns a zeroed-length-logical buffer of the pool's size. The
// returned slice has len == pool size; callers slice it down as needed.
func (p *BufferPool) Acquire() []byte {
	return p.pool.Get().([]byte)
}

// Release returns a buffer to the pool.
func (p *BufferPool) Release(buf []byte) {
	if cap(buf) != p.size {
		return // foreign buffer, let GC reclaim it
	}
	p.pool.Put(buf[:p.size])
}
