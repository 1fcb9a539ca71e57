package proxy

import "sync"

// DefaultBufferSize is the copy buffer used per splice direction when none
// is configured.
const DefaultBufferSize = 32 * 1024

// BufferPool hands out copy buffers for splice directions.
type BufferPool interface {
	Get() []byte
	Put([]byte)
}

// SyncPoolBufferPool pools fixed-size buffers. Pointers are pooled so Put
// does not allocate.
type SyncPoolBufferPool struct {
	size int
	p    sync.Pool
}

func NewSyncPoolBufferPool(size int) *SyncPoolBufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	bp := &SyncPoolBufferPool{size: size}
	bp.p.New = func() any {
		b := make([]byte, bp.size)
		return &b
	}
	return bp
}

// Size is the length of every buffer returned by Get.
func (p *SyncPoolBufferPool) Size() int { return p.size }

func (p *SyncPoolBufferPool) Get() []byte {
	return *(p.p.Get().(*[]byte))
}

// Put returns b to the pool. Buffers smaller than Size are dropped.
func (p *SyncPoolBufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	b = b[:p.size]
	p.p.Put(&b)
}
