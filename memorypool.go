package encryptfs

import "sync"

// MemBlock is a scratch buffer on loan from the global memory pool. Callers
// must call Release exactly once, typically via defer, once the buffer is no
// longer needed.
type MemBlock struct {
	Data []byte
	size int
}

// memoryPool is a free list keyed by block size, mirroring the singly-linked
// free list of the original MemoryPool: allocate pops a buffer of exactly
// the requested size, release zeroes and pushes back. Go's GC makes an explicit
// destroyAll unnecessary, but the zero-on-release discipline is kept because
// key/plaintext material passes through these buffers.
type memoryPool struct {
	mu   sync.Mutex
	free map[int][][]byte
}

var globalMemoryPool = &memoryPool{free: make(map[int][][]byte)}

// Allocate returns a zeroed buffer of exactly size bytes.
func (p *memoryPool) Allocate(size int) MemBlock {
	p.mu.Lock()
	bucket := p.free[size]
	var buf []byte
	if n := len(bucket); n > 0 {
		buf = bucket[n-1]
		p.free[size] = bucket[:n-1]
	}
	p.mu.Unlock()

	if buf == nil {
		buf = make([]byte, size)
	} else {
		for i := range buf {
			buf[i] = 0
		}
	}
	return MemBlock{Data: buf, size: size}
}

// Release zeroes the buffer and returns it to the free list for its size
// class. The MemBlock must not be used again after Release.
func (p *memoryPool) Release(mb MemBlock) {
	if mb.Data == nil {
		return
	}
	for i := range mb.Data {
		mb.Data[i] = 0
	}
	p.mu.Lock()
	p.free[mb.size] = append(p.free[mb.size], mb.Data)
	p.mu.Unlock()
}

// AllocateBlock is a package-level convenience wrapper around the global
// memory pool, used by the block I/O engine and MAC layer for their
// per-call scratch buffers.
func AllocateBlock(size int) MemBlock { return globalMemoryPool.Allocate(size) }

// ReleaseBlock returns mb to the global memory pool.
func ReleaseBlock(mb MemBlock) { globalMemoryPool.Release(mb) }
