package pool

import (
	"sync"
)

// BufferPool manages a pool of reusable byte buffers of a fixed size.
// Used by digestutil.Buffer for its read buffer, which the chunk
// reconciler's repair path calls.
type BufferPool struct {
	pool      sync.Pool
	size      int
	maxAlloc  int64
	allocated int64
	mu        sync.Mutex
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxAlloc int64) *BufferPool {
	return &BufferPool{
		size:     bufferSize,
		maxAlloc: maxAlloc,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, bufferSize)
			},
		},
	}
}

// Get retrieves a buffer from the pool
func (bp *BufferPool) Get() []byte {
	bp.mu.Lock()
	if bp.maxAlloc > 0 && bp.allocated >= bp.maxAlloc {
		bp.mu.Unlock()
		// Over budget: hand out an untracked buffer rather than block.
		return make([]byte, bp.size)
	}
	bp.allocated += int64(bp.size)
	bp.mu.Unlock()

	buf := bp.pool.Get().([]byte)
	return buf[:bp.size]
}

// Put returns a buffer to the pool
func (bp *BufferPool) Put(buf []byte) {
	if buf == nil || cap(buf) != bp.size {
		return
	}

	bp.mu.Lock()
	bp.allocated -= int64(bp.size)
	bp.mu.Unlock()

	bp.pool.Put(buf[:cap(buf)])
}

// BufferPoolStats reports pool utilization
type BufferPoolStats struct {
	Size      int
	Allocated int64
	MaxAlloc  int64
}

func (bp *BufferPool) Stats() BufferPoolStats {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return BufferPoolStats{
		Size:      bp.size,
		Allocated: bp.allocated,
		MaxAlloc:  bp.maxAlloc,
	}
}
