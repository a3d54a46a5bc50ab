package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected pool of byte buffers. Unlike sync.Pool its
// contents survive garbage collection, which keeps cell compression on the
// write path allocation-free once warmed up.
type bufferPool struct {
	mu      sync.Mutex
	items   []*bytes.Buffer
	newFunc func() *bytes.Buffer

	hits    atomic.Uint64 // Number of times a buffer was served from the pool.
	misses  atomic.Uint64 // Number of times the pool was empty.
	created atomic.Uint64 // Total number of buffers created.
}

// DefaultCellBufferSize is the initial capacity of pooled buffers.
const DefaultCellBufferSize = 4 * 1024

// BufferPool is shared by the compressors and the WAL encoder.
var BufferPool = NewBufferPool(DefaultCellBufferSize)

// NewBufferPool creates a new buffer pool whose buffers start with the given capacity.
func NewBufferPool(initialCapacity int) *bufferPool {
	const initialPoolSize = 64
	bp := &bufferPool{
		items: make([]*bytes.Buffer, 0, initialPoolSize),
	}
	bp.newFunc = func() *bytes.Buffer {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCapacity))
	}
	for i := 0; i < initialPoolSize; i++ {
		bp.items = append(bp.items, bp.newFunc())
	}
	return bp
}

// Get retrieves a buffer from the pool. If the pool is empty, it creates a new one.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newFunc()
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put returns a buffer to the pool after resetting it.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// GetMetrics returns the current metrics for the pool.
func (bp *bufferPool) GetMetrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}
