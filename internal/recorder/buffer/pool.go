package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"
)

// Pool manages reusable byte buffers bucketed by power-of-two capacity.
// Frame sources borrow payload buffers from it and return them on release,
// so steady-state capture does not allocate per frame.
type Pool struct {
	pools   map[int]*sync.Pool // Size (power of two) -> Pool
	maxSize int
	mu      sync.RWMutex

	// Metrics
	allocated atomic.Uint64
	inUse     atomic.Int64
	hits      atomic.Uint64
	misses    atomic.Uint64
}

// Stats is a point-in-time copy of the pool counters.
type Stats struct {
	Allocated uint64
	InUse     int64
	Hits      uint64
	Misses    uint64
}

// NewPool creates a pool that recycles buffers up to maxSize bytes.
// Larger requests are served by plain allocation.
func NewPool(maxSize int) *Pool {
	return &Pool{
		pools:   make(map[int]*sync.Pool),
		maxSize: maxSize,
	}
}

// Get retrieves a buffer of exactly size bytes.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}

	poolSize := roundUpPowerOf2(size)
	if poolSize > p.maxSize {
		p.misses.Add(1)
		return make([]byte, size)
	}

	p.mu.RLock()
	pool, exists := p.pools[poolSize]
	p.mu.RUnlock()

	if !exists {
		p.mu.Lock()
		pool, exists = p.pools[poolSize]
		if !exists {
			localSize := poolSize
			pool = &sync.Pool{
				New: func() any {
					p.allocated.Add(1)
					b := make([]byte, localSize)
					return &b
				},
			}
			p.pools[poolSize] = pool
		}
		p.mu.Unlock()
	}

	bp := pool.Get().(*[]byte)
	buf := *bp
	if cap(buf) < size {
		p.misses.Add(1)
		return make([]byte, size)
	}

	p.hits.Add(1)
	p.inUse.Add(1)
	return buf[:size]
}

// Put returns a buffer obtained from Get. Buffers that did not come from a
// bucket are dropped.
func (p *Pool) Put(buf []byte) {
	size := cap(buf)
	if size <= 0 || size != roundUpPowerOf2(size) || size > p.maxSize {
		return
	}

	p.mu.RLock()
	pool, exists := p.pools[size]
	p.mu.RUnlock()
	if !exists {
		return
	}

	buf = buf[:size]
	pool.Put(&buf)
	if p.inUse.Load() > 0 {
		p.inUse.Add(-1)
	}
}

// Stats returns pool statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Allocated: p.allocated.Load(),
		InUse:     p.inUse.Load(),
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
	}
}

func roundUpPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}
