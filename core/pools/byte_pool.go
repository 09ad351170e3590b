package pools

import (
	"sync"
	"sync/atomic"
)

// BytePool hands out read buffers from a few size classes.
type BytePool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	misses atomic.Uint64
}

// Size classes for connection read buffers.
var defaultSizes = []int{
	512,
	2048,
	8192,
	32768,
}

func NewBytePool() *BytePool {
	return NewBytePoolWithSizes(defaultSizes)
}

// NewBytePoolWithSizes builds a pool with the given ascending size classes.
func NewBytePoolWithSizes(sizes []int) *BytePool {
	bp := &BytePool{
		pools: make([]*sync.Pool, len(sizes)),
		sizes: sizes,
	}
	for i, size := range sizes {
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return bp
}

// Get returns a slice of length size. Sizes above the largest class are
// allocated directly.
func (bp *BytePool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, poolSize := range bp.sizes {
		if size <= poolSize {
			buf := *bp.pools[i].Get().(*[]byte)
			return buf[:size]
		}
	}
	bp.misses.Add(1)
	return make([]byte, size)
}

// Put recycles buf if its capacity matches a size class.
func (bp *BytePool) Put(buf []byte) {
	capacity := cap(buf)
	for i, poolSize := range bp.sizes {
		if capacity == poolSize {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			bp.puts.Add(1)
			return
		}
	}
}

func (bp *BytePool) Stats() BytePoolStats {
	return BytePoolStats{
		Gets:   bp.gets.Load(),
		Puts:   bp.puts.Load(),
		Misses: bp.misses.Load(),
	}
}

type BytePoolStats struct {
	Gets   uint64 `json:"gets"`
	Puts   uint64 `json:"puts"`
	Misses uint64 `json:"misses"`
}
