// Package bufpool provides pooled scratch buffers for the page read/write
// paths of internal/pageio, adapted from the teacher library's
// internal/utils.GetBuffer/ReleaseBuffer pair.
package bufpool

import "sync"

var pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, 0, 4096)
	},
}

// Get returns a byte slice of exactly size bytes, reusing pooled capacity
// when available.
func Get(size int) []byte {
	buf, _ := pool.Get().([]byte)
	if cap(buf) < size {
		return make([]byte, size)
	}
	return buf[:size]
}

// Put returns buf to the pool for reuse.
func Put(buf []byte) {
	//nolint:staticcheck // slice descriptor copy is fine for sync.Pool
	pool.Put(buf[:0])
}
