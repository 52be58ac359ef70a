package engine

import "sync"

const (
	// Pool limits to prevent memory bloat
	poolMaxCap64  = 256 // max uint64 elements
	poolInitCap64 = 16
)

// uint64 buffer pool for core call stacks
var buf64Pool = sync.Pool{
	New: func() any {
		buf := make([]uint64, 0, poolInitCap64)
		return &buf
	},
}

// getBuf64 returns a zeroed buffer of length n.
func getBuf64(n int) *[]uint64 {
	buf := buf64Pool.Get().(*[]uint64)
	if cap(*buf) < n {
		*buf = make([]uint64, n)
		return buf
	}
	*buf = (*buf)[:n]
	clear(*buf)
	return buf
}

func putBuf64(buf *[]uint64) {
	if buf == nil || cap(*buf) > poolMaxCap64 {
		return // reject oversized
	}
	*buf = (*buf)[:0]
	buf64Pool.Put(buf)
}
