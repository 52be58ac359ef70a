package memory

import (
	"math"
	"sort"
	"sync"

	"github.com/wippyai/wasm-ffi/errors"
)

// minBlock is the allocation granularity.
const minBlock = 8

// GrowFunc extends the managed region so that it ends at or beyond minEnd.
// It returns the new end, or false if the space cannot grow.
type GrowFunc func(minEnd uint64) (uint32, bool)

type block struct {
	addr uint32
	size uint32
}

// FreeList is a first-fit allocator over the region [base, end).
// Freed blocks are coalesced with their neighbours.
type FreeList struct {
	grow GrowFunc
	used map[uint32]uint32
	free []block
	base uint32
	end  uint32
	mu   sync.Mutex
}

// NewFreeList manages [base, end). grow may be nil.
func NewFreeList(base, end uint32, grow GrowFunc) *FreeList {
	fl := &FreeList{
		grow: grow,
		used: make(map[uint32]uint32),
		base: base,
		end:  end,
	}
	if end > base {
		fl.free = []block{{addr: base, size: end - base}}
	}
	return fl
}

// Alloc reserves size bytes aligned to align.
func (fl *FreeList) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = 1
	}
	if size == 0 {
		size = 1
	}
	if size > math.MaxUint32-minBlock {
		return 0, errors.AllocationFailed(errors.PhaseScope, uint64(size), uint64(align))
	}
	size = roundUp(size, minBlock)

	fl.mu.Lock()
	defer fl.mu.Unlock()

	if ptr, ok := fl.take(size, align); ok {
		return ptr, nil
	}
	if fl.grow != nil {
		newEnd, ok := fl.grow(uint64(fl.end) + uint64(size) + uint64(align))
		if ok && newEnd > fl.end {
			fl.release(fl.end, newEnd-fl.end)
			fl.end = newEnd
			if ptr, ok := fl.take(size, align); ok {
				return ptr, nil
			}
		}
	}
	return 0, errors.AllocationFailed(errors.PhaseScope, uint64(size), uint64(align))
}

func (fl *FreeList) take(size, align uint32) (uint32, bool) {
	for i, b := range fl.free {
		start := roundUp(b.addr, align)
		blockEnd := uint64(b.addr) + uint64(b.size)
		if uint64(start)+uint64(size) > blockEnd {
			continue
		}

		var rest []block
		if start > b.addr {
			rest = append(rest, block{addr: b.addr, size: start - b.addr})
		}
		if tail := uint32(blockEnd) - (start + size); tail > 0 {
			rest = append(rest, block{addr: start + size, size: tail})
		}
		fl.free = append(fl.free[:i], append(rest, fl.free[i+1:]...)...)
		fl.used[start] = size
		return start, true
	}
	return 0, false
}

// Free returns a block obtained from Alloc. Unknown pointers are ignored.
func (fl *FreeList) Free(ptr, _, _ uint32) {
	fl.mu.Lock()
	defer fl.mu.Unlock()

	size, ok := fl.used[ptr]
	if !ok {
		return
	}
	delete(fl.used, ptr)
	fl.release(ptr, size)
}

func (fl *FreeList) release(addr, size uint32) {
	i := sort.Search(len(fl.free), func(i int) bool { return fl.free[i].addr > addr })
	fl.free = append(fl.free, block{})
	copy(fl.free[i+1:], fl.free[i:])
	fl.free[i] = block{addr: addr, size: size}

	if i+1 < len(fl.free) && fl.free[i].addr+fl.free[i].size == fl.free[i+1].addr {
		fl.free[i].size += fl.free[i+1].size
		fl.free = append(fl.free[:i+1], fl.free[i+2:]...)
	}
	if i > 0 && fl.free[i-1].addr+fl.free[i-1].size == fl.free[i].addr {
		fl.free[i-1].size += fl.free[i].size
		fl.free = append(fl.free[:i], fl.free[i+1:]...)
	}
}

// InUse returns the number of live allocations and their total size.
func (fl *FreeList) InUse() (count int, bytes uint64) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, sz := range fl.used {
		bytes += uint64(sz)
	}
	return len(fl.used), bytes
}

func roundUp(v, align uint32) uint32 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}
