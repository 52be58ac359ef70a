package engine

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/memory"
)

// nativeSpace adapts the shared wazero memory to memory.Space. Allocation
// is served by a free list above the reserved region that grows the memory
// on demand.
type nativeSpace struct {
	*memory.FreeList
	mem api.Memory
	max uint32
}

func newNativeSpace(mem api.Memory, reserved, maxPages uint32) *nativeSpace {
	s := &nativeSpace{mem: mem, max: maxPages}
	s.FreeList = memory.NewFreeList(reserved, mem.Size(), s.grow)
	return s
}

func (s *nativeSpace) grow(minEnd uint64) (uint32, bool) {
	size := uint64(s.mem.Size())
	if minEnd <= size {
		return uint32(size), true
	}
	pages := (minEnd - size + pageSize - 1) / pageSize
	if size/pageSize+pages > uint64(s.max) {
		return 0, false
	}
	if _, ok := s.mem.Grow(uint32(pages)); !ok {
		return 0, false
	}
	debugf("memory grown by %d pages to %d bytes", pages, s.mem.Size())
	return s.mem.Size(), true
}

// Size returns the current memory size in bytes.
func (s *nativeSpace) Size() uint32 {
	return s.mem.Size()
}

func (s *nativeSpace) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := s.mem.Read(offset, length)
	if !ok {
		return nil, fmt.Errorf("memory read out of bounds: offset=%d, length=%d", offset, length)
	}
	return data, nil
}

func (s *nativeSpace) Write(offset uint32, data []byte) error {
	if !s.mem.Write(offset, data) {
		return fmt.Errorf("memory write out of bounds: offset=%d, length=%d", offset, len(data))
	}
	return nil
}

func (s *nativeSpace) ReadU8(offset uint32) (uint8, error) {
	v, ok := s.mem.ReadByte(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (s *nativeSpace) ReadU16(offset uint32) (uint16, error) {
	v, ok := s.mem.ReadUint16Le(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (s *nativeSpace) ReadU32(offset uint32) (uint32, error) {
	v, ok := s.mem.ReadUint32Le(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (s *nativeSpace) ReadU64(offset uint32) (uint64, error) {
	v, ok := s.mem.ReadUint64Le(offset)
	if !ok {
		return 0, fmt.Errorf("memory read out of bounds: offset=%d", offset)
	}
	return v, nil
}

func (s *nativeSpace) WriteU8(offset uint32, value uint8) error {
	if !s.mem.WriteByte(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (s *nativeSpace) WriteU16(offset uint32, value uint16) error {
	if !s.mem.WriteUint16Le(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (s *nativeSpace) WriteU32(offset uint32, value uint32) error {
	if !s.mem.WriteUint32Le(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}

func (s *nativeSpace) WriteU64(offset uint32, value uint64) error {
	if !s.mem.WriteUint64Le(offset, value) {
		return fmt.Errorf("memory write out of bounds: offset=%d", offset)
	}
	return nil
}
