package memory

import (
	"encoding/binary"
	"fmt"

	wasmffi "github.com/wippyai/wasm-ffi"
)

// Space is a native address space: memory plus an allocator over it.
type Space interface {
	wasmffi.Memory
	wasmffi.Allocator
}

// Address is a native address.
type Address uint64

// BufferSpace is a Space over a fixed Go byte slice. It serves tests and
// hosts that want native-style memory without a wasm runtime.
type BufferSpace struct {
	*FreeList
	buf []byte
}

// NewBufferSpace creates a space of size bytes. The first 16 bytes are
// never handed out so that address 0 stays NULL.
func NewBufferSpace(size uint32) *BufferSpace {
	return &BufferSpace{
		FreeList: NewFreeList(16, size, nil),
		buf:      make([]byte, size),
	}
}

// Size returns the size of the space in bytes.
func (s *BufferSpace) Size() uint32 {
	return uint32(len(s.buf))
}

func (s *BufferSpace) check(offset, length uint32) error {
	if uint64(offset)+uint64(length) > uint64(len(s.buf)) {
		return fmt.Errorf("memory access out of bounds: offset=%d, length=%d", offset, length)
	}
	return nil
}

func (s *BufferSpace) Read(offset uint32, length uint32) ([]byte, error) {
	if err := s.check(offset, length); err != nil {
		return nil, err
	}
	return s.buf[offset : offset+length], nil
}

func (s *BufferSpace) Write(offset uint32, data []byte) error {
	if err := s.check(offset, uint32(len(data))); err != nil {
		return err
	}
	copy(s.buf[offset:], data)
	return nil
}

func (s *BufferSpace) ReadU8(offset uint32) (uint8, error) {
	if err := s.check(offset, 1); err != nil {
		return 0, err
	}
	return s.buf[offset], nil
}

func (s *BufferSpace) ReadU16(offset uint32) (uint16, error) {
	if err := s.check(offset, 2); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(s.buf[offset:]), nil
}

func (s *BufferSpace) ReadU32(offset uint32) (uint32, error) {
	if err := s.check(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(s.buf[offset:]), nil
}

func (s *BufferSpace) ReadU64(offset uint32) (uint64, error) {
	if err := s.check(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(s.buf[offset:]), nil
}

func (s *BufferSpace) WriteU8(offset uint32, value uint8) error {
	if err := s.check(offset, 1); err != nil {
		return err
	}
	s.buf[offset] = value
	return nil
}

func (s *BufferSpace) WriteU16(offset uint32, value uint16) error {
	if err := s.check(offset, 2); err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(s.buf[offset:], value)
	return nil
}

func (s *BufferSpace) WriteU32(offset uint32, value uint32) error {
	if err := s.check(offset, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(s.buf[offset:], value)
	return nil
}

func (s *BufferSpace) WriteU64(offset uint32, value uint64) error {
	if err := s.check(offset, 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(s.buf[offset:], value)
	return nil
}
