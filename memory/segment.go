package memory

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/wippyai/wasm-ffi/errors"
)

// maxAddress is the largest address in a 32-bit linear memory.
const maxAddress = math.MaxUint32

// Segment is a bounded view of memory. A native segment has a stable
// address in a Space; a heap segment is backed by a Go byte slice and has
// no native address.
//
// The zero Segment is the NULL native segment: address 0, length 0.
type Segment struct {
	space  Space
	scope  *Scope
	heap   []byte
	addr   uint64
	length uint64
	isHeap bool
}

// View returns a borrowed native segment over [addr, addr+length). The
// segment belongs to no scope and is always considered alive. The caller
// vouches that the memory is valid.
func View(space Space, addr Address, length uint64) Segment {
	return Segment{space: space, addr: uint64(addr), length: length}
}

// HeapSegment returns a zeroed heap segment of n bytes.
func HeapSegment(n uint64) Segment {
	return OfBytes(make([]byte, n))
}

// OfBytes wraps b as a heap segment. Writes through the segment are
// visible in b.
func OfBytes(b []byte) Segment {
	return Segment{heap: b, length: uint64(len(b)), isHeap: true}
}

// IsNative reports whether the segment has a native address.
func (s Segment) IsNative() bool { return !s.isHeap }

// IsNull reports whether s is a native segment at address 0.
func (s Segment) IsNull() bool { return !s.isHeap && s.addr == 0 }

// Size returns the segment length in bytes.
func (s Segment) Size() uint64 { return s.length }

// Scope returns the owning scope, or nil for borrowed and heap segments.
func (s Segment) Scope() *Scope { return s.scope }

// Space returns the address space of a native segment.
func (s Segment) Space() Space { return s.space }

// IsAlive reports whether the segment may still be accessed.
func (s Segment) IsAlive() bool {
	return s.scope == nil || s.scope.IsAlive()
}

// Address returns the native address of s.
func (s Segment) Address() (Address, error) {
	if s.isHeap {
		return 0, errors.HeapSegment(errors.PhaseAccess, "an address")
	}
	return Address(s.addr), nil
}

// Slice returns the sub-segment [offset, offset+length) sharing the scope of s.
func (s Segment) Slice(offset, length uint64) (Segment, error) {
	if err := s.check(offset, length); err != nil {
		return Segment{}, err
	}
	sub := s
	sub.length = length
	if s.isHeap {
		sub.heap = s.heap[offset : offset+length]
	} else {
		sub.addr = s.addr + offset
	}
	return sub, nil
}

// Reinterpret returns a native segment at the same address and scope with
// a new length. It does not verify that the memory exists.
func (s Segment) Reinterpret(length uint64) (Segment, error) {
	if s.isHeap {
		return Segment{}, errors.HeapSegment(errors.PhaseAccess, "reinterpret target")
	}
	if s.addr+length > maxAddress+1 {
		return Segment{}, errors.OutOfBounds(errors.PhaseAccess, s.addr, length, maxAddress+1)
	}
	out := s
	out.length = length
	return out, nil
}

func (s Segment) check(offset, length uint64) error {
	if offset > s.length || length > s.length-offset {
		return errors.OutOfBounds(errors.PhaseAccess, offset, length, s.length)
	}
	if !s.IsAlive() {
		return errors.ClosedScope(errors.PhaseAccess)
	}
	if !s.isHeap && s.space == nil && length > 0 {
		return errors.New(errors.PhaseAccess, errors.KindOutOfBounds).
			Detail("segment at %#x has no address space", s.addr).
			Build()
	}
	return nil
}

// ReadAt returns a copy of length bytes at offset.
func (s Segment) ReadAt(offset, length uint64) ([]byte, error) {
	if err := s.check(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	if length == 0 {
		return out, nil
	}
	if s.isHeap {
		copy(out, s.heap[offset:])
		return out, nil
	}
	data, err := s.space.Read(uint32(s.addr+offset), uint32(length))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseAccess, errors.KindOutOfBounds, err, "read native memory")
	}
	copy(out, data)
	return out, nil
}

// WriteAt copies data into the segment at offset.
func (s Segment) WriteAt(offset uint64, data []byte) error {
	if err := s.check(offset, uint64(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if s.isHeap {
		copy(s.heap[offset:], data)
		return nil
	}
	if err := s.space.Write(uint32(s.addr+offset), data); err != nil {
		return errors.Wrap(errors.PhaseAccess, errors.KindOutOfBounds, err, "write native memory")
	}
	return nil
}

// Bytes returns a copy of the whole segment.
func (s Segment) Bytes() ([]byte, error) {
	return s.ReadAt(0, s.length)
}

// CopyFrom copies all of src into the start of s.
func (s Segment) CopyFrom(src Segment) error {
	data, err := src.Bytes()
	if err != nil {
		return err
	}
	return s.WriteAt(0, data)
}

// Fill sets every byte of the segment to b.
func (s Segment) Fill(b byte) error {
	return s.WriteAt(0, bytes.Repeat([]byte{b}, int(s.length)))
}

// GetString reads a NUL-terminated string starting at offset. The
// terminator must lie inside the segment.
func (s Segment) GetString(offset uint64) (string, error) {
	if offset > s.length {
		return "", errors.OutOfBounds(errors.PhaseAccess, offset, 0, s.length)
	}
	data, err := s.ReadAt(offset, s.length-offset)
	if err != nil {
		return "", err
	}
	n := bytes.IndexByte(data, 0)
	if n < 0 {
		return "", errors.New(errors.PhaseAccess, errors.KindOutOfBounds).
			Detail("no NUL terminator within %d bytes", len(data)).
			Build()
	}
	return string(data[:n]), nil
}

// SetString writes str and a NUL terminator at offset.
func (s Segment) SetString(offset uint64, str string) error {
	buf := make([]byte, len(str)+1)
	copy(buf, str)
	return s.WriteAt(offset, buf)
}

// Equal reports whether two segments view the same memory range.
func (s Segment) Equal(o Segment) bool {
	if s.isHeap || o.isHeap {
		return false
	}
	return s.addr == o.addr && s.length == o.length
}

func (s Segment) readUint(offset, size uint64) (uint64, error) {
	data, err := s.ReadAt(offset, size)
	if err != nil {
		return 0, err
	}
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s Segment) writeUint(offset, size, v uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return s.WriteAt(offset, buf[:size])
}
