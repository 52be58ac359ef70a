package memory

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

func (s Segment) checkScalar(l layout.Layout, offset uint64) error {
	if !l.Kind().IsPrimitive() {
		return errors.New(errors.PhaseAccess, errors.KindTypeMismatch).
			LayoutType(l.String()).
			Detail("typed access requires a primitive layout").
			Build()
	}
	if err := s.check(offset, l.Size()); err != nil {
		return err
	}
	align := l.Align()
	if s.isHeap {
		if offset%align != 0 {
			return errors.Misaligned(offset, align)
		}
		return nil
	}
	if (s.addr+offset)%align != 0 {
		return errors.Misaligned(s.addr+offset, align)
	}
	return nil
}

// Get reads the primitive described by l at offset. Integers come back as
// the Go type of matching width, floats as float32/float64, bools as bool
// and pointers as Address.
func (s Segment) Get(l layout.Layout, offset uint64) (any, error) {
	if err := s.checkScalar(l, offset); err != nil {
		return nil, err
	}
	raw, err := s.readUint(offset, l.Size())
	if err != nil {
		return nil, err
	}
	return DecodeScalar(l, raw), nil
}

// Set writes v at offset using the primitive layout l. The Go type of v
// must match l exactly.
func (s Segment) Set(l layout.Layout, offset uint64, v any) error {
	if err := s.checkScalar(l, offset); err != nil {
		return err
	}
	raw, err := EncodeScalar(l, v)
	if err != nil {
		return err
	}
	return s.writeUint(offset, l.Size(), raw)
}

// DecodeScalar converts the little-endian bits of a primitive into its Go value.
func DecodeScalar(l layout.Layout, raw uint64) any {
	switch l.Kind() {
	case layout.KindBool:
		return raw&0xff != 0
	case layout.KindInt8:
		return int8(raw)
	case layout.KindInt16:
		return int16(raw)
	case layout.KindInt32:
		return int32(raw)
	case layout.KindInt64:
		return int64(raw)
	case layout.KindFloat32:
		return math.Float32frombits(uint32(raw))
	case layout.KindFloat64:
		return math.Float64frombits(raw)
	case layout.KindPointer:
		if l.Size() == 4 {
			return Address(uint32(raw))
		}
		return Address(raw)
	}
	return nil
}

// EncodeScalar converts a Go value into the little-endian bits of the
// primitive l. Pointer layouts accept Address, a native Segment or nil.
func EncodeScalar(l layout.Layout, v any) (uint64, error) {
	mismatch := func() error {
		return errors.TypeMismatch(errors.PhaseAccess, nil, fmt.Sprintf("%T", v), l.String())
	}

	switch l.Kind() {
	case layout.KindBool:
		b, ok := v.(bool)
		if !ok {
			return 0, mismatch()
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case layout.KindInt8:
		x, ok := v.(int8)
		if !ok {
			return 0, mismatch()
		}
		return uint64(uint8(x)), nil
	case layout.KindInt16:
		x, ok := v.(int16)
		if !ok {
			return 0, mismatch()
		}
		return uint64(uint16(x)), nil
	case layout.KindInt32:
		x, ok := v.(int32)
		if !ok {
			return 0, mismatch()
		}
		return uint64(uint32(x)), nil
	case layout.KindInt64:
		x, ok := v.(int64)
		if !ok {
			return 0, mismatch()
		}
		return uint64(x), nil
	case layout.KindFloat32:
		x, ok := v.(float32)
		if !ok {
			return 0, mismatch()
		}
		return uint64(math.Float32bits(x)), nil
	case layout.KindFloat64:
		x, ok := v.(float64)
		if !ok {
			return 0, mismatch()
		}
		return math.Float64bits(x), nil
	case layout.KindPointer:
		addr, err := AddressOf(v)
		if err != nil {
			return 0, err
		}
		if l.Size() == 4 && addr > maxAddress {
			return 0, errors.New(errors.PhaseAccess, errors.KindOutOfBounds).
				Detail("address %#x does not fit a 32-bit pointer", uint64(addr)).
				Build()
		}
		return uint64(addr), nil
	}
	return 0, mismatch()
}

// AddressOf extracts a native address from a pointer-like value: an
// Address, a native Segment, or nil for NULL.
func AddressOf(v any) (Address, error) {
	switch p := v.(type) {
	case nil:
		return 0, nil
	case Address:
		return p, nil
	case Segment:
		if p.isHeap {
			return 0, errors.HeapSegment(errors.PhaseAccess, "a pointer")
		}
		if !p.IsAlive() {
			return 0, errors.ClosedScope(errors.PhaseAccess)
		}
		return Address(p.addr), nil
	case *Segment:
		if p == nil {
			return 0, nil
		}
		return AddressOf(*p)
	}
	return 0, errors.TypeMismatch(errors.PhaseAccess, nil, fmt.Sprintf("%T", v), "ptr")
}

// GetPointer reads a pointer of the given model at offset and returns a
// zero-length native segment at that address in the same space.
func (s Segment) GetPointer(model layout.DataModel, offset uint64) (Segment, error) {
	v, err := s.Get(layout.Pointer(model), offset)
	if err != nil {
		return Segment{}, err
	}
	addr := v.(Address)
	if addr == 0 {
		return Segment{}, nil
	}
	return Segment{space: s.space, addr: uint64(addr)}, nil
}

// Typed helpers.

func (s Segment) GetBool(offset uint64) (bool, error) {
	v, err := s.Get(layout.Bool(), offset)
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s Segment) SetBool(offset uint64, v bool) error {
	return s.Set(layout.Bool(), offset, v)
}

func (s Segment) GetInt8(offset uint64) (int8, error) {
	v, err := s.Get(layout.Int8(), offset)
	if err != nil {
		return 0, err
	}
	return v.(int8), nil
}

func (s Segment) SetInt8(offset uint64, v int8) error {
	return s.Set(layout.Int8(), offset, v)
}

func (s Segment) GetInt16(offset uint64) (int16, error) {
	v, err := s.Get(layout.Int16(), offset)
	if err != nil {
		return 0, err
	}
	return v.(int16), nil
}

func (s Segment) SetInt16(offset uint64, v int16) error {
	return s.Set(layout.Int16(), offset, v)
}

func (s Segment) GetInt32(offset uint64) (int32, error) {
	v, err := s.Get(layout.Int32(), offset)
	if err != nil {
		return 0, err
	}
	return v.(int32), nil
}

func (s Segment) SetInt32(offset uint64, v int32) error {
	return s.Set(layout.Int32(), offset, v)
}

func (s Segment) GetInt64(offset uint64) (int64, error) {
	v, err := s.Get(layout.Int64(), offset)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s Segment) SetInt64(offset uint64, v int64) error {
	return s.Set(layout.Int64(), offset, v)
}

func (s Segment) GetFloat32(offset uint64) (float32, error) {
	v, err := s.Get(layout.Float32(), offset)
	if err != nil {
		return 0, err
	}
	return v.(float32), nil
}

func (s Segment) SetFloat32(offset uint64, v float32) error {
	return s.Set(layout.Float32(), offset, v)
}

func (s Segment) GetFloat64(offset uint64) (float64, error) {
	v, err := s.Get(layout.Float64(), offset)
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (s Segment) SetFloat64(offset uint64, v float64) error {
	return s.Set(layout.Float64(), offset, v)
}
