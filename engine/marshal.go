package engine

import (
	"strconv"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/memory"
)

// extend widens the low size bytes of raw to 64 bits.
func extend(raw, size uint64, ext abi.Ext) uint64 {
	if size >= 8 {
		return raw
	}
	bits := size * 8
	raw &= 1<<bits - 1
	if ext == abi.ExtSign && raw&(1<<(bits-1)) != 0 {
		raw |= ^uint64(0) << bits
	}
	return raw
}

// toSlot converts the bits of a part into a core stack value.
func toSlot(raw uint64, p abi.Part) uint64 {
	v := extend(raw, p.Size, p.Ext)
	switch p.Type {
	case api.ValueTypeI32, api.ValueTypeF32:
		return uint64(uint32(v))
	}
	return v
}

// fromSlot keeps the low size bytes of a core stack value.
func fromSlot(v, size uint64) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(size*8) - 1)
}

func decodeLE(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func encodeLE(v, size uint64) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// frame is the native side of one call: the core value stack and the
// outgoing argument area.
type frame struct {
	core  []uint64
	stack memory.Segment
}

// put stores the bits of part p at its location.
func (f *frame) put(p abi.Part, raw uint64) error {
	switch p.Loc.Kind {
	case abi.LocParam, abi.LocResult:
		f.core[p.Loc.Index] = toSlot(raw, p)
		return nil
	case abi.LocStack:
		return f.stack.WriteAt(uint64(p.Loc.Offset), encodeLE(raw, p.Size))
	}
	return errors.New(errors.PhaseDowncall, errors.KindInvalidInput).Detail("bad part location %s", p.Loc).Build()
}

// get loads the bits of part p from its location.
func (f *frame) get(p abi.Part) (uint64, error) {
	switch p.Loc.Kind {
	case abi.LocParam, abi.LocResult:
		return fromSlot(f.core[p.Loc.Index], p.Size), nil
	case abi.LocStack:
		b, err := f.stack.ReadAt(uint64(p.Loc.Offset), p.Size)
		if err != nil {
			return 0, err
		}
		return decodeLE(b), nil
	}
	return 0, errors.New(errors.PhaseUpcall, errors.KindInvalidInput).Detail("bad part location %s", p.Loc).Build()
}

// scatter copies the bytes of an aggregate into its parts.
func (f *frame) scatter(parts []abi.Part, data []byte) error {
	for _, p := range parts {
		raw := decodeLE(data[p.Offset : p.Offset+p.Size])
		if err := f.put(p, raw); err != nil {
			return err
		}
	}
	return nil
}

// gather assembles an aggregate of size bytes from its parts.
func (f *frame) gather(parts []abi.Part, size uint64) ([]byte, error) {
	data := make([]byte, size)
	for _, p := range parts {
		raw, err := f.get(p)
		if err != nil {
			return nil, err
		}
		copy(data[p.Offset:p.Offset+p.Size], encodeLE(raw, p.Size))
	}
	return data, nil
}

// putAddress stores a pointer-sized value at loc.
func (f *frame) putAddress(loc abi.Location, addr memory.Address, size uint64, t api.ValueType) error {
	return f.put(abi.Part{Loc: loc, Size: size, Type: t}, uint64(addr))
}

// argError tags err with the argument it belongs to.
func argError(err error, phase errors.Phase, i int) error {
	e, ok := err.(*errors.Error)
	if !ok {
		return errors.Wrap(phase, errors.KindInvalidInput, err, "argument "+strconv.Itoa(i))
	}
	cp := *e
	cp.Phase = phase
	cp.Path = append([]string{"arg" + strconv.Itoa(i)}, e.Path...)
	return &cp
}
