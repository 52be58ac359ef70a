package memory

import (
	"fmt"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

// vaSlotAlign is the minimum alignment of a packed variadic argument.
const vaSlotAlign = 4

type vaArg struct {
	value  any
	layout layout.Layout
}

// VaListBuilder collects variadic arguments for a VaList.
type VaListBuilder struct {
	args []vaArg
}

// NewVaListBuilder returns an empty builder.
func NewVaListBuilder() *VaListBuilder {
	return &VaListBuilder{}
}

// Add appends an argument. Aggregates are given as a Segment holding the
// value; primitives as their Go value.
func (b *VaListBuilder) Add(l layout.Layout, v any) *VaListBuilder {
	b.args = append(b.args, vaArg{layout: l, value: v})
	return b
}

// VaList is a packed variadic argument area in the wasm32 format: each
// argument at its alignment (at least 4), aggregates passed as a 32-bit
// pointer to a copy.
type VaList struct {
	seg    Segment
	cursor uint64
}

func vaSlot(l layout.Layout) (size, align uint64) {
	if l.Kind().IsPrimitive() {
		return l.Size(), max(l.Align(), vaSlotAlign)
	}
	return 4, vaSlotAlign
}

// Build packs the arguments into memory from scope.
func (b *VaListBuilder) Build(scope *Scope) (*VaList, error) {
	total := uint64(0)
	for _, a := range b.args {
		if err := layout.CheckVariadic(a.layout); err != nil {
			return nil, err
		}
		if a.layout.Kind() == layout.KindPointer && a.layout.Size() != 4 {
			return nil, errors.UnsupportedLayout(errors.PhaseResolve, a.layout.String(), "va_list pointers are 32-bit")
		}
		size, align := vaSlot(a.layout)
		total = layout.AlignTo(total, align) + size
	}

	seg, err := scope.AllocateBytes(max(total, 1), 8)
	if err != nil {
		return nil, err
	}
	seg.length = total

	offset := uint64(0)
	for _, a := range b.args {
		size, align := vaSlot(a.layout)
		offset = layout.AlignTo(offset, align)

		if a.layout.Kind().IsPrimitive() {
			if err := seg.Set(a.layout, offset, a.value); err != nil {
				return nil, err
			}
		} else {
			src, ok := a.value.(Segment)
			if !ok {
				return nil, errors.TypeMismatch(errors.PhaseAccess, nil, fmt.Sprintf("%T", a.value), a.layout.String())
			}
			if src.Size() < a.layout.Size() {
				return nil, errors.OutOfBounds(errors.PhaseAccess, 0, a.layout.Size(), src.Size())
			}
			cp, err := scope.Allocate(a.layout)
			if err != nil {
				return nil, err
			}
			data, err := src.ReadAt(0, a.layout.Size())
			if err != nil {
				return nil, err
			}
			if err := cp.WriteAt(0, data); err != nil {
				return nil, err
			}
			if err := seg.Set(layout.Pointer(layout.ILP32), offset, cp); err != nil {
				return nil, err
			}
		}
		offset += size
	}

	return &VaList{seg: seg}, nil
}

// VaListAt reads a va_list produced by native code. seg must cover the
// packed arguments.
func VaListAt(seg Segment) *VaList {
	return &VaList{seg: seg}
}

// Segment returns the packed argument area.
func (v *VaList) Segment() Segment { return v.seg }

// Copy returns an independent cursor over the same arguments.
func (v *VaList) Copy() *VaList {
	cp := *v
	return &cp
}

// NextVarg reads the next argument as l. Aggregates are returned as a
// Segment viewing the caller's copy.
func (v *VaList) NextVarg(l layout.Layout) (any, error) {
	if err := layout.CheckVariadic(l); err != nil {
		return nil, err
	}
	size, align := vaSlot(l)
	offset := layout.AlignTo(v.cursor, align)
	if offset+size > v.seg.Size() {
		return nil, errors.New(errors.PhaseAccess, errors.KindNoSuchElement).
			Detail("No such element").
			Build()
	}

	var out any
	if l.Kind().IsPrimitive() {
		val, err := v.seg.Get(l, offset)
		if err != nil {
			return nil, err
		}
		out = val
	} else {
		ptr, err := v.seg.Get(layout.Pointer(layout.ILP32), offset)
		if err != nil {
			return nil, err
		}
		out = Segment{space: v.seg.space, scope: v.seg.scope, addr: uint64(ptr.(Address)), length: l.Size()}
	}
	v.cursor = offset + size
	return out, nil
}

// Skip advances past arguments of the given layouts.
func (v *VaList) Skip(layouts ...layout.Layout) error {
	for _, l := range layouts {
		if _, err := v.NextVarg(l); err != nil {
			return err
		}
	}
	return nil
}
