package abi

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/layout"
)

// vaSlotAlign is the minimum alignment of a packed variadic argument.
const vaSlotAlign = 4

func (b *planBuilder) param(t api.ValueType) Location {
	b.plan.Params = append(b.plan.Params, t)
	return Location{Kind: LocParam, Index: len(b.plan.Params) - 1}
}

func (b *planBuilder) result(t api.ValueType) Location {
	b.plan.Results = append(b.plan.Results, t)
	return Location{Kind: LocResult, Index: len(b.plan.Results) - 1}
}

// wasm32Scalar returns the single core value l travels as, if any.
func wasm32Scalar(l layout.Layout) (layout.Leaf, bool) {
	if l.Kind().IsPrimitive() {
		return layout.Leaf{Kind: l.Kind(), Size: l.Size()}, true
	}
	return singleScalar(l)
}

func wasm32Part(leaf layout.Leaf) Part {
	return Part{
		Offset: leaf.Offset,
		Size:   leaf.Size,
		Type:   scalarType(leaf.Kind, leaf.Size),
		Ext:    scalarExt(leaf.Kind, leaf.Size, 4),
	}
}

func resolveWasm32(b *planBuilder) *CallPlan {
	p := b.plan
	b.lowered = true

	if ret := p.Return.Layout; ret.IsValid() {
		if leaf, ok := wasm32Scalar(ret); ok {
			part := wasm32Part(leaf)
			part.Loc = b.result(part.Type)
			p.Return.Parts = []Part{part}
		} else {
			p.Return.Class = HiddenReturnPointer
			p.Return.Hidden = b.param(api.ValueTypeI32)
		}
	}

	for i := range p.Args {
		a := &p.Args[i]
		l := a.Layout

		if a.Variadic {
			if l.Kind().IsPrimitive() {
				a.Class = Stack
				a.Parts = []Part{b.packPart(l.Size(), max(l.Align(), vaSlotAlign), scalarType(l.Kind(), l.Size()))}
			} else {
				a.Class = Reference
				a.Parts = []Part{b.packPart(4, vaSlotAlign, api.ValueTypeI32)}
			}
			continue
		}

		if leaf, ok := wasm32Scalar(l); ok {
			part := wasm32Part(leaf)
			part.Loc = b.param(part.Type)
			a.Parts = []Part{part}
			continue
		}
		a.Class = Reference
		a.Parts = []Part{{Size: 4, Type: api.ValueTypeI32, Loc: b.param(api.ValueTypeI32)}}
	}

	_, variadic := p.Options.FirstVariadic()
	return b.finish(8, variadic)
}

// packPart places a variadic argument in the packed buffer.
func (b *planBuilder) packPart(size, align uint64, t api.ValueType) Part {
	off := layout.AlignTo(b.stack, align)
	b.stack = off + size
	return Part{Size: size, Type: t, Loc: Location{Kind: LocStack, Offset: uint32(off)}}
}
