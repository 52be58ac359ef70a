package abi

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/layout"
)

const (
	aapcsGPRegs   = 8
	aapcsSIMDRegs = 8
	maxHFAMembers = 4
)

// homogeneousFloat reports whether l is a homogeneous floating-point
// aggregate: one to four floats of the same kind packed without gaps.
func homogeneousFloat(l layout.Layout) ([]layout.Leaf, bool) {
	if l.Kind().IsPrimitive() {
		return nil, false
	}
	leaves := layout.Flatten(l)
	if len(leaves) == 0 || len(leaves) > maxHFAMembers {
		return nil, false
	}
	k := leaves[0].Kind
	if !k.IsFloat() {
		return nil, false
	}
	for i, leaf := range leaves {
		if leaf.Kind != k || leaf.Offset != uint64(i)*leaf.Size {
			return nil, false
		}
	}
	if uint64(len(leaves))*leaves[0].Size != l.Size() {
		return nil, false
	}
	return leaves, true
}

func resolveAAPCS64(b *planBuilder) *CallPlan {
	p := b.plan

	if ret := p.Return.Layout; ret.IsValid() {
		switch hfa, isHFA := homogeneousFloat(ret); {
		case ret.Kind().IsFloat():
			p.Return.Parts = []Part{b.retVecPart(0, ret.Size(), scalarType(ret.Kind(), ret.Size()))}
		case ret.Kind().IsPrimitive():
			p.Return.Parts = []Part{b.retGPPart(0, ret.Size(), scalarExt(ret.Kind(), ret.Size(), 8))}
		case isHFA:
			for _, leaf := range hfa {
				p.Return.Parts = append(p.Return.Parts, b.retVecPart(leaf.Offset, leaf.Size, scalarType(leaf.Kind, leaf.Size)))
			}
		case ret.Size() <= 16:
			for off := uint64(0); off < ret.Size(); off += 8 {
				p.Return.Parts = append(p.Return.Parts, b.retGPPart(off, min(8, ret.Size()-off), ExtNone))
			}
		default:
			// x8 carries the result address; nothing is returned.
			p.Return.Class = HiddenReturnPointer
			p.Return.Hidden = Location{Kind: locX8}
			b.x8 = true
		}
	}

	for i := range p.Args {
		a := &p.Args[i]
		l := a.Layout

		if l.Kind().IsFloat() {
			if b.vec < aapcsSIMDRegs {
				a.Parts = []Part{b.vecPart(0, l.Size(), scalarType(l.Kind(), l.Size()))}
			} else {
				a.Class = Stack
				a.Parts = []Part{b.stackPart(l.Size(), l.Align(), 8, scalarType(l.Kind(), l.Size()))}
			}
			continue
		}
		if l.Kind().IsPrimitive() {
			if b.gp < aapcsGPRegs {
				a.Parts = []Part{b.gpPart(0, l.Size(), scalarExt(l.Kind(), l.Size(), 8))}
			} else {
				a.Class = Stack
				a.Parts = []Part{b.stackPart(l.Size(), l.Align(), 8, scalarType(l.Kind(), l.Size()))}
			}
			continue
		}

		if hfa, ok := homogeneousFloat(l); ok {
			if b.vec+len(hfa) <= aapcsSIMDRegs {
				for _, leaf := range hfa {
					a.Parts = append(a.Parts, b.vecPart(leaf.Offset, leaf.Size, scalarType(leaf.Kind, leaf.Size)))
				}
			} else {
				b.vec = aapcsSIMDRegs
				a.Class = Stack
				a.Parts = []Part{b.stackPart(l.Size(), l.Align(), 8, api.ValueTypeI64)}
			}
			continue
		}

		if l.Size() > 16 {
			a.Class = Reference
			if b.gp < aapcsGPRegs {
				a.Parts = []Part{b.gpPart(0, 8, ExtNone)}
			} else {
				a.Parts = []Part{b.stackPart(8, 8, 8, api.ValueTypeI64)}
			}
			continue
		}

		if l.Align() == 16 && b.gp%2 != 0 {
			b.gp++
		}
		n := int((l.Size() + 7) / 8)
		if b.gp+n <= aapcsGPRegs {
			for off := uint64(0); off < l.Size(); off += 8 {
				a.Parts = append(a.Parts, b.gpPart(off, min(8, l.Size()-off), ExtNone))
			}
			continue
		}
		b.gp = aapcsGPRegs
		a.Class = Stack
		a.Parts = []Part{b.stackPart(l.Size(), l.Align(), 8, api.ValueTypeI64)}
	}

	return b.finish(16, false)
}
