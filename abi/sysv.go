package abi

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/layout"
)

const (
	sysvIntRegs = 6
	sysvSSERegs = 8
)

// sysvClass is the class of one eightbyte.
type sysvClass uint8

const (
	classNone sysvClass = iota
	classInteger
	classSSE
)

// eightbyte is one classified 8-byte chunk of a value.
type eightbyte struct {
	class  sysvClass
	offset uint64
	size   uint64
	typ    api.ValueType
}

// classifySysV splits l into eightbytes. ok is false for the MEMORY class:
// values over 16 bytes and values with unaligned fields.
func classifySysV(l layout.Layout) (ebs []eightbyte, ok bool) {
	size := l.Size()
	if size > 16 {
		return nil, false
	}
	n := (size + 7) / 8
	ebs = make([]eightbyte, n)
	onlyF32 := make([]bool, n)
	for i := range ebs {
		ebs[i].offset = uint64(i) * 8
		ebs[i].size = min(8, size-uint64(i)*8)
		onlyF32[i] = true
	}

	for _, leaf := range layout.Flatten(l) {
		if leaf.Offset%leaf.Size != 0 {
			return nil, false
		}
		i := leaf.Offset / 8
		c := classInteger
		if leaf.Kind.IsFloat() {
			c = classSSE
		}
		if c == classInteger || ebs[i].class == classInteger {
			ebs[i].class = classInteger
		} else {
			ebs[i].class = classSSE
		}
		if leaf.Kind != layout.KindFloat32 || leaf.Offset%8 != 0 {
			onlyF32[i] = false
		}
	}

	for i := range ebs {
		switch ebs[i].class {
		case classInteger:
			ebs[i].typ = api.ValueTypeI64
		case classSSE:
			if onlyF32[i] {
				ebs[i].typ = api.ValueTypeF32
				ebs[i].size = 4
			} else {
				ebs[i].typ = api.ValueTypeF64
			}
		}
	}
	return ebs, true
}

func countClasses(ebs []eightbyte) (ints, sses int) {
	for _, eb := range ebs {
		switch eb.class {
		case classInteger:
			ints++
		case classSSE:
			sses++
		}
	}
	return ints, sses
}

func resolveSysV(b *planBuilder) *CallPlan {
	p := b.plan

	if ret := p.Return.Layout; ret.IsValid() {
		if ret.Kind().IsPrimitive() {
			if ret.Kind().IsFloat() {
				p.Return.Parts = []Part{b.retVecPart(0, ret.Size(), scalarType(ret.Kind(), ret.Size()))}
			} else {
				p.Return.Parts = []Part{b.retGPPart(0, ret.Size(), scalarExt(ret.Kind(), ret.Size(), 8))}
			}
		} else if ebs, ok := classifySysV(ret); ok {
			for _, eb := range ebs {
				switch eb.class {
				case classInteger:
					p.Return.Parts = append(p.Return.Parts, b.retGPPart(eb.offset, eb.size, ExtNone))
				case classSSE:
					p.Return.Parts = append(p.Return.Parts, b.retVecPart(eb.offset, eb.size, eb.typ))
				}
			}
		} else {
			// The caller's buffer goes in the first integer register and
			// comes back in the first integer result.
			p.Return.Class = HiddenReturnPointer
			p.Return.Hidden = Location{Kind: locGP, Index: b.gp}
			b.gp++
			p.Return.Echo = 0
			b.retGP++
		}
	}

	for i := range p.Args {
		a := &p.Args[i]
		l := a.Layout

		if l.Kind().IsPrimitive() {
			switch {
			case l.Kind().IsFloat() && b.vec < sysvSSERegs:
				a.Parts = []Part{b.vecPart(0, l.Size(), scalarType(l.Kind(), l.Size()))}
			case !l.Kind().IsFloat() && b.gp < sysvIntRegs:
				a.Parts = []Part{b.gpPart(0, l.Size(), scalarExt(l.Kind(), l.Size(), 8))}
			default:
				a.Class = Stack
				a.Parts = []Part{b.stackPart(l.Size(), l.Align(), 8, scalarType(l.Kind(), l.Size()))}
			}
			continue
		}

		ebs, ok := classifySysV(l)
		ints, sses := countClasses(ebs)
		if !ok || b.gp+ints > sysvIntRegs || b.vec+sses > sysvSSERegs {
			a.Class = Stack
			a.Parts = []Part{b.stackPart(l.Size(), l.Align(), 8, api.ValueTypeI64)}
			continue
		}
		for _, eb := range ebs {
			switch eb.class {
			case classInteger:
				a.Parts = append(a.Parts, b.gpPart(eb.offset, eb.size, ExtNone))
			case classSSE:
				a.Parts = append(a.Parts, b.vecPart(eb.offset, eb.size, eb.typ))
			}
		}
	}

	return b.finish(16, false)
}
