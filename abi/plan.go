package abi

import (
	"fmt"
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/layout"
)

// ArgPlan says how one argument is passed.
type ArgPlan struct {
	Layout layout.Layout
	// Parts for Register are the value's slots. For Stack there is one
	// part covering the whole value at its stack offset. For Reference
	// there is one part holding the pointer to the copy.
	Parts    []Part
	Class    PassingClass
	Variadic bool
}

// ReturnPlan says how the result comes back.
type ReturnPlan struct {
	// Layout is invalid for void.
	Layout layout.Layout
	Parts  []Part
	// Hidden is the slot carrying the result address when Class is
	// HiddenReturnPointer.
	Hidden Location
	// Echo is the result slot that returns the hidden address, or -1.
	Echo  int
	Class PassingClass
}

// IsVoid reports whether the call returns nothing.
func (r ReturnPlan) IsVoid() bool { return !r.Layout.IsValid() }

// CallPlan is the resolved marshalling recipe for one signature.
type CallPlan struct {
	Key     string
	Args    []ArgPlan
	Return  ReturnPlan
	Params  []api.ValueType
	Results []api.ValueType
	Options Options
	// StackParam is the index of the i32 parameter carrying the address of
	// the outgoing argument area, or -1.
	StackParam int
	StackSize  uint32
	IntRegs    int
	VecRegs    int
	ABI        ABI
	Direction  Direction
}

// planBuilder assigns registers with provisional locations and lays out
// the core signature at the end.
type planBuilder struct {
	plan     *CallPlan
	vecTypes []api.ValueType
	retVec   []api.ValueType
	stack    uint64
	gp       int
	vec      int
	retGP    int
	x8       bool
	// lowered is set when the classifier wrote Params and Results itself.
	lowered bool
}

func newBuilder(a ABI, dir Direction, opts Options) *planBuilder {
	return &planBuilder{plan: &CallPlan{
		ABI:        a,
		Direction:  dir,
		Options:    opts,
		StackParam: -1,
		Return:     ReturnPlan{Echo: -1},
	}}
}

func (b *planBuilder) gpPart(offset, size uint64, ext Ext) Part {
	p := Part{Offset: offset, Size: size, Type: api.ValueTypeI64, Ext: ext, Loc: Location{Kind: locGP, Index: b.gp}}
	b.gp++
	return p
}

func (b *planBuilder) vecPart(offset, size uint64, t api.ValueType) Part {
	p := Part{Offset: offset, Size: size, Type: t, Loc: Location{Kind: locVec, Index: b.vec}}
	b.vecTypes = append(b.vecTypes, t)
	b.vec++
	return p
}

func (b *planBuilder) retGPPart(offset, size uint64, ext Ext) Part {
	p := Part{Offset: offset, Size: size, Type: api.ValueTypeI64, Ext: ext, Loc: Location{Kind: locRetGP, Index: b.retGP}}
	b.retGP++
	return p
}

func (b *planBuilder) retVecPart(offset, size uint64, t api.ValueType) Part {
	p := Part{Offset: offset, Size: size, Type: t, Loc: Location{Kind: locRetVec, Index: len(b.retVec)}}
	b.retVec = append(b.retVec, t)
	return p
}

// stackPart reserves an outgoing slot of size bytes rounded to slot and
// aligned to align.
func (b *planBuilder) stackPart(size, align, slot uint64, t api.ValueType) Part {
	off := layout.AlignTo(b.stack, max(align, slot))
	b.stack = off + layout.AlignTo(size, slot)
	return Part{Size: size, Type: t, Loc: Location{Kind: LocStack, Offset: uint32(off)}}
}

func (b *planBuilder) finish(stackAlign uint64, forceStackParam bool) *CallPlan {
	p := b.plan
	nGP := b.gp
	x8 := 0
	if b.x8 {
		x8 = 1
	}

	fix := func(loc *Location) {
		switch loc.Kind {
		case locGP:
			loc.Kind = LocParam
		case locX8:
			loc.Kind, loc.Index = LocParam, nGP
		case locVec:
			loc.Kind, loc.Index = LocParam, nGP+x8+loc.Index
		case locRetGP:
			loc.Kind = LocResult
		case locRetVec:
			loc.Kind, loc.Index = LocResult, b.retGP+loc.Index
		}
	}

	if !b.lowered {
		for i := 0; i < nGP+x8; i++ {
			p.Params = append(p.Params, api.ValueTypeI64)
		}
		p.Params = append(p.Params, b.vecTypes...)
		for i := 0; i < b.retGP; i++ {
			p.Results = append(p.Results, api.ValueTypeI64)
		}
		p.Results = append(p.Results, b.retVec...)
	}

	for i := range p.Args {
		for j := range p.Args[i].Parts {
			fix(&p.Args[i].Parts[j].Loc)
		}
	}
	for j := range p.Return.Parts {
		fix(&p.Return.Parts[j].Loc)
	}
	fix(&p.Return.Hidden)

	p.StackSize = uint32(layout.AlignTo(b.stack, stackAlign))
	if p.StackSize > 0 || forceStackParam {
		p.StackParam = len(p.Params)
		p.Params = append(p.Params, api.ValueTypeI32)
	}
	p.IntRegs = nGP
	p.VecRegs = len(b.vecTypes)
	return p
}

// NeedsStack reports whether calls must provide an outgoing argument area.
func (p *CallPlan) NeedsStack() bool { return p.StackParam >= 0 }

func (l Location) String() string {
	switch l.Kind {
	case LocParam:
		return fmt.Sprintf("p%d", l.Index)
	case LocResult:
		return fmt.Sprintf("r%d", l.Index)
	case LocStack:
		return fmt.Sprintf("sp+%d", l.Offset)
	}
	return "?"
}

func typeNames(ts []api.ValueType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = api.ValueTypeName(t)
	}
	return strings.Join(names, ",")
}

func writeParts(b *strings.Builder, parts []Part) {
	for _, p := range parts {
		fmt.Fprintf(b, " [%d+%d %s @%s]", p.Offset, p.Size, api.ValueTypeName(p.Type), p.Loc)
	}
}

// String renders the plan for diagnostics.
func (p *CallPlan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s (%s) -> (%s)", p.ABI, p.Direction, typeNames(p.Params), typeNames(p.Results))
	if p.NeedsStack() {
		fmt.Fprintf(&b, " stack=%d", p.StackSize)
	}
	if !p.Options.IsZero() {
		fmt.Fprintf(&b, " {%s}", p.Options)
	}
	for i, a := range p.Args {
		fmt.Fprintf(&b, "\n  arg%d %s: %s", i, a.Layout, a.Class)
		if a.Variadic {
			b.WriteString(" variadic")
		}
		writeParts(&b, a.Parts)
	}
	if p.Return.IsVoid() {
		b.WriteString("\n  ret void")
		return b.String()
	}
	fmt.Fprintf(&b, "\n  ret %s: %s", p.Return.Layout, p.Return.Class)
	if p.Return.Class == HiddenReturnPointer {
		fmt.Fprintf(&b, " @%s", p.Return.Hidden)
		if p.Return.Echo >= 0 {
			fmt.Fprintf(&b, " echo r%d", p.Return.Echo)
		}
	}
	writeParts(&b, p.Return.Parts)
	return b.String()
}
