package layout

import (
	"strconv"
	"strings"

	"github.com/wippyai/wasm-ffi/errors"
)

// Kind identifies the variant of a Layout.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindPointer
	KindStruct
	KindUnion
	KindSequence
	KindPadding
)

var kindNames = [...]string{
	KindInvalid:  "invalid",
	KindBool:     "bool",
	KindInt8:     "i8",
	KindInt16:    "i16",
	KindInt32:    "i32",
	KindInt64:    "i64",
	KindFloat32:  "f32",
	KindFloat64:  "f64",
	KindPointer:  "ptr",
	KindStruct:   "struct",
	KindUnion:    "union",
	KindSequence: "sequence",
	KindPadding:  "pad",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// IsPrimitive reports whether k is a scalar kind.
func (k Kind) IsPrimitive() bool {
	return k >= KindBool && k <= KindPointer
}

// IsFloat reports whether k is a floating point kind.
func (k Kind) IsFloat() bool {
	return k == KindFloat32 || k == KindFloat64
}

// IsGroup reports whether k is a struct or union.
func (k Kind) IsGroup() bool {
	return k == KindStruct || k == KindUnion
}

// DataModel fixes the size of pointers.
type DataModel uint8

const (
	// LP64 has 8-byte pointers (x86-64, AArch64).
	LP64 DataModel = iota
	// ILP32 has 4-byte pointers (wasm32).
	ILP32
)

// PointerSize returns the pointer width in bytes.
func (m DataModel) PointerSize() uint64 {
	if m == ILP32 {
		return 4
	}
	return 8
}

func (m DataModel) String() string {
	if m == ILP32 {
		return "ILP32"
	}
	return "LP64"
}

// Layout is an immutable description of a C-compatible memory shape.
// The zero Layout is invalid; build layouts with the constructors.
type Layout struct {
	name    string
	members []Layout
	offsets []uint64
	size    uint64
	align   uint64
	count   uint64
	kind    Kind
	// natural is the alignment before any WithAlignment override.
	natural uint64
}

func primitive(k Kind, size uint64) Layout {
	return Layout{kind: k, size: size, align: size, natural: size}
}

func Bool() Layout    { return primitive(KindBool, 1) }
func Int8() Layout    { return primitive(KindInt8, 1) }
func Int16() Layout   { return primitive(KindInt16, 2) }
func Int32() Layout   { return primitive(KindInt32, 4) }
func Int64() Layout   { return primitive(KindInt64, 8) }
func Float32() Layout { return primitive(KindFloat32, 4) }
func Float64() Layout { return primitive(KindFloat64, 8) }

// Pointer returns an address layout sized for the data model.
func Pointer(model DataModel) Layout {
	return primitive(KindPointer, model.PointerSize())
}

// Padding returns n filler bytes with alignment 1.
func Padding(n uint64) Layout {
	return Layout{kind: KindPadding, size: n, align: 1, natural: 1}
}

// Struct lays members out in order, each at the next offset aligned to
// the member's alignment. The total size is rounded up to the largest
// member alignment.
func Struct(members ...Layout) Layout {
	ms := append([]Layout(nil), members...)
	offsets := make([]uint64, len(ms))
	maxAlign := uint64(1)
	offset := uint64(0)

	for i, m := range ms {
		offset = AlignTo(offset, m.align)
		offsets[i] = offset
		if m.align > maxAlign {
			maxAlign = m.align
		}
		offset += m.size
	}

	return Layout{
		kind:    KindStruct,
		members: ms,
		offsets: offsets,
		size:    AlignTo(offset, maxAlign),
		align:   maxAlign,
		natural: maxAlign,
	}
}

// Union overlays all members at offset 0.
func Union(members ...Layout) Layout {
	ms := append([]Layout(nil), members...)
	maxAlign := uint64(1)
	maxSize := uint64(0)

	for _, m := range ms {
		if m.align > maxAlign {
			maxAlign = m.align
		}
		if m.size > maxSize {
			maxSize = m.size
		}
	}

	return Layout{
		kind:    KindUnion,
		members: ms,
		offsets: make([]uint64, len(ms)),
		size:    AlignTo(maxSize, maxAlign),
		align:   maxAlign,
		natural: maxAlign,
	}
}

// Sequence repeats elem count times with no padding between elements
// beyond what elem itself carries.
func Sequence(count uint64, elem Layout) Layout {
	return Layout{
		kind:    KindSequence,
		members: []Layout{elem},
		count:   count,
		size:    count * elem.size,
		align:   elem.align,
		natural: elem.align,
	}
}

func (l Layout) Kind() Kind      { return l.kind }
func (l Layout) Size() uint64    { return l.size }
func (l Layout) Align() uint64   { return l.align }
func (l Layout) IsValid() bool   { return l.kind != KindInvalid }
func (l Layout) Count() uint64   { return l.count }
func (l Layout) NumMembers() int { return len(l.members) }

// Name returns the layout name and whether one was set.
func (l Layout) Name() (string, bool) {
	return l.name, l.name != ""
}

// Member returns the i-th member of a struct or union.
func (l Layout) Member(i int) Layout {
	return l.members[i]
}

// MemberOffset returns the byte offset of the i-th member.
func (l Layout) MemberOffset(i int) uint64 {
	return l.offsets[i]
}

// Elem returns the element layout of a sequence.
func (l Layout) Elem() Layout {
	if l.kind != KindSequence {
		return Layout{}
	}
	return l.members[0]
}

// WithName returns a copy of l carrying name. Names only affect path
// lookup and rendering.
func (l Layout) WithName(name string) Layout {
	l.name = name
	return l
}

// WithAlignment returns a copy of l with the given alignment, which must
// be a power of two.
func (l Layout) WithAlignment(align uint64) (Layout, error) {
	if align == 0 || align&(align-1) != 0 {
		return Layout{}, errors.UnsupportedLayout(errors.PhaseLayout, l.String(),
			"alignment "+strconv.FormatUint(align, 10)+" is not a power of two")
	}
	l.align = align
	return l, nil
}

// Validate checks that l and every nested layout has a size that is a
// multiple of its alignment.
func (l Layout) Validate() error {
	if l.kind == KindInvalid {
		return errors.UnsupportedLayout(errors.PhaseLayout, l.String(), "zero layout")
	}
	if l.align == 0 || l.size%l.align != 0 {
		return errors.UnsupportedLayout(errors.PhaseLayout, l.String(),
			"size "+strconv.FormatUint(l.size, 10)+" is not a multiple of alignment "+strconv.FormatUint(l.align, 10))
	}
	for i, m := range l.members {
		if err := m.Validate(); err != nil {
			return err
		}
		if l.kind == KindStruct && l.offsets[i]%m.align != 0 {
			return errors.UnsupportedLayout(errors.PhaseLayout, l.String(), "misaligned member")
		}
	}
	return nil
}

// Equal reports structural equality, ignoring names.
func (l Layout) Equal(o Layout) bool {
	return l.Canonical() == o.Canonical()
}

// String renders l with member names, e.g. struct{i32(x),i32(y)}(point).
func (l Layout) String() string {
	var b strings.Builder
	l.render(&b, true)
	return b.String()
}

// Canonical renders l without names. Two layouts with the same canonical
// form marshal identically.
func (l Layout) Canonical() string {
	var b strings.Builder
	l.render(&b, false)
	return b.String()
}

func (l Layout) render(b *strings.Builder, names bool) {
	switch l.kind {
	case KindPointer:
		b.WriteString("ptr")
		b.WriteString(strconv.FormatUint(l.size*8, 10))
	case KindPadding:
		b.WriteString("pad")
		b.WriteString(strconv.FormatUint(l.size, 10))
	case KindStruct, KindUnion:
		b.WriteString(l.kind.String())
		b.WriteByte('{')
		sep := ","
		if l.kind == KindUnion {
			sep = "|"
		}
		for i, m := range l.members {
			if i > 0 {
				b.WriteString(sep)
			}
			m.render(b, names)
		}
		b.WriteByte('}')
	case KindSequence:
		b.WriteByte('[')
		b.WriteString(strconv.FormatUint(l.count, 10))
		b.WriteByte(']')
		l.members[0].render(b, names)
	default:
		b.WriteString(l.kind.String())
	}
	if l.align != l.natural {
		b.WriteByte('%')
		b.WriteString(strconv.FormatUint(l.align, 10))
	}
	if names && l.name != "" {
		b.WriteByte('(')
		b.WriteString(l.name)
		b.WriteByte(')')
	}
}

// AlignTo rounds offset up to the next multiple of align.
func AlignTo(offset, align uint64) uint64 {
	if align <= 1 {
		return offset
	}
	return (offset + align - 1) / align * align
}
