package layout

// Leaf is a scalar reached by flattening an aggregate.
type Leaf struct {
	Offset uint64
	Kind   Kind
	Size   uint64
}

// Flatten returns the scalar leaves of l in offset order of traversal.
// Struct and union members are visited in declaration order, union members
// all starting at the union's offset, and sequences element by element.
// Padding contributes no leaves.
func Flatten(l Layout) []Leaf {
	return flattenInto(nil, l, 0)
}

func flattenInto(out []Leaf, l Layout, base uint64) []Leaf {
	switch l.kind {
	case KindStruct, KindUnion:
		for i, m := range l.members {
			out = flattenInto(out, m, base+l.offsets[i])
		}
	case KindSequence:
		elem := l.members[0]
		for i := uint64(0); i < l.count; i++ {
			out = flattenInto(out, elem, base+i*elem.size)
		}
	case KindPadding, KindInvalid:
	default:
		out = append(out, Leaf{Offset: base, Kind: l.kind, Size: l.size})
	}
	return out
}
