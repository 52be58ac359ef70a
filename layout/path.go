package layout

import (
	"strconv"

	"github.com/wippyai/wasm-ffi/errors"
)

// PathElement selects a member of a group or an element of a sequence.
type PathElement struct {
	name    string
	index   uint64
	isIndex bool
}

// Field selects the first group member with the given name.
func Field(name string) PathElement {
	return PathElement{name: name}
}

// Index selects a sequence element.
func Index(i uint64) PathElement {
	return PathElement{index: i, isIndex: true}
}

func (p PathElement) String() string {
	if p.isIndex {
		return "[" + strconv.FormatUint(p.index, 10) + "]"
	}
	return p.name
}

// OffsetOf returns the byte offset of the member reached by path.
func (l Layout) OffsetOf(path ...PathElement) (uint64, error) {
	_, off, err := l.walk(path)
	return off, err
}

// Select returns the layout reached by path.
func (l Layout) Select(path ...PathElement) (Layout, error) {
	sub, _, err := l.walk(path)
	return sub, err
}

func (l Layout) walk(path []PathElement) (Layout, uint64, error) {
	cur := l
	offset := uint64(0)
	walked := make([]string, 0, len(path))

	for _, p := range path {
		walked = append(walked, p.String())
		if p.isIndex {
			if cur.kind != KindSequence {
				return Layout{}, 0, errors.New(errors.PhaseLayout, errors.KindTypeMismatch).
					Path(walked...).
					LayoutType(cur.String()).
					Detail("index applied to non-sequence").
					Build()
			}
			if p.index >= cur.count {
				return Layout{}, 0, errors.PathNotFound(walked,
					"index "+strconv.FormatUint(p.index, 10)+" (count "+strconv.FormatUint(cur.count, 10)+")")
			}
			elem := cur.members[0]
			offset += p.index * elem.size
			cur = elem
			continue
		}

		if !cur.kind.IsGroup() {
			return Layout{}, 0, errors.New(errors.PhaseLayout, errors.KindTypeMismatch).
				Path(walked...).
				LayoutType(cur.String()).
				Detail("field %q applied to non-group", p.name).
				Build()
		}
		found := -1
		for i, m := range cur.members {
			if m.name == p.name {
				found = i
				break
			}
		}
		if found < 0 {
			return Layout{}, 0, errors.PathNotFound(walked, strconv.Quote(p.name))
		}
		offset += cur.offsets[found]
		cur = cur.members[found]
	}

	return cur, offset, nil
}
