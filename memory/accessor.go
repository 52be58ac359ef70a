package memory

import (
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

// Accessor reads and writes one primitive member of a layout. The path is
// resolved once at construction.
type Accessor struct {
	root   layout.Layout
	target layout.Layout
	offset uint64
}

// NewAccessor binds root and path. The path must reach a primitive.
func NewAccessor(root layout.Layout, path ...layout.PathElement) (*Accessor, error) {
	target, err := root.Select(path...)
	if err != nil {
		return nil, err
	}
	if !target.Kind().IsPrimitive() {
		return nil, errors.New(errors.PhaseLayout, errors.KindTypeMismatch).
			LayoutType(target.String()).
			Detail("accessor path must end at a primitive").
			Build()
	}
	offset, err := root.OffsetOf(path...)
	if err != nil {
		return nil, err
	}
	return &Accessor{root: root, target: target, offset: offset}, nil
}

// Layout returns the primitive layout the accessor reads.
func (a *Accessor) Layout() layout.Layout { return a.target }

// Offset returns the byte offset of the member within the root layout.
func (a *Accessor) Offset() uint64 { return a.offset }

// Get reads the member from seg, which holds one root layout.
func (a *Accessor) Get(seg Segment) (any, error) {
	return seg.Get(a.target, a.offset)
}

// Set writes the member into seg.
func (a *Accessor) Set(seg Segment, v any) error {
	return seg.Set(a.target, a.offset, v)
}

// GetAt reads the member of the index-th root element in an array of roots.
func (a *Accessor) GetAt(seg Segment, index uint64) (any, error) {
	return seg.Get(a.target, index*a.root.Size()+a.offset)
}

// SetAt writes the member of the index-th root element.
func (a *Accessor) SetAt(seg Segment, index uint64, v any) error {
	return seg.Set(a.target, index*a.root.Size()+a.offset, v)
}
