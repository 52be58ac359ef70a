// Package layout describes C-compatible memory shapes.
//
// A Layout is one of a primitive (bool, 8 to 64-bit integers, float,
// double, pointer), a struct, a union, a sequence or explicit padding.
// Layouts are immutable values; sizes, alignments and member offsets are
// computed once at construction:
//
//	point := layout.Struct(
//	    layout.Int32().WithName("x"),
//	    layout.Int64().WithName("y"),
//	)
//	point.Size()                          // 16
//	point.OffsetOf(layout.Field("y"))     // 8, nil
//
// Paths combine Field and Index elements to reach nested members.
package layout
