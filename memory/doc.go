// Package memory provides scoped access to native memory.
//
// A Space is the native address space. A Scope allocates from a space
// and frees everything it allocated when closed. A Segment is a bounded
// view of native or Go heap memory; every access is checked against the
// segment bounds, the liveness of its scope and the alignment of the
// accessed primitive.
//
//	scope := memory.NewConfinedScope(space)
//	defer scope.Close()
//
//	seg, err := scope.Allocate(layout.Sequence(4, layout.Int32()))
//	if err != nil {
//	    return err
//	}
//	_ = seg.SetInt32(8, 42)
//
// Heap segments (HeapSegment, OfBytes) are never given native addresses;
// passing one where a pointer is required fails with a heap_segment error.
package memory
