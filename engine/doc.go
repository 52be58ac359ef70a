// Package engine runs foreign calls against WebAssembly libraries that
// share one linear memory.
//
// The shared memory is exported by a module named "env" and serves as the
// native address space: a native address is an offset into it. Every
// library must import env.memory. Memory above Config.ReservedBytes is
// handed out by a first-fit allocator and reached through memory.Scope
// and memory.Segment.
//
// # Architecture
//
// The engine package provides four main types:
//
//	Engine   - Owns the wazero runtime, the shared memory and the plan cache
//	Library  - A loaded module; its exports are Symbols with addresses
//	Downcall - A handle calling a Symbol with a resolved call plan
//	Upcall   - A Go callback with a native function pointer
//
// # Host Imports
//
// A library's "ffi" imports are bound to a host module private to that
// library:
//
//	ffi.malloc(i32) -> i32       allocate from the shared allocator
//	ffi.free(i32)                release a malloc block
//	ffi.set_errno(i32)           set errno for the current call chain
//	ffi.get_errno() -> i32       read it back
//	ffi.<name>(i32 fn, ...)      indirect call through a function pointer
//
// Any other import is a trampoline. Its first parameter is a function
// pointer naming either an Upcall or an export of some loaded library; the
// remaining parameters and the results are passed through unchanged.
//
// # Function Pointers
//
// Function addresses are synthetic. They start at 0xf0000000, above the
// largest memory an engine creates, so they never alias data.
//
// # Failures
//
// A callback error or panic is recorded in the call context carried by
// the context.Context and the native frames are unwound. The downcall that
// entered native code returns an upcall_failed error wrapping the cause.
// An upcall during a Trivial downcall returns a reentrancy error, and a
// trap with no recorded failure returns a trap error.
//
// Usage:
//
//	sym, _ := lib.Lookup("qsort_i32")
//	sort, err := eng.Downcall(sym,
//	    []layout.Layout{layout.Pointer(layout.ILP32), layout.Int32(), layout.Pointer(layout.ILP32)},
//	    layout.Layout{})
//
//	fn, _ := engine.Func(func(a, b memory.Segment) int32 { ... })
//	cmp, _ := eng.Upcall(scope, fn, []layout.Layout{ptr, ptr}, layout.Int32())
//	_, err = sort.Call(ctx, array, int32(n), cmp.Segment())
package engine
