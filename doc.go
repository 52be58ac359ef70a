// Package wasmffi is a foreign function interface for Go where "native"
// code is WebAssembly. Libraries share one linear memory, which serves as
// the native address space, and the library marshals Go values into and
// out of C-compatible layouts and calling conventions.
//
// # Architecture Overview
//
//	wasmffi/             Root package with core Memory and Allocator interfaces
//	├── layout/          C-compatible layout descriptors (struct, union, sequence)
//	├── memory/          Scoped native and heap segments, accessors, va_list
//	├── abi/             Call plan resolution for SysV x86-64, AAPCS64 and wasm32
//	├── engine/          wazero integration: libraries, downcalls, upcalls
//	├── manifest/        TOML binding manifests
//	├── runtime/         High-level API over engine and manifest
//	├── errors/          Structured error types
//	└── cmd/ffirun/      Command line runner
//
// # Quick Start
//
//	eng, err := engine.New(ctx, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(ctx)
//
//	lib, err := eng.LoadLibrary(ctx, "mathlib", wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	sym, _ := lib.Lookup("add")
//	add, err := eng.Downcall(sym, []layout.Layout{layout.Int32(), layout.Int32()}, layout.Int32())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sum, err := add.Call(ctx, int32(2), int32(3)) // int32(5)
//
// # Memory
//
// Native memory is allocated from a Scope and accessed through Segments:
//
//	scope := memory.NewConfinedScope(eng.Space())
//	defer scope.Close()
//
//	point := layout.Struct(layout.Int32().WithName("x"), layout.Int32().WithName("y"))
//	seg, _ := scope.Allocate(point)
//	x, _ := memory.NewAccessor(point, layout.Field("x"))
//	_ = x.Set(seg, int32(10))
//
// # Callbacks
//
// Go functions become native function pointers through upcall stubs:
//
//	fn, _ := engine.Func(func(a, b int32) int32 { return a - b })
//	cmp, _ := eng.Upcall(scope, fn, []layout.Layout{layout.Int32(), layout.Int32()}, layout.Int32())
//	// pass cmp.Segment() wherever native code expects a function pointer
//
// Errors returned by callbacks unwind the native frames and surface at the
// downcall that entered native code.
package wasmffi
