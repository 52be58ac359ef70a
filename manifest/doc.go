// Package manifest reads TOML descriptions of native libraries and turns
// them into layouts and call options for the engine.
//
// A manifest names the library and its calling convention, declares
// aggregate types and lists the exported functions with their
// signatures:
//
//	[library]
//	name = "geometry"
//	abi  = "sysv"
//	wasm = "geometry.wasm"
//
//	[structs.point]
//	fields = [
//	    { name = "x", type = "s32" },
//	    { name = "y", type = "s32" },
//	]
//
//	[functions.distance]
//	signature = "func(a: point, b: point) -> f64"
//
//	[functions.printf]
//	signature = "func(format: string, value: s32) -> s32"
//	variadic_from = 1
//	capture = ["errno"]
//
// Types are WIT primitive names (bool, s8 through u64, f32, f64, char),
// "ptr" for an untyped address, "string" for a NUL-terminated string
// passed by address, declared struct and union names, and T[N] for a
// fixed array of N elements.
package manifest
