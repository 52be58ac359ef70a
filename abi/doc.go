// Package abi resolves native function signatures into call plans.
//
// A plan records, for one calling convention, how every argument and the
// return value cross the boundary: in registers, in the outgoing argument
// area, by reference to a copy, or through a hidden result pointer.
//
// Three conventions are supported:
//
//	Wasm32   clang's wasm32 C ABI. Scalars are core params, other
//	         aggregates go by reference, variadic arguments are packed
//	         into a buffer passed last.
//	SysV     System V x86-64. Aggregates up to 16 bytes are split into
//	         INTEGER and SSE eightbytes; larger ones are MEMORY.
//	AAPCS64  Arm 64-bit. Homogeneous float aggregates use SIMD registers,
//	         composites over 16 bytes go by reference, x8 carries an
//	         indirect result.
//
// The register conventions are lowered onto a core wasm signature so that
// the same plan drives a wasm function: used integer registers become i64
// params, then x8 if present, then the used vector registers as f32 or
// f64, then an i32 pointer to the outgoing argument area when one is
// needed. Results are the integer return registers followed by the vector
// ones.
//
// Plans are pure values. Cache shares them between callers.
package abi
