// Package errors provides structured error types for the wasm-ffi library.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a member path, the Go type and layout involved, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseAccess, errors.KindTypeMismatch).
//		GoType("string").
//		LayoutType("i32").
//		Detail("cannot store string into int32").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseAccess, 12, 4, 8)
//	err := errors.ClosedScope(errors.PhaseDowncall)
//
// The Err* sentinels match on Kind alone, so callers can test for a
// failure category without caring where it was raised:
//
//	if errors.Is(err, ffierrors.ErrClosedScope) { ... }
package errors
