package abi

import (
	"strings"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

// ABI is a target calling convention.
type ABI uint8

const (
	// Wasm32 is the clang BasicCABI for wasm32: scalars as core params,
	// aggregates by reference, variadic arguments in a packed buffer.
	Wasm32 ABI = iota
	// SysV is the System V x86-64 convention.
	SysV
	// AAPCS64 is the standard Arm 64-bit procedure call standard.
	AAPCS64
)

func (a ABI) String() string {
	switch a {
	case SysV:
		return "sysv"
	case AAPCS64:
		return "aapcs64"
	default:
		return "wasm32"
	}
}

// DataModel returns the pointer model of the ABI.
func (a ABI) DataModel() layout.DataModel {
	if a == Wasm32 {
		return layout.ILP32
	}
	return layout.LP64
}

// ParseABI maps a name such as "sysv", "x86_64", "aapcs64", "arm64" or
// "wasm32" to an ABI.
func ParseABI(name string) (ABI, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "wasm32", "wasm":
		return Wasm32, nil
	case "sysv", "x86_64", "x86-64", "amd64":
		return SysV, nil
	case "aapcs64", "arm64", "aarch64":
		return AAPCS64, nil
	}
	return Wasm32, errors.InvalidInput(errors.PhaseResolve, "unknown ABI "+name)
}

// Direction tells whether a plan drives a call into native code or a
// callback out of it.
type Direction uint8

const (
	Downcall Direction = iota
	Upcall
)

func (d Direction) String() string {
	if d == Upcall {
		return "upcall"
	}
	return "downcall"
}

// PassingClass describes how a value crosses the boundary.
type PassingClass uint8

const (
	// Register passes the value in core parameter or result slots.
	Register PassingClass = iota
	// Stack copies the value into the outgoing argument area.
	Stack
	// Reference copies the value into caller memory and passes a pointer.
	Reference
	// HiddenReturnPointer passes the address the callee writes the result to.
	HiddenReturnPointer
)

func (c PassingClass) String() string {
	switch c {
	case Stack:
		return "stack"
	case Reference:
		return "reference"
	case HiddenReturnPointer:
		return "hidden-return"
	default:
		return "register"
	}
}

// Ext is the extension applied when a narrow integer fills a wider slot.
type Ext uint8

const (
	ExtNone Ext = iota
	ExtSign
	ExtZero
)

// LocKind says where a Part lives.
type LocKind uint8

const (
	LocParam LocKind = iota
	LocResult
	LocStack

	// provisional register locations, rewritten when the plan is finished
	locGP
	locVec
	locX8
	locRetGP
	locRetVec
)

// Location is a core parameter or result slot, or an offset in the
// outgoing argument area.
type Location struct {
	Kind   LocKind
	Index  int
	Offset uint32
}

// Part is a byte range of a value and where it travels.
type Part struct {
	Loc    Location
	Offset uint64
	Size   uint64
	Type   api.ValueType
	Ext    Ext
}

func scalarType(k layout.Kind, size uint64) api.ValueType {
	switch {
	case k == layout.KindFloat32:
		return api.ValueTypeF32
	case k == layout.KindFloat64:
		return api.ValueTypeF64
	case size == 8:
		return api.ValueTypeI64
	default:
		return api.ValueTypeI32
	}
}

func scalarExt(k layout.Kind, size, slot uint64) Ext {
	if size >= slot {
		return ExtNone
	}
	switch k {
	case layout.KindBool, layout.KindPointer:
		return ExtZero
	case layout.KindInt8, layout.KindInt16, layout.KindInt32:
		return ExtSign
	}
	return ExtNone
}

// singleScalar reports the lone scalar leaf of an aggregate that is laid
// out exactly like that scalar.
func singleScalar(l layout.Layout) (layout.Leaf, bool) {
	leaves := layout.Flatten(l)
	if len(leaves) != 1 || leaves[0].Size != l.Size() {
		return layout.Leaf{}, false
	}
	return leaves[0], true
}
