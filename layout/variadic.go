package layout

import "github.com/wippyai/wasm-ffi/errors"

// CheckVariadic rejects layouts that C default argument promotion never
// passes through "...": bool, char, short and float.
func CheckVariadic(l Layout) error {
	switch l.kind {
	case KindBool, KindInt8, KindInt16, KindFloat32:
		return errors.UnsupportedLayout(errors.PhaseResolve, l.String(),
			"type is promoted in variadic calls; pass the promoted layout instead")
	case KindPadding:
		return errors.UnsupportedLayout(errors.PhaseResolve, l.String(), "padding is not a value")
	}
	return nil
}
