package runtime

import (
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/segmentio/encoding/json"

	wasmffi "github.com/wippyai/wasm-ffi"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
	"github.com/wippyai/wasm-ffi/manifest"
	"github.com/wippyai/wasm-ffi/memory"
)

// intRange is the accepted range of an integer type.
type intRange struct {
	min int64
	max uint64
}

var witRanges = map[string]intRange{
	"s8":  {math.MinInt8, math.MaxInt8},
	"u8":  {0, math.MaxUint8},
	"s16": {math.MinInt16, math.MaxInt16},
	"u16": {0, math.MaxUint16},
	"s32": {math.MinInt32, math.MaxInt32},
	"u32": {0, math.MaxUint32},
	"s64": {math.MinInt64, math.MaxInt64},
	"u64": {0, math.MaxUint64},
}

// kindRange applies to nested fields, whose signedness the layout does
// not record: both the signed and unsigned spellings are accepted.
func kindRange(l layout.Layout) intRange {
	bits := l.Size() * 8
	if bits >= 64 {
		return intRange{math.MinInt64, math.MaxUint64}
	}
	return intRange{-(int64(1) << (bits - 1)), (uint64(1) << bits) - 1}
}

func isUnsigned(typ string) bool {
	switch typ {
	case "u8", "u16", "u32", "u64", "char":
		return true
	}
	return false
}

func typeName(v any) string {
	if v == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", v)
}

// converter lowers loose Go values, as decoded from JSON, into the
// strict values a downcall takes. char parameters also take a
// one-character string. Strings and aggregates are allocated
// from scope.
type converter struct {
	scope *memory.Scope
}

// arg converts one top-level argument. typ is the type spelling from the
// manifest.
func (c *converter) arg(l layout.Layout, typ string, v any, path []string) (any, error) {
	if !l.Kind().IsPrimitive() {
		if seg, ok := v.(memory.Segment); ok {
			return seg, nil
		}
		seg, err := c.scope.Allocate(l)
		if err != nil {
			return nil, err
		}
		if err := c.store(seg, l, 0, v, path); err != nil {
			return nil, err
		}
		return seg, nil
	}

	if l.Kind() == layout.KindPointer && typ == manifest.TypeString {
		if s, ok := v.(string); ok {
			return c.scope.AllocateString(s)
		}
	}

	if s, ok := v.(string); ok && typ == "char" {
		return charValue(s, path)
	}

	r, ok := witRanges[typ]
	if !ok {
		r = kindRange(l)
	}
	return c.scalar(l, r, v, path)
}

func (c *converter) scalar(l layout.Layout, r intRange, v any, path []string) (any, error) {
	switch l.Kind() {
	case layout.KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "bool")
		}
		return b, nil

	case layout.KindInt8, layout.KindInt16, layout.KindInt32, layout.KindInt64:
		n, err := toInteger(v, r, path)
		if err != nil {
			return nil, err
		}
		switch l.Kind() {
		case layout.KindInt8:
			return int8(n), nil
		case layout.KindInt16:
			return int16(n), nil
		case layout.KindInt32:
			return int32(n), nil
		}
		return int64(n), nil

	case layout.KindFloat32, layout.KindFloat64:
		f, err := toFloat(v, path)
		if err != nil {
			return nil, err
		}
		if l.Kind() == layout.KindFloat32 {
			return float32(f), nil
		}
		return f, nil

	case layout.KindPointer:
		switch p := v.(type) {
		case *engine.Upcall:
			return p.Segment(), nil
		case nil, memory.Address, memory.Segment, *memory.Segment:
			return p, nil
		}
		n, err := toInteger(v, intRange{0, math.MaxUint32}, path)
		if err != nil {
			return nil, errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "ptr")
		}
		return memory.Address(n), nil
	}
	return nil, errors.UnsupportedLayout(errors.PhaseDowncall, l.String(), "not a scalar")
}

// toInteger returns the two's complement bits of v after checking r.
func toInteger(v any, r intRange, path []string) (uint64, error) {
	var (
		i   int64
		u   uint64
		uns bool
	)
	switch val := v.(type) {
	case int:
		i = int64(val)
	case int8:
		i = int64(val)
	case int16:
		i = int64(val)
	case int32:
		i = int64(val)
	case int64:
		i = val
	case uint:
		u, uns = uint64(val), true
	case uint8:
		u, uns = uint64(val), true
	case uint16:
		u, uns = uint64(val), true
	case uint32:
		u, uns = uint64(val), true
	case uint64:
		u, uns = val, true
	case float64:
		if val != math.Trunc(val) || math.IsInf(val, 0) {
			return 0, outOfRange(v, path)
		}
		if val < 0 {
			if val < math.MinInt64 {
				return 0, outOfRange(v, path)
			}
			i = int64(val)
		} else {
			if val >= math.MaxUint64 {
				return 0, outOfRange(v, path)
			}
			u, uns = uint64(val), true
		}
	case json.Number:
		if n, err := val.Int64(); err == nil {
			i = n
			break
		}
		f, err := val.Float64()
		if err != nil {
			return 0, errors.TypeMismatch(errors.PhaseDowncall, path, "json.Number", "integer")
		}
		return toInteger(f, r, path)
	default:
		return 0, errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "integer")
	}

	if uns {
		if u > r.max {
			return 0, outOfRange(v, path)
		}
		return u, nil
	}
	if i < r.min || (i > 0 && uint64(i) > r.max) {
		return 0, outOfRange(v, path)
	}
	return uint64(i), nil
}

func toFloat(v any, path []string) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint32:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return 0, errors.TypeMismatch(errors.PhaseDowncall, path, "json.Number", "float")
		}
		return f, nil
	}
	return 0, errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "float")
}

func charValue(s string, path []string) (any, error) {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 || n != len(s) || r == utf8.RuneError {
		return nil, errors.New(errors.PhaseDowncall, errors.KindInvalidData).
			Path(path...).
			Value(s).
			Detail("expected a single character").
			Build()
	}
	return int32(r), nil
}

func child(path []string, name string) []string {
	return append(append(make([]string, 0, len(path)+1), path...), name)
}

func outOfRange(v any, path []string) error {
	return errors.New(errors.PhaseDowncall, errors.KindInvalidData).
		Path(path...).
		Value(v).
		Detail("value out of range").
		Build()
}

// store writes v into seg at off according to l. Structs take a map
// keyed by field name or a list in field order, unions a map with one
// key and arrays a list or, for byte arrays, a string.
func (c *converter) store(seg memory.Segment, l layout.Layout, off uint64, v any, path []string) error {
	switch l.Kind() {
	case layout.KindStruct:
		return c.storeStruct(seg, l, off, v, path)

	case layout.KindUnion:
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			return errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "map with one member")
		}
		for i := 0; i < l.NumMembers(); i++ {
			name, _ := l.Member(i).Name()
			if fv, ok := m[name]; ok && name != "" {
				return c.store(seg, l.Member(i), off, fv, child(path, name))
			}
		}
		var key string
		for k := range m {
			key = k
		}
		return errors.PathNotFound(path, key)

	case layout.KindSequence:
		elem := l.Elem()
		if s, ok := v.(string); ok && elem.Kind() == layout.KindInt8 {
			if uint64(len(s)) > l.Count() {
				return outOfRange(v, path)
			}
			buf := make([]byte, l.Count())
			copy(buf, s)
			return seg.WriteAt(off, buf)
		}
		list, ok := v.([]any)
		if !ok {
			return errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "list")
		}
		if uint64(len(list)) != l.Count() {
			return errors.New(errors.PhaseDowncall, errors.KindInvalidData).
				Path(path...).
				Detail("expected %d elements, got %d", l.Count(), len(list)).
				Build()
		}
		for i, ev := range list {
			p := child(path, fmt.Sprintf("[%d]", i))
			if err := c.store(seg, elem, off+uint64(i)*elem.Size(), ev, p); err != nil {
				return err
			}
		}
		return nil

	case layout.KindPadding:
		return nil
	}

	if s, ok := v.(string); ok && l.Kind() == layout.KindPointer {
		// strings inside aggregates are copied out like arguments
		str, err := c.scope.AllocateString(s)
		if err != nil {
			return err
		}
		return seg.Set(l, off, str)
	}
	sv, err := c.scalar(l, kindRange(l), v, path)
	if err != nil {
		return err
	}
	return seg.Set(l, off, sv)
}

func (c *converter) storeStruct(seg memory.Segment, l layout.Layout, off uint64, v any, path []string) error {
	switch val := v.(type) {
	case map[string]any:
		for i := 0; i < l.NumMembers(); i++ {
			m := l.Member(i)
			if m.Kind() == layout.KindPadding {
				continue
			}
			name, _ := m.Name()
			fv, ok := val[name]
			if !ok {
				return errors.New(errors.PhaseDowncall, errors.KindInvalidData).
					Path(child(path, name)...).
					Detail("field is missing").
					Build()
			}
			if err := c.store(seg, m, off+l.MemberOffset(i), fv, child(path, name)); err != nil {
				return err
			}
		}
		return nil

	case []any:
		idx := 0
		for i := 0; i < l.NumMembers(); i++ {
			m := l.Member(i)
			if m.Kind() == layout.KindPadding {
				continue
			}
			if idx >= len(val) {
				return errors.New(errors.PhaseDowncall, errors.KindInvalidData).
					Path(path...).
					Detail("too few values for %s", l).
					Build()
			}
			name, _ := m.Name()
			if err := c.store(seg, m, off+l.MemberOffset(i), val[idx], child(path, name)); err != nil {
				return err
			}
			idx++
		}
		if idx != len(val) {
			return errors.New(errors.PhaseDowncall, errors.KindInvalidData).
				Path(path...).
				Detail("too many values for %s", l).
				Build()
		}
		return nil
	}
	return errors.TypeMismatch(errors.PhaseDowncall, path, typeName(v), "map[string]any or []any")
}

// result converts a downcall result into plain Go values. Aggregates
// become maps and lists, pointers become addresses, and string results
// are read up to their terminator.
func result(l layout.Layout, typ string, v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case memory.Segment:
		if l.Kind() != layout.KindPointer {
			return load(val, l, 0)
		}
		if val.IsNull() {
			return nil, nil
		}
		if typ == manifest.TypeString {
			return cString(val)
		}
		addr, err := val.Address()
		if err != nil {
			return nil, err
		}
		return uint64(addr), nil
	}
	if isUnsigned(typ) {
		return unsigned(v), nil
	}
	return v, nil
}

func unsigned(v any) any {
	switch n := v.(type) {
	case int8:
		return uint8(n)
	case int16:
		return uint16(n)
	case int32:
		return uint32(n)
	case int64:
		return uint64(n)
	}
	return v
}

// cString reads a NUL-terminated string at a zero-length pointer result.
func cString(seg memory.Segment) (string, error) {
	addr, err := seg.Address()
	if err != nil {
		return "", err
	}
	limit := uint64(math.MaxUint32) - uint64(addr)
	if sizer, ok := seg.Space().(wasmffi.MemorySizer); ok && uint64(sizer.Size()) > uint64(addr) {
		limit = uint64(sizer.Size()) - uint64(addr)
	}
	full, err := seg.Reinterpret(limit)
	if err != nil {
		return "", err
	}
	return full.GetString(0)
}

// load reads the value of l at off.
func load(seg memory.Segment, l layout.Layout, off uint64) (any, error) {
	switch l.Kind() {
	case layout.KindStruct, layout.KindUnion:
		out := make(map[string]any, l.NumMembers())
		for i := 0; i < l.NumMembers(); i++ {
			m := l.Member(i)
			if m.Kind() == layout.KindPadding {
				continue
			}
			v, err := load(seg, m, off+l.MemberOffset(i))
			if err != nil {
				return nil, err
			}
			name, ok := m.Name()
			if !ok {
				name = fmt.Sprintf("_%d", i)
			}
			out[name] = v
		}
		return out, nil

	case layout.KindSequence:
		elem := l.Elem()
		out := make([]any, l.Count())
		for i := range out {
			v, err := load(seg, elem, off+uint64(i)*elem.Size())
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	v, err := seg.Get(l, off)
	if err != nil {
		return nil, err
	}
	if addr, ok := v.(memory.Address); ok {
		return uint64(addr), nil
	}
	return v, nil
}
