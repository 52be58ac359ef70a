package manifest

import (
	"strconv"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

// Type names understood besides the WIT primitives and declared
// aggregates.
const (
	TypePointer = "ptr"
	TypeString  = "string"
)

type resolver struct {
	m        *Manifest
	cache    map[string]layout.Layout
	visiting map[string]bool
	model    layout.DataModel
}

func newResolver(m *Manifest) *resolver {
	return &resolver{
		m:        m,
		model:    m.ABI().DataModel(),
		cache:    make(map[string]layout.Layout),
		visiting: make(map[string]bool),
	}
}

func (r *resolver) function(name string, spec FunctionSpec) (*Function, error) {
	sig, err := ParseSignature(spec.Signature)
	if err != nil {
		return nil, withPath(err, "functions", name)
	}

	fn := &Function{Name: name, NonNull: spec.NonNull}
	for _, p := range sig.Params {
		l, err := r.typeOf(p.Type)
		if err != nil {
			return nil, withPath(err, "functions", name, p.Name)
		}
		fn.Args = append(fn.Args, l.WithName(p.Name))
		fn.ArgNames = append(fn.ArgNames, p.Name)
		fn.ArgTypes = append(fn.ArgTypes, p.Type)
	}

	if sig.Result != "" {
		l, err := r.typeOf(sig.Result)
		if err != nil {
			return nil, withPath(err, "functions", name, "result")
		}
		fn.Ret = l
		fn.RetType = sig.Result
	}

	if spec.NonNull && fn.Ret.Kind() != layout.KindPointer {
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
			Path("functions", name, "non_null").
			Detail("non_null needs a pointer result").
			Build()
	}

	if spec.VariadicFrom != nil {
		fn.Options = append(fn.Options, abi.VariadicFrom(*spec.VariadicFrom))
	}
	if len(spec.Capture) > 0 {
		fn.Options = append(fn.Options, abi.CaptureCallState(spec.Capture...))
	}
	if spec.Trivial {
		fn.Options = append(fn.Options, abi.Trivial())
	}
	return fn, nil
}

// typeOf resolves a type spelling: a WIT primitive, ptr, string, a
// declared struct or union, or T[N] for a fixed array.
func (r *resolver) typeOf(s string) (layout.Layout, error) {
	s = strings.TrimSpace(s)

	if strings.HasSuffix(s, "]") {
		open := strings.LastIndex(s, "[")
		if open <= 0 {
			return layout.Layout{}, badType(s, "malformed array type")
		}
		n, err := strconv.ParseUint(strings.TrimSpace(s[open+1:len(s)-1]), 10, 32)
		if err != nil {
			return layout.Layout{}, badType(s, "array length must be a number")
		}
		elem, err := r.typeOf(s[:open])
		if err != nil {
			return layout.Layout{}, err
		}
		return layout.Sequence(n, elem), nil
	}

	switch s {
	case TypePointer, TypeString:
		return layout.Pointer(r.model), nil
	}

	if r.declared(s) {
		return r.named(s)
	}
	return r.primitive(s)
}

func (r *resolver) declared(name string) bool {
	if _, ok := r.m.Structs[name]; ok {
		return true
	}
	_, ok := r.m.Unions[name]
	return ok
}

func (r *resolver) primitive(s string) (layout.Layout, error) {
	t, err := wit.ParseType(s)
	if err != nil {
		return layout.Layout{}, errors.New(errors.PhaseParse, errors.KindNotFound).
			Value(s).
			Cause(err).
			Detail("unknown type %q", s).
			Build()
	}

	switch t.(type) {
	case wit.Bool:
		return layout.Bool(), nil
	case wit.S8, wit.U8:
		return layout.Int8(), nil
	case wit.S16, wit.U16:
		return layout.Int16(), nil
	case wit.S32, wit.U32, wit.Char:
		return layout.Int32(), nil
	case wit.S64, wit.U64:
		return layout.Int64(), nil
	case wit.F32:
		return layout.Float32(), nil
	case wit.F64:
		return layout.Float64(), nil
	case wit.String:
		return layout.Pointer(r.model), nil
	}
	return layout.Layout{}, errors.UnsupportedLayout(errors.PhaseParse, s, "only primitive WIT types map to native layouts")
}

// named resolves a declared aggregate, rejecting recursive definitions.
func (r *resolver) named(name string) (layout.Layout, error) {
	if l, ok := r.cache[name]; ok {
		return l, nil
	}

	agg, isStruct := r.m.Structs[name]
	section := "structs"
	if !isStruct {
		var ok bool
		if agg, ok = r.m.Unions[name]; !ok {
			return layout.Layout{}, errors.NotFound(errors.PhaseParse, "type", name)
		}
		section = "unions"
	}

	if r.visiting[name] {
		return layout.Layout{}, errors.New(errors.PhaseParse, errors.KindInvalidData).
			Path(section, name).
			Detail("type %s contains itself", name).
			Build()
	}
	r.visiting[name] = true
	defer delete(r.visiting, name)

	if len(agg.Fields) == 0 {
		return layout.Layout{}, errors.New(errors.PhaseParse, errors.KindInvalidData).
			Path(section, name).
			Detail("aggregate has no fields").
			Build()
	}

	members := make([]layout.Layout, 0, len(agg.Fields))
	seen := make(map[string]bool, len(agg.Fields))
	for _, f := range agg.Fields {
		if f.Name == "" || seen[f.Name] {
			return layout.Layout{}, errors.New(errors.PhaseParse, errors.KindInvalidData).
				Path(section, name).
				Value(f.Name).
				Detail("field names must be unique and non-empty").
				Build()
		}
		seen[f.Name] = true

		l, err := r.typeOf(f.Type)
		if err != nil {
			return layout.Layout{}, withPath(err, section, name, f.Name)
		}
		members = append(members, l.WithName(f.Name))
	}

	build := layout.Union
	if isStruct {
		build = layout.Struct
	}
	l := build(members...)
	if agg.Align > l.Align() {
		// trailing fill keeps the size a multiple of the raised alignment
		padded := layout.AlignTo(l.Size(), agg.Align)
		if pad := padded - l.Size(); pad > 0 {
			if !isStruct {
				pad = padded
			}
			l = build(append(members, layout.Padding(pad))...)
		}
	}
	if agg.Align != 0 {
		aligned, err := l.WithAlignment(agg.Align)
		if err != nil {
			return layout.Layout{}, withPath(err, section, name, "align")
		}
		l = aligned
	}

	r.cache[name] = l
	return l, nil
}

func badType(s, detail string) error {
	return errors.New(errors.PhaseParse, errors.KindInvalidData).Value(s).Detail("%s", detail).Build()
}

// withPath prefixes the location of a nested failure. Errors that
// already carry a path keep theirs after the prefix.
func withPath(err error, path ...string) error {
	e, ok := err.(*errors.Error)
	if !ok {
		return errors.Wrap(errors.PhaseParse, errors.KindInvalidData, err, strings.Join(path, "."))
	}
	cp := *e
	cp.Path = append(append([]string(nil), path...), e.Path...)
	return &cp
}
