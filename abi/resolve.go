package abi

import (
	"strconv"
	"strings"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

// Resolve computes the call plan for a signature. An invalid ret means the
// function returns nothing.
func Resolve(a ABI, args []layout.Layout, ret layout.Layout, dir Direction, opts ...Option) (*CallPlan, error) {
	o := BuildOptions(opts...)
	if err := o.validate(dir, len(args)); err != nil {
		return nil, err
	}

	model := a.DataModel()
	for i, l := range args {
		if err := checkLayout(l, model); err != nil {
			return nil, withArg(err, i)
		}
	}
	if ret.IsValid() {
		if err := checkLayout(ret, model); err != nil {
			return nil, err
		}
	}

	first, variadic := o.FirstVariadic()
	if variadic {
		for i := first; i < len(args); i++ {
			if err := layout.CheckVariadic(args[i]); err != nil {
				return nil, withArg(err, i)
			}
		}
	}

	b := newBuilder(a, dir, o)
	b.plan.Key = planKey(a, dir, args, ret, o)
	b.plan.Return.Layout = ret
	b.plan.Args = make([]ArgPlan, len(args))
	for i, l := range args {
		b.plan.Args[i] = ArgPlan{Layout: l, Variadic: variadic && i >= first}
	}

	switch a {
	case SysV:
		return resolveSysV(b), nil
	case AAPCS64:
		return resolveAAPCS64(b), nil
	default:
		return resolveWasm32(b), nil
	}
}

func checkLayout(l layout.Layout, model layout.DataModel) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if l.Kind() == layout.KindPadding {
		return errors.UnsupportedLayout(errors.PhaseResolve, l.String(), "padding is not a value")
	}
	if l.Size() == 0 {
		return errors.UnsupportedLayout(errors.PhaseResolve, l.String(), "zero-sized value")
	}
	for _, leaf := range layout.Flatten(l) {
		if leaf.Kind == layout.KindPointer && leaf.Size != model.PointerSize() {
			return errors.UnsupportedLayout(errors.PhaseResolve, l.String(),
				"pointer size "+strconv.FormatUint(leaf.Size, 10)+" does not match the "+model.String()+" data model")
		}
	}
	return nil
}

func withArg(err error, i int) error {
	if e, ok := err.(*errors.Error); ok {
		cp := *e
		cp.Path = append([]string{"arg" + strconv.Itoa(i)}, e.Path...)
		return &cp
	}
	return err
}

func planKey(a ABI, dir Direction, args []layout.Layout, ret layout.Layout, o Options) string {
	var b strings.Builder
	b.WriteString(a.String())
	b.WriteByte('|')
	b.WriteString(dir.String())
	b.WriteString("|(")
	for i, l := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.Canonical())
	}
	b.WriteString(")|")
	if ret.IsValid() {
		b.WriteString(ret.Canonical())
	} else {
		b.WriteString("void")
	}
	b.WriteByte('|')
	b.WriteString(o.String())
	return b.String()
}
