package runtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/manifest"
	"github.com/wippyai/wasm-ffi/memory"
)

// Library is a loaded library with its manifest functions bound.
type Library struct {
	runtime  *Runtime
	lib      *engine.Library
	manifest *manifest.Manifest
	funcs    map[string]*Function
	order    []string
}

// Function is a manifest function bound to a downcall handle.
type Function struct {
	lib  *Library
	spec *manifest.Function
	dc   *engine.Downcall
}

func (l *Library) bind(spec *manifest.Function) (*Function, error) {
	sym, ok := l.lib.Lookup(spec.Name)
	if !ok {
		return nil, errors.NotFound(errors.PhaseLoad, "symbol", l.lib.Name()+"."+spec.Name)
	}
	dc, err := l.runtime.engine.Downcall(sym, spec.Args, spec.Ret, spec.Options...)
	if err != nil {
		return nil, err
	}
	if spec.NonNull {
		dc = dc.RequireNonNull()
	}
	return &Function{lib: l, spec: spec, dc: dc}, nil
}

// Name returns the library name.
func (l *Library) Name() string { return l.lib.Name() }

// Engine returns the engine-level library.
func (l *Library) Engine() *engine.Library { return l.lib }

// Manifest returns the manifest the library was bound with.
func (l *Library) Manifest() *manifest.Manifest { return l.manifest }

// Functions returns the bound functions sorted by name.
func (l *Library) Functions() []*Function {
	out := make([]*Function, len(l.order))
	for i, name := range l.order {
		out[i] = l.funcs[name]
	}
	return out
}

// Function returns a bound function by name.
func (l *Library) Function(name string) (*Function, bool) {
	fn, ok := l.funcs[name]
	return fn, ok
}

// Call invokes a bound function by name. See Function.Call.
func (l *Library) Call(ctx context.Context, name string, args ...any) (any, error) {
	fn, ok := l.funcs[name]
	if !ok {
		return nil, errors.NotFound(errors.PhaseDowncall, "function", l.Name()+"."+name)
	}
	return fn.Call(ctx, args...)
}

// Close unloads the library.
func (l *Library) Close(ctx context.Context) error {
	l.runtime.forget(l.Name())
	return l.lib.Close(ctx)
}

func (f *Function) Name() string               { return f.spec.Name }
func (f *Function) Spec() *manifest.Function   { return f.spec }
func (f *Function) Plan() *abi.CallPlan        { return f.dc.Plan() }
func (f *Function) Downcall() *engine.Downcall { return f.dc }

// Signature renders the manifest signature, for listings.
func (f *Function) Signature() string {
	s := "func("
	for i, name := range f.spec.ArgNames {
		if i > 0 {
			s += ", "
		}
		s += name + ": " + f.spec.ArgTypes[i]
	}
	s += ")"
	if f.spec.RetType != "" {
		s += " -> " + f.spec.RetType
	}
	return s
}

// Call converts args, invokes the function and converts the result.
//
// Arguments may be loose: any Go integer or float64 for numeric types,
// strings for string parameters and single-character char values, maps
// or lists for structs, unions and arrays. Strings and aggregates are
// copied into memory that lives for the duration of the call. Aggregate
// results come back as map[string]any, pointer results as uint64
// addresses, and string results as Go strings.
func (f *Function) Call(ctx context.Context, args ...any) (any, error) {
	v, _, err := f.call(ctx, args, false)
	return v, err
}

// CallWithState is Call that also returns the captured call state. The
// function must capture errno.
func (f *Function) CallWithState(ctx context.Context, args ...any) (any, engine.CallState, error) {
	if len(f.dc.Plan().Options.Captures()) == 0 {
		return nil, engine.CallState{}, errors.InvalidInput(errors.PhaseDowncall,
			fmt.Sprintf("%s does not capture call state", f.Name()))
	}
	return f.call(ctx, args, true)
}

func (f *Function) call(ctx context.Context, args []any, wantState bool) (any, engine.CallState, error) {
	var state engine.CallState
	if len(args) != len(f.spec.Args) {
		return nil, state, errors.InvalidInput(errors.PhaseDowncall,
			fmt.Sprintf("%s takes %d arguments, got %d", f.Name(), len(f.spec.Args), len(args)))
	}

	scope := memory.NewConfinedScope(f.lib.runtime.engine.Space())
	defer func() {
		if err := scope.Close(); err != nil {
			engine.Logger().Warn("close call scope", zap.String("function", f.Name()), zap.Error(err))
		}
	}()
	conv := &converter{scope: scope}

	plan := f.dc.Plan()
	callArgs := make([]any, 0, len(args)+2)
	if !plan.Return.IsVoid() && !plan.Return.Layout.Kind().IsPrimitive() {
		callArgs = append(callArgs, scope)
	}
	var capture memory.Segment
	if len(plan.Options.Captures()) > 0 {
		seg, err := scope.Allocate(engine.CaptureLayout)
		if err != nil {
			return nil, state, err
		}
		capture = seg
		callArgs = append(callArgs, capture)
	}

	for i, a := range args {
		v, err := conv.arg(f.spec.Args[i], f.spec.ArgTypes[i], a, []string{f.spec.ArgNames[i]})
		if err != nil {
			return nil, state, err
		}
		callArgs = append(callArgs, v)
	}

	raw, err := f.dc.Call(ctx, callArgs...)
	if err != nil {
		return nil, state, err
	}

	if wantState {
		if state, err = engine.ReadCallState(capture); err != nil {
			return nil, state, err
		}
	}
	out, err := result(f.spec.Ret, f.spec.RetType, raw)
	return out, state, err
}
