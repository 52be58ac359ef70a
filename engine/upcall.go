package engine

import (
	"context"
	"fmt"
	"reflect"
	"strconv"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
	"github.com/wippyai/wasm-ffi/memory"
)

// UpcallFunc is a Go callback reachable from native code. Arguments
// arrive as Go values: primitives by their Go type, pointers and
// aggregates as segments. Aggregate segments are valid only until the
// callback returns.
type UpcallFunc func(ctx context.Context, args []any) (any, error)

// Upcall is a native function pointer that calls back into Go. It lives
// until its scope closes.
type Upcall struct {
	engine *Engine
	fn     UpcallFunc
	plan   *abi.CallPlan
	scope  *memory.Scope
	addr   memory.Address
}

// callbackError marks a failure raised on the Go side of an upcall.
type callbackError struct {
	cause error
}

func (e *callbackError) Error() string { return "callback: " + e.cause.Error() }
func (e *callbackError) Unwrap() error { return e.cause }

// Upcall creates a stub for fn with the given native signature. The stub
// is released when scope closes. Upcalls take no call options.
func (e *Engine) Upcall(scope *memory.Scope, fn UpcallFunc, args []layout.Layout, ret layout.Layout, opts ...abi.Option) (*Upcall, error) {
	if err := e.checkOpen(errors.PhaseLink); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.InvalidInput(errors.PhaseLink, "upcall function is nil")
	}
	if scope == nil {
		return nil, errors.InvalidInput(errors.PhaseLink, "upcall scope is nil")
	}
	if !scope.IsAlive() {
		return nil, errors.ClosedScope(errors.PhaseLink)
	}

	plan, err := e.Plan(args, ret, abi.Upcall, opts...)
	if err != nil {
		return nil, err
	}

	u := &Upcall{engine: e, fn: fn, plan: plan, scope: scope}
	addr, err := e.funcs.add(u)
	if err != nil {
		return nil, err
	}
	u.addr = addr
	if err := scope.AddCleanup(func() error {
		e.funcs.remove(addr)
		debugf("upcall %#x released", uint64(addr))
		return nil
	}); err != nil {
		e.funcs.remove(addr)
		return nil, err
	}

	debugf("upcall %#x created: %s", uint64(addr), plan)
	return u, nil
}

// Address returns the function pointer value.
func (u *Upcall) Address() memory.Address { return u.addr }

// Segment returns the function pointer as a zero-length segment tied to
// the upcall's scope, ready to pass as a pointer argument.
func (u *Upcall) Segment() memory.Segment { return u.scope.View(u.addr, 0) }

// Plan returns the resolved call plan.
func (u *Upcall) Plan() *abi.CallPlan { return u.plan }

func (u *Upcall) describe() string { return "upcall@" + strconv.FormatUint(uint64(u.addr), 16) }

// invoke runs the callback for a native indirect call. Failures unwind
// the native frames and are reported by the downcall that entered them.
func (u *Upcall) invoke(ctx context.Context, params, results []api.ValueType, stack []uint64) {
	plan := u.plan
	if !sameTypes(params, plan.Params) || !sameTypes(results, plan.Results) {
		abort(ctx, errors.New(errors.PhaseUpcall, errors.KindSignatureMismatch).
			Detail("%s called as %s, stub is %s", u.describe(),
				signatureString(params, results), signatureString(plan.Params, plan.Results)).
			Build())
	}

	ctx, cc := withCallContext(ctx)
	if err := cc.checkReentry(); err != nil {
		abort(ctx, err)
	}

	buf := getBuf64(max(len(params), len(results)))
	defer putBuf64(buf)
	copy(*buf, stack[1:1+len(params)])
	f := &frame{core: *buf}

	// tmp views caller memory for the callback's duration; copies holds
	// register-passed aggregates and is freed on return.
	tmp := memory.NewConfinedScope(u.engine.space)
	copies := memory.NewConfinedScope(u.engine.space)
	defer func() {
		if err := multierr.Append(copies.Close(), tmp.Close()); err != nil {
			debugf("close upcall scope: %v", err)
		}
	}()
	if plan.NeedsStack() {
		sp := memory.Address(api.DecodeU32(f.core[plan.StackParam]))
		f.stack = tmp.View(sp, uint64(plan.StackSize))
	}

	args, err := u.liftArgs(f, tmp, copies)
	if err != nil {
		abort(ctx, &callbackError{cause: err})
	}
	result, err := u.run(ctx, args)
	if err != nil {
		abort(ctx, &callbackError{cause: err})
	}
	if err := u.lowerResult(f, copies, result); err != nil {
		abort(ctx, &callbackError{cause: err})
	}
	copy(stack, f.core[:len(results)])
}

func (u *Upcall) run(ctx context.Context, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("callback panicked: %w", e)
				return
			}
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return u.fn(ctx, args)
}

func (u *Upcall) liftArgs(f *frame, tmp, copies *memory.Scope) ([]any, error) {
	out := make([]any, len(u.plan.Args))
	for i, a := range u.plan.Args {
		l := a.Layout
		if l.Kind().IsPrimitive() {
			raw, err := f.get(a.Parts[0])
			if err != nil {
				return nil, argError(err, errors.PhaseUpcall, i)
			}
			out[i] = u.engine.liftScalar(l, raw)
			continue
		}

		var (
			seg memory.Segment
			err error
		)
		switch a.Class {
		case abi.Stack:
			seg, err = f.stack.Slice(uint64(a.Parts[0].Loc.Offset), l.Size())
		case abi.Reference:
			var raw uint64
			raw, err = f.get(a.Parts[0])
			seg = tmp.View(memory.Address(raw), l.Size())
		default:
			var data []byte
			data, err = f.gather(a.Parts, l.Size())
			if err == nil {
				seg, err = copies.AllocateFrom(data, l.Align())
			}
		}
		if err != nil {
			return nil, argError(err, errors.PhaseUpcall, i)
		}
		out[i] = seg
	}
	return out, nil
}

// liftScalar turns raw bits into the Go value of a primitive. Pointers
// become zero-length native segments, NULL the zero Segment.
func (e *Engine) liftScalar(l layout.Layout, raw uint64) any {
	v := memory.DecodeScalar(l, raw)
	if l.Kind() != layout.KindPointer {
		return v
	}
	if addr := v.(memory.Address); addr != 0 {
		return memory.View(e.space, addr, 0)
	}
	return memory.Segment{}
}

// lowerResult writes the callback result into f. Pointers into copies
// are rejected: that memory is freed before native code resumes.
func (u *Upcall) lowerResult(f *frame, copies *memory.Scope, v any) error {
	r := u.plan.Return
	if r.IsVoid() {
		return nil
	}
	l := r.Layout

	if l.Kind().IsPrimitive() {
		if l.Kind() == layout.KindPointer {
			if v == nil {
				return errors.NullResult(errors.PhaseUpcall, u.describe())
			}
			if seg, ok := asSegment(v); ok && seg.Scope() == copies {
				return errors.EscapingSegment(errors.PhaseUpcall, u.describe()+" result")
			}
		}
		raw, err := memory.EncodeScalar(l, v)
		if err != nil {
			return err
		}
		return f.put(r.Parts[0], raw)
	}

	seg, ok := asSegment(v)
	if !ok {
		return errors.TypeMismatch(errors.PhaseUpcall, []string{"result"}, fmt.Sprintf("%T", v), l.String())
	}
	data, err := seg.ReadAt(0, l.Size())
	if err != nil {
		return err
	}
	if r.Class != abi.HiddenReturnPointer {
		return f.scatter(r.Parts, data)
	}

	ptrSize := u.engine.DataModel().PointerSize()
	raw, err := f.get(abi.Part{Loc: r.Hidden, Size: ptrSize})
	if err != nil {
		return err
	}
	if err := memory.View(u.engine.space, memory.Address(raw), l.Size()).WriteAt(0, data); err != nil {
		return err
	}
	if r.Echo >= 0 {
		return f.put(abi.Part{
			Loc:  abi.Location{Kind: abi.LocResult, Index: r.Echo},
			Size: ptrSize,
			Type: u.plan.Results[r.Echo],
		}, raw)
	}
	return nil
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Func adapts a typed Go function to an UpcallFunc. The function may take
// a leading context.Context and may return nothing, a value, an error, or
// a value and an error. Argument Go types must match the lifted values
// exactly: int32 for an int32 layout, memory.Segment for pointers and
// aggregates.
func Func(fn any) (UpcallFunc, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, errors.New(errors.PhaseLink, errors.KindTypeMismatch).
			GoType(fmt.Sprintf("%T", fn)).
			Detail("upcall handler must be a function").
			Build()
	}
	t := rv.Type()
	if t.IsVariadic() {
		return nil, errors.New(errors.PhaseLink, errors.KindTypeMismatch).
			GoType(t.String()).
			Detail("variadic Go functions cannot be upcalls").
			Build()
	}

	first := 0
	if t.NumIn() > 0 && t.In(0) == contextType {
		first = 1
	}

	valueOut, errOut := -1, -1
	switch t.NumOut() {
	case 0:
	case 1:
		if t.Out(0) == errorType {
			errOut = 0
		} else {
			valueOut = 0
		}
	case 2:
		if t.Out(1) != errorType {
			return nil, errors.New(errors.PhaseLink, errors.KindTypeMismatch).
				GoType(t.String()).
				Detail("second result must be error").
				Build()
		}
		valueOut, errOut = 0, 1
	default:
		return nil, errors.New(errors.PhaseLink, errors.KindTypeMismatch).
			GoType(t.String()).
			Detail("upcall handler returns at most a value and an error").
			Build()
	}

	return func(ctx context.Context, args []any) (any, error) {
		if len(args) != t.NumIn()-first {
			return nil, errors.InvalidInput(errors.PhaseUpcall,
				fmt.Sprintf("%s takes %d arguments, native code passed %d", t, t.NumIn()-first, len(args)))
		}
		in := make([]reflect.Value, t.NumIn())
		if first == 1 {
			in[0] = reflect.ValueOf(&ctx).Elem()
		}
		for i, a := range args {
			want := t.In(first + i)
			if a == nil {
				in[first+i] = reflect.Zero(want)
				continue
			}
			av := reflect.ValueOf(a)
			if !av.Type().AssignableTo(want) {
				return nil, errors.TypeMismatch(errors.PhaseUpcall, []string{"arg" + strconv.Itoa(i)}, av.Type().String(), want.String())
			}
			in[first+i] = av
		}

		out := rv.Call(in)
		var err error
		if errOut >= 0 && !out[errOut].IsNil() {
			err = out[errOut].Interface().(error)
		}
		if valueOut < 0 {
			return nil, err
		}
		return out[valueOut].Interface(), err
	}, nil
}
