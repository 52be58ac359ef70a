package engine

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/layout"
	"github.com/wippyai/wasm-ffi/memory"
)

// scratch is a fixed address in the reserved region used by native test
// code for temporaries.
const scratch = 1024

// callbackLib calls function pointers through ffi trampolines.
func callbackLib() *wasmbin.ModuleBuilder {
	b := newLibBuilder()
	callI32 := b.ImportFunc("ffi", "call_i32", vt(tI32, tI32), vt(tI32))
	callVoid := b.ImportFunc("ffi", "call_void", vt(tI32), nil)
	callRetPtr := b.ImportFunc("ffi", "call_ret_ptr", vt(tI32), vt(tI32))
	callI32I32 := b.ImportFunc("ffi", "call_i32_i32", vt(tI32, tI32, tI32), vt(tI32))

	// int apply(int (*fn)(int), int x)
	b.Func("apply", vt(tI32, tI32), vt(tI32), wasmbin.NewCode().
		LocalGet(0).LocalGet(1).Call(callI32))

	// int apply_point(int (*fn)(Point), int x, int y): the Point is built
	// in scratch memory and passed by reference
	b.Func("apply_point", vt(tI32, tI32, tI32), vt(tI32), wasmbin.NewCode().
		I32Const(scratch).LocalGet(1).I32Store(0).
		I32Const(scratch).LocalGet(2).I32Store(4).
		LocalGet(0).I32Const(scratch).Call(callI32))

	// void run(void (*fn)(void))
	b.Func("run", vt(tI32), nil, wasmbin.NewCode().
		LocalGet(0).Call(callVoid))

	// void *get_ptr(void *(*fn)(void))
	b.Func("get_ptr", vt(tI32), vt(tI32), wasmbin.NewCode().
		LocalGet(0).Call(callRetPtr))

	// int apply2(int (*fn)(int, int), int a, int b)
	b.Func("apply2", vt(tI32, tI32, tI32), vt(tI32), wasmbin.NewCode().
		LocalGet(0).LocalGet(1).LocalGet(2).Call(callI32I32))

	// Point notify_point(void (*fn)(void)): runs fn, then fills the
	// hidden return buffer
	b.Func("notify_point", vt(tI32, tI32), nil, wasmbin.NewCode().
		LocalGet(1).Call(callVoid).
		LocalGet(0).I32Const(1).I32Store(0).
		LocalGet(0).I32Const(2).I32Store(4))

	b.Func("add", vt(tI32, tI32), vt(tI32), wasmbin.NewCode().
		LocalGet(0).LocalGet(1).I32Add())
	return b
}

type callbackFixture struct {
	e     *Engine
	lib   *Library
	scope *memory.Scope
	apply *Downcall
}

func newCallbackFixture(t *testing.T) *callbackFixture {
	t.Helper()
	e := newTestEngine(t, nil)
	lib := loadLib(t, e, "cb", callbackLib())
	scope := memory.NewSharedScope(e.Space())
	t.Cleanup(func() { _ = scope.Close() })
	return &callbackFixture{
		e:     e,
		lib:   lib,
		scope: scope,
		apply: mustDowncall(t, e, lib, "apply", []layout.Layout{ptr32, layout.Int32()}, layout.Int32()),
	}
}

func (f *callbackFixture) upcall(t *testing.T, fn any, args []layout.Layout, ret layout.Layout) *Upcall {
	t.Helper()
	uf, ok := fn.(UpcallFunc)
	if !ok {
		var err error
		if uf, err = Func(fn); err != nil {
			t.Fatalf("Func failed: %v", err)
		}
	}
	up, err := f.e.Upcall(f.scope, uf, args, ret)
	if err != nil {
		t.Fatalf("Upcall failed: %v", err)
	}
	return up
}

var intToInt = []layout.Layout{layout.Int32()}

func TestUpcall_Callback(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	up := f.upcall(t, func(x int32) int32 { return x * 2 }, intToInt, layout.Int32())
	if uint32(up.Address()) < funcBase {
		t.Errorf("stub address %#x below the function range", uint64(up.Address()))
	}

	got, err := f.apply.Call(ctx, up.Segment(), int32(21))
	if err != nil || got != int32(42) {
		t.Errorf("apply(segment): got %v, %v, want 42", got, err)
	}
	got, err = f.apply.Call(ctx, up.Address(), int32(-5))
	if err != nil || got != int32(-10) {
		t.Errorf("apply(address): got %v, %v, want -10", got, err)
	}
	if _, ok := f.e.SymbolAt(up.Address()); ok {
		t.Error("an upcall stub is not a library symbol")
	}
}

func TestUpcall_AddInts(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	calls := 0
	up := f.upcall(t, func(a, b int32) int32 { calls++; return a + b }, []layout.Layout{layout.Int32(), layout.Int32()}, layout.Int32())
	apply2 := mustDowncall(t, f.e, f.lib, "apply2", []layout.Layout{ptr32, layout.Int32(), layout.Int32()}, layout.Int32())

	for i := 0; i < 10; i++ {
		got, err := apply2.Call(ctx, up.Segment(), int32(111112), int32(111123))
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if got != int32(222235) {
			t.Errorf("call %d: got %v, want 222235", i, got)
		}
	}
	if calls != 10 {
		t.Errorf("calls: got %d, want 10", calls)
	}
}

func TestUpcall_NestedDowncall(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	add := mustDowncall(t, f.e, f.lib, "add", []layout.Layout{layout.Int32(), layout.Int32()}, layout.Int32())
	up := f.upcall(t, func(ctx context.Context, x int32) (int32, error) {
		v, err := add.Call(ctx, x, int32(100))
		if err != nil {
			return 0, err
		}
		return v.(int32), nil
	}, intToInt, layout.Int32())

	got, err := f.apply.Call(ctx, up.Segment(), int32(1))
	if err != nil || got != int32(101) {
		t.Errorf("got %v, %v, want 101", got, err)
	}
}

func TestUpcall_Failures(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()
	errBoom := stderrors.New("boom")

	tests := []struct {
		name string
		fn   any
		want []error
	}{
		{
			name: "callback error",
			fn:   func(int32) (int32, error) { return 0, errBoom },
			want: []error{errors.ErrUpcallFailed, errBoom},
		},
		{
			name: "callback panic",
			fn:   func(int32) int32 { panic("bad input") },
			want: []error{errors.ErrUpcallFailed},
		},
		{
			name: "panic with error",
			fn:   func(int32) int32 { panic(errBoom) },
			want: []error{errors.ErrUpcallFailed, errBoom},
		},
		{
			name: "arity mismatch",
			fn:   func(a, b int32) int32 { return a + b },
			want: []error{errors.ErrUpcallFailed, errors.ErrInvalidInput},
		},
		{
			name: "argument type mismatch",
			fn:   func(x int64) int32 { return int32(x) },
			want: []error{errors.ErrUpcallFailed, errors.ErrTypeMismatch},
		},
		{
			name: "result type mismatch",
			fn:   func(x int32) int64 { return int64(x) },
			want: []error{errors.ErrUpcallFailed, errors.ErrTypeMismatch},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			up := f.upcall(t, tc.fn, intToInt, layout.Int32())
			_, err := f.apply.Call(ctx, up.Segment(), int32(1))
			if err == nil {
				t.Fatal("expected an error")
			}
			for _, w := range tc.want {
				if !stderrors.Is(err, w) {
					t.Errorf("got %v, want it to match %v", err, w)
				}
			}
		})
	}

	// a failed call leaves nothing behind for the next one
	up := f.upcall(t, func(x int32) int32 { return x }, intToInt, layout.Int32())
	if got, err := f.apply.Call(ctx, up.Segment(), int32(3)); err != nil || got != int32(3) {
		t.Errorf("call after failures: got %v, %v", got, err)
	}
}

func TestUpcall_TrivialReentry(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	calls := 0
	up := f.upcall(t, func(x int32) int32 { calls++; return x }, intToInt, layout.Int32())

	trivial := mustDowncall(t, f.e, f.lib, "apply", []layout.Layout{ptr32, layout.Int32()}, layout.Int32(), abi.Trivial())
	_, err := trivial.Call(ctx, up.Segment(), int32(1))
	if !stderrors.Is(err, errors.ErrReentrancy) {
		t.Errorf("got %v, want reentrancy", err)
	}
	if calls != 0 {
		t.Errorf("callback ran %d times during a trivial call", calls)
	}

	if _, err := f.apply.Call(ctx, up.Segment(), int32(1)); err != nil || calls != 1 {
		t.Errorf("non-trivial call: err %v, calls %d", err, calls)
	}
}

func TestUpcall_StructArgument(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	var seen memory.Segment
	up := f.upcall(t, func(p memory.Segment) (int32, error) {
		seen = p
		x, err := p.GetInt32(0)
		if err != nil {
			return 0, err
		}
		y, err := p.GetInt32(4)
		if err != nil {
			return 0, err
		}
		return x * y, nil
	}, []layout.Layout{point}, layout.Int32())

	applyPoint := mustDowncall(t, f.e, f.lib, "apply_point", []layout.Layout{ptr32, layout.Int32(), layout.Int32()}, layout.Int32())
	got, err := applyPoint.Call(ctx, up.Segment(), int32(6), int32(7))
	if err != nil || got != int32(42) {
		t.Errorf("got %v, %v, want 42", got, err)
	}
	if addr, _ := seen.Address(); addr != scratch {
		t.Errorf("argument segment at %#x, want %#x", uint64(addr), scratch)
	}
	if seen.IsAlive() {
		t.Error("argument segment must not outlive the upcall")
	}
}

func TestUpcall_VoidCallback(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	calls := 0
	up := f.upcall(t, func() { calls++ }, nil, layout.Layout{})
	run := mustDowncall(t, f.e, f.lib, "run", []layout.Layout{ptr32}, layout.Layout{})
	for i := 0; i < 3; i++ {
		if _, err := run.Call(ctx, up.Segment()); err != nil {
			t.Fatalf("run failed: %v", err)
		}
	}
	if calls != 3 {
		t.Errorf("calls: got %d, want 3", calls)
	}
}

func TestUpcall_PointerResults(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()
	getPtr := mustDowncall(t, f.e, f.lib, "get_ptr", []layout.Layout{ptr32}, ptr32)

	returning := func(v any) UpcallFunc {
		return func(context.Context, []any) (any, error) { return v, nil }
	}

	up := f.upcall(t, returning(memory.Address(0x40)), nil, ptr32)
	res, err := getPtr.Call(ctx, up.Segment())
	if err != nil {
		t.Fatalf("get_ptr failed: %v", err)
	}
	if addr, _ := res.(memory.Segment).Address(); addr != 0x40 {
		t.Errorf("got %#x, want 0x40", uint64(addr))
	}

	up = f.upcall(t, returning(nil), nil, ptr32)
	if _, err := getPtr.Call(ctx, up.Segment()); !stderrors.Is(err, errors.ErrNullResult) {
		t.Errorf("nil result: got %v", err)
	}

	up = f.upcall(t, returning(memory.HeapSegment(8)), nil, ptr32)
	if _, err := getPtr.Call(ctx, up.Segment()); !stderrors.Is(err, errors.ErrHeapSegment) {
		t.Errorf("heap result: got %v", err)
	}

	up = f.upcall(t, returning(memory.Segment{}), nil, ptr32)
	res, err = getPtr.Call(ctx, up.Segment())
	if err != nil || !res.(memory.Segment).IsNull() {
		t.Errorf("explicit NULL: got %v, %v", res, err)
	}
}

func TestUpcall_ScopeLifetime(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	scope := memory.NewConfinedScope(f.e.Space())
	fn, _ := Func(func(x int32) int32 { return x })
	up, err := f.e.Upcall(scope, fn, intToInt, layout.Int32())
	if err != nil {
		t.Fatalf("Upcall failed: %v", err)
	}
	addr := up.Address()
	if err := scope.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := f.apply.Call(ctx, up.Segment(), int32(1)); !stderrors.Is(err, errors.ErrClosedScope) {
		t.Errorf("segment of closed stub: got %v", err)
	}
	if _, err := f.apply.Call(ctx, addr, int32(1)); !stderrors.Is(err, errors.ErrNotFound) {
		t.Errorf("raw address of closed stub: got %v", err)
	}
	if _, err := f.e.Upcall(scope, fn, intToInt, layout.Int32()); !stderrors.Is(err, errors.ErrClosedScope) {
		t.Errorf("Upcall on closed scope: got %v", err)
	}
}

func TestUpcall_RejectsOptions(t *testing.T) {
	f := newCallbackFixture(t)
	fn, _ := Func(func(x int32) int32 { return x })

	for _, opt := range []abi.Option{abi.Trivial(), abi.VariadicFrom(0), abi.CaptureCallState(abi.CaptureErrno)} {
		if _, err := f.e.Upcall(f.scope, fn, intToInt, layout.Int32(), opt); !stderrors.Is(err, errors.ErrInvalidOption) {
			t.Errorf("got %v, want invalid_option", err)
		}
	}
}

func TestUpcall_TrampolineToSymbol(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()
	math := loadLib(t, f.e, "math", mathLib())

	identity, _ := math.Lookup("identity")
	got, err := f.apply.Call(ctx, identity.Address(), int32(77))
	if err != nil || got != int32(77) {
		t.Errorf("apply(identity): got %v, %v, want 77", got, err)
	}

	add, _ := math.Lookup("add")
	if _, err := f.apply.Call(ctx, add.Address(), int32(1)); !stderrors.Is(err, errors.ErrSignatureMismatch) {
		t.Errorf("apply(add): got %v, want signature_mismatch", err)
	}
}

func TestFunc_Validation(t *testing.T) {
	tests := []struct {
		fn   any
		name string
	}{
		{42, "not a function"},
		{func(...int32) {}, "variadic"},
		{func() (int32, int32) { return 0, 0 }, "second result not error"},
		{func() (int32, int32, error) { return 0, 0, nil }, "three results"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Func(tc.fn); !stderrors.Is(err, errors.ErrTypeMismatch) {
				t.Errorf("got %v, want type_mismatch", err)
			}
		})
	}

	fn, err := Func(func(ctx context.Context, s memory.Segment) error {
		if ctx == nil {
			return stderrors.New("missing context")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Func failed: %v", err)
	}
	if _, err := fn(context.Background(), []any{nil}); err != nil {
		t.Errorf("nil argument should become the zero value: %v", err)
	}
}

// sysvCallbackLib passes a small struct to a callback in registers.
func sysvCallbackLib() *wasmbin.ModuleBuilder {
	b := newLibBuilder()
	callPt := b.ImportFunc("ffi", "call_pt", vt(tI32, tI64), vt(tI64))

	// int apply_pt(int (*fn)(Point), Point p)
	b.Func("apply_pt", vt(tI64, tI64), vt(tI64), wasmbin.NewCode().
		LocalGet(0).I32WrapI64().LocalGet(1).Call(callPt))
	return b
}

func TestUpcall_SysVRegisterAggregate(t *testing.T) {
	e := newTestEngine(t, &Config{ABI: abi.SysV})
	lib := loadLib(t, e, "sysvcb", sysvCallbackLib())
	ctx := context.Background()

	scope := memory.NewConfinedScope(e.Space())
	defer scope.Close()

	fn, _ := Func(func(p memory.Segment) int32 {
		x, _ := p.GetInt32(0)
		y, _ := p.GetInt32(4)
		return x - y
	})
	up, err := e.Upcall(scope, fn, []layout.Layout{point}, layout.Int32())
	if err != nil {
		t.Fatalf("Upcall failed: %v", err)
	}

	applyPt := mustDowncall(t, e, lib, "apply_pt", []layout.Layout{layout.Pointer(layout.LP64), point}, layout.Int32())
	arg := memory.HeapSegment(point.Size())
	_ = arg.SetInt32(0, 10)
	_ = arg.SetInt32(4, 25)
	got, err := applyPt.Call(ctx, up.Segment(), arg)
	if err != nil || got != int32(-15) {
		t.Errorf("got %v, %v, want -15", got, err)
	}
}

func TestDowncall_ResultScopePinned(t *testing.T) {
	f := newCallbackFixture(t)
	ctx := context.Background()

	result := memory.NewConfinedScope(f.e.Space())
	var closeErr error
	up := f.upcall(t, func() { closeErr = result.Close() }, nil, layout.Layout{})
	notify := mustDowncall(t, f.e, f.lib, "notify_point", []layout.Layout{ptr32}, point)

	res, err := notify.Call(ctx, result, up.Segment())
	if err != nil {
		t.Fatalf("notify_point failed: %v", err)
	}
	if !stderrors.Is(closeErr, errors.ErrScopeBusy) {
		t.Errorf("close during the call: got %v, want scope_busy", closeErr)
	}
	if !result.IsAlive() {
		t.Fatal("result scope closed while native code held its memory")
	}

	seg := res.(memory.Segment)
	x, _ := seg.GetInt32(0)
	y, _ := seg.GetInt32(4)
	if x != 1 || y != 2 {
		t.Errorf("result: got {%d, %d}, want {1, 2}", x, y)
	}
	if err := result.Close(); err != nil {
		t.Errorf("close after the call: %v", err)
	}
}

func TestUpcall_EscapingPointerResult(t *testing.T) {
	ctx := context.Background()

	t.Run("register aggregate copy", func(t *testing.T) {
		e := newTestEngine(t, &Config{ABI: abi.SysV})
		lib := loadLib(t, e, "sysvcb", sysvCallbackLib())
		scope := memory.NewConfinedScope(e.Space())
		defer scope.Close()

		ptr64 := layout.Pointer(layout.LP64)
		fn, _ := Func(func(p memory.Segment) memory.Segment { return p })
		up, err := e.Upcall(scope, fn, []layout.Layout{point}, ptr64)
		if err != nil {
			t.Fatalf("Upcall failed: %v", err)
		}
		applyPt := mustDowncall(t, e, lib, "apply_pt", []layout.Layout{ptr64, point}, ptr64)

		_, err = applyPt.Call(ctx, up.Segment(), memory.HeapSegment(point.Size()))
		if !stderrors.Is(err, errors.ErrUpcallFailed) || !stderrors.Is(err, errors.ErrEscapingSegment) {
			t.Errorf("got %v, want upcall_failed wrapping escaping_segment", err)
		}
	})

	t.Run("caller memory by reference", func(t *testing.T) {
		f := newCallbackFixture(t)
		up := f.upcall(t, func(p memory.Segment) memory.Segment { return p }, []layout.Layout{point}, ptr32)
		applyPoint := mustDowncall(t, f.e, f.lib, "apply_point", []layout.Layout{ptr32, layout.Int32(), layout.Int32()}, ptr32)

		res, err := applyPoint.Call(ctx, up.Segment(), int32(3), int32(4))
		if err != nil {
			t.Fatalf("apply_point failed: %v", err)
		}
		if addr, _ := res.(memory.Segment).Address(); addr != scratch {
			t.Errorf("got %#x, want %#x", uint64(addr), scratch)
		}
	})
}
