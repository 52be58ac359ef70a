package runtime

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/manifest"
)

var i32 = api.ValueTypeI32

func vt(ts ...api.ValueType) []api.ValueType { return ts }

const textManifest = `
[library]
name = "text"
abi = "wasm32"

[structs.point]
fields = [
    { name = "x", type = "s32" },
    { name = "y", type = "s32" },
]

[functions.add]
signature = "func(a: s32, b: s32) -> s32"

[functions.sum_point]
signature = "func(p: point) -> s32"

[functions.make_point]
signature = "func(x: s32, y: s32) -> point"

[functions.strlen]
signature = "func(s: string) -> u32"

[functions.greet]
signature = "func() -> string"

[functions.same_u8]
signature = "func(v: u8) -> u8"

[functions.fail_with]
signature = "func(code: s32) -> s32"
capture = ["errno"]
`

// textLib is a wasm32 library matching textManifest.
func textLib() []byte {
	b := wasmbin.NewModuleBuilder()
	b.ImportMemory("env", "memory", 1)
	setErrno := b.ImportFunc("ffi", "set_errno", vt(i32), nil)

	b.Func("add", vt(i32, i32), vt(i32), wasmbin.NewCode().
		LocalGet(0).LocalGet(1).I32Add())
	b.Func("sum_point", vt(i32), vt(i32), wasmbin.NewCode().
		LocalGet(0).I32Load(0).LocalGet(0).I32Load(4).I32Add())
	b.Func("make_point", vt(i32, i32, i32), nil, wasmbin.NewCode().
		LocalGet(0).LocalGet(1).I32Store(0).
		LocalGet(0).LocalGet(2).I32Store(4))
	b.Func("strlen", vt(i32), vt(i32), wasmbin.NewCode(i32).
		Block().Loop().
		LocalGet(0).LocalGet(1).I32Add().I32Load8U(0).I32Eqz().BrIf(1).
		LocalGet(1).I32Const(1).I32Add().LocalSet(1).
		Br(0).
		End().End().
		LocalGet(1))
	b.Func("greet", nil, vt(i32), wasmbin.NewCode().I32Const(1024))
	b.Func("same_u8", vt(i32), vt(i32), wasmbin.NewCode().LocalGet(0))
	b.Func("fail_with", vt(i32), vt(i32), wasmbin.NewCode().
		LocalGet(0).Call(setErrno).I32Const(-1))
	b.Data(1024, []byte("hello\x00"))
	return b.Build()
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func loadText(t *testing.T, rt *Runtime) *Library {
	t.Helper()
	m, err := manifest.Parse([]byte(textManifest))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	lib, err := rt.Load(context.Background(), m, textLib())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return lib
}

func TestLibrary_Call(t *testing.T) {
	rt := newTestRuntime(t)
	lib := loadText(t, rt)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   string
		args []any
		want any
	}{
		{"ints", "add", []any{2, 3}, int32(5)},
		{"json floats", "add", []any{float64(40), float64(2)}, int32(42)},
		{"struct map", "sum_point", []any{map[string]any{"x": 3, "y": 4}}, int32(7)},
		{"struct list", "sum_point", []any{[]any{10, -4}}, int32(6)},
		{"string arg", "strlen", []any{"hello, world"}, uint32(12)},
		{"empty string", "strlen", []any{""}, uint32(0)},
		{"string result", "greet", nil, "hello"},
		{"unsigned round trip", "same_u8", []any{200}, uint8(200)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := lib.Call(ctx, tc.fn, tc.args...)
			if err != nil {
				t.Fatalf("Call: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v (%T), want %v (%T)", got, got, tc.want, tc.want)
			}
		})
	}
}

func TestLibrary_AggregateResult(t *testing.T) {
	rt := newTestRuntime(t)
	lib := loadText(t, rt)

	got, err := lib.Call(context.Background(), "make_point", 5, -6)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("got %T, want map[string]any", got)
	}
	if m["x"] != int32(5) || m["y"] != int32(-6) {
		t.Errorf("got %v, want x=5 y=-6", m)
	}
}

func TestFunction_CallWithState(t *testing.T) {
	rt := newTestRuntime(t)
	lib := loadText(t, rt)
	ctx := context.Background()

	fn, ok := lib.Function("fail_with")
	if !ok {
		t.Fatal("fail_with not bound")
	}
	got, state, err := fn.CallWithState(ctx, 13)
	if err != nil {
		t.Fatalf("CallWithState: %v", err)
	}
	if got != int32(-1) || state.Errno != 13 {
		t.Errorf("got %v errno %d, want -1 errno 13", got, state.Errno)
	}

	add, _ := lib.Function("add")
	if _, _, err := add.CallWithState(ctx, 1, 2); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("add has no capture: got %v", err)
	}
}

func TestLibrary_CallErrors(t *testing.T) {
	rt := newTestRuntime(t)
	lib := loadText(t, rt)
	ctx := context.Background()

	tests := []struct {
		name string
		fn   string
		args []any
		want error
	}{
		{"unknown function", "nope", nil, errors.ErrNotFound},
		{"arity", "add", []any{1}, errors.ErrInvalidInput},
		{"out of range", "same_u8", []any{300}, errors.ErrInvalidData},
		{"negative unsigned", "same_u8", []any{-1}, errors.ErrInvalidData},
		{"fractional int", "add", []any{1.5, 2}, errors.ErrInvalidData},
		{"wrong type", "add", []any{"one", 2}, errors.ErrTypeMismatch},
		{"missing field", "sum_point", []any{map[string]any{"x": 1}}, errors.ErrInvalidData},
		{"struct from int", "sum_point", []any{7}, errors.ErrTypeMismatch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := lib.Call(ctx, tc.fn, tc.args...)
			if !stderrors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}

	_, err := lib.Call(ctx, "sum_point", map[string]any{"x": "a", "y": 1})
	var e *errors.Error
	if !stderrors.As(err, &e) || len(e.Path) != 2 || e.Path[0] != "p" || e.Path[1] != "x" {
		t.Errorf("error should point at p.x: %v", err)
	}
}

func TestRuntime_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("abi mismatch", func(t *testing.T) {
		rt, err := New(ctx, &engine.Config{ABI: abi.SysV})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		defer rt.Close(ctx)
		m, _ := manifest.Parse([]byte(textManifest))
		if _, err := rt.Load(ctx, m, textLib()); !stderrors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("got %v, want invalid input", err)
		}
	})

	t.Run("missing export", func(t *testing.T) {
		rt := newTestRuntime(t)
		m, _ := manifest.Parse([]byte(textManifest + "\n[functions.absent]\nsignature = \"func()\"\n"))
		if _, err := rt.Load(ctx, m, textLib()); !stderrors.Is(err, errors.ErrNotFound) {
			t.Errorf("got %v, want not found", err)
		}
		if _, ok := rt.Engine().Library("text"); ok {
			t.Error("a failed bind must unload the library")
		}
	})

	t.Run("signature mismatch", func(t *testing.T) {
		rt := newTestRuntime(t)
		m, _ := manifest.Parse([]byte(textManifest))
		m.Functions["add"] = manifest.FunctionSpec{Signature: "func(a: f64, b: f64) -> f64"}
		if _, err := rt.Load(ctx, m, textLib()); !stderrors.Is(err, errors.ErrSignatureMismatch) {
			t.Errorf("got %v, want signature mismatch", err)
		}
	})

	t.Run("file", func(t *testing.T) {
		dir := t.TempDir()
		if err := os.WriteFile(filepath.Join(dir, "text.wasm"), textLib(), 0o644); err != nil {
			t.Fatal(err)
		}
		mf := filepath.Join(dir, "text.toml")
		body := []byte(`[library]
name = "text"
wasm = "text.wasm"

[functions.add]
signature = "func(a: s32, b: s32) -> s32"
`)
		if err := os.WriteFile(mf, body, 0o644); err != nil {
			t.Fatal(err)
		}

		rt := newTestRuntime(t)
		lib, err := rt.LoadFile(ctx, mf)
		if err != nil {
			t.Fatalf("LoadFile: %v", err)
		}
		if got, err := lib.Call(ctx, "add", 1, 1); err != nil || got != int32(2) {
			t.Errorf("add: got %v, %v", got, err)
		}
		if names := rt.Libraries(); len(names) != 1 || names[0] != "text" {
			t.Errorf("Libraries: got %v", names)
		}
		if err := lib.Close(ctx); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if len(rt.Libraries()) != 0 {
			t.Error("closed library still listed")
		}
	})
}

func TestFunction_Signature(t *testing.T) {
	rt := newTestRuntime(t)
	lib := loadText(t, rt)

	fns := lib.Functions()
	if len(fns) != 7 || fns[0].Name() != "add" {
		t.Fatalf("Functions: got %d, first %s", len(fns), fns[0].Name())
	}
	fn, _ := lib.Function("sum_point")
	if got, want := fn.Signature(), "func(p: point) -> s32"; got != want {
		t.Errorf("Signature: got %q, want %q", got, want)
	}
	if fn.Plan().Args[0].Class != abi.Reference {
		t.Errorf("wasm32 struct argument: got %v, want reference", fn.Plan().Args[0].Class)
	}
}
