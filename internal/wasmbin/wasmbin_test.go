package wasmbin

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
)

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

func TestULEB128(t *testing.T) {
	tests := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
		{0xffffffff, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}
	for _, tc := range tests {
		got := EncodeULEB128(tc.v)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("encode %d: got %x, want %x", tc.v, got, tc.want)
		}
		v, n := DecodeULEB128(got)
		if v != tc.v || n != len(got) {
			t.Errorf("decode %x: got %d (%d bytes)", got, v, n)
		}
	}

	if _, n := DecodeULEB128([]byte{0x80, 0x80}); n != 0 {
		t.Errorf("truncated value: got n=%d, want 0", n)
	}
}

func TestSLEB128(t *testing.T) {
	tests := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{-1, []byte{0x7f}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-64, []byte{0x40}},
		{-65, []byte{0xbf, 0x7f}},
	}
	for _, tc := range tests {
		if got := EncodeSLEB128(tc.v); !bytes.Equal(got, tc.want) {
			t.Errorf("encode %d: got %x, want %x", tc.v, got, tc.want)
		}
	}
}

func libraryModule() []byte {
	b := NewModuleBuilder()
	b.ImportMemory("env", "memory", 1)
	malloc := b.ImportFunc("ffi", "malloc", []api.ValueType{i32}, []api.ValueType{i32})
	b.ImportFunc("other", "log", []api.ValueType{i64}, nil)
	b.Func("alloc4", nil, []api.ValueType{i32}, NewCode().I32Const(4).Call(malloc))
	return b.Build()
}

func TestImports(t *testing.T) {
	wasm := libraryModule()

	imports, err := Imports(wasm)
	if err != nil {
		t.Fatalf("Imports: %v", err)
	}
	want := []Import{
		{Module: "env", Name: "memory", Kind: ExternMemory},
		{Module: "ffi", Name: "malloc", Kind: ExternFunc},
		{Module: "other", Name: "log", Kind: ExternFunc},
	}
	if len(imports) != len(want) {
		t.Fatalf("got %d imports, want %d", len(imports), len(want))
	}
	for i, w := range want {
		got := imports[i]
		if got.Module != w.Module || got.Name != w.Name || got.Kind != w.Kind {
			t.Errorf("import %d: got %s.%s kind %d, want %s.%s kind %d", i, got.Module, got.Name, got.Kind, w.Module, w.Name, w.Kind)
		}
	}

	if ok, err := ImportsMemory(wasm, "env", "memory"); err != nil || !ok {
		t.Errorf("ImportsMemory: got %v, %v", ok, err)
	}
	if ok, err := DefinesMemory(wasm); err != nil || ok {
		t.Errorf("DefinesMemory: got %v, %v", ok, err)
	}
}

func TestRewriteImportModule(t *testing.T) {
	wasm := libraryModule()

	out, err := RewriteImportModule(wasm, "ffi", "ffi#mathlib")
	if err != nil {
		t.Fatalf("RewriteImportModule: %v", err)
	}
	imports, err := Imports(out)
	if err != nil {
		t.Fatalf("Imports after rewrite: %v", err)
	}
	got := []string{imports[0].Module, imports[1].Module, imports[2].Module}
	want := []string{"env", "ffi#mathlib", "other"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("import %d module: got %q, want %q", i, got[i], want[i])
		}
	}

	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)
	compiled, err := r.CompileModule(ctx, out)
	if err != nil {
		t.Fatalf("rewritten module does not compile: %v", err)
	}
	if fns := compiled.ImportedFunctions(); len(fns) != 2 {
		t.Errorf("imported functions: got %d", len(fns))
	} else if mod, name, _ := fns[0].Import(); mod != "ffi#mathlib" || name != "malloc" {
		t.Errorf("first import: got %s.%s", mod, name)
	}

	same, err := RewriteImportModule(wasm, "absent", "x")
	if err != nil || !bytes.Equal(same, wasm) {
		t.Error("rewrite without a match must return the input")
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		wasm []byte
	}{
		{"empty", nil},
		{"bad magic", []byte{0x01, 0x02, 0x03, 0x04, 0x01, 0x00, 0x00, 0x00}},
		{"truncated section", append(append([]byte(nil), header...), SectionImport, 0x10, 0x01)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Imports(tc.wasm)
			if err == nil {
				t.Fatal("expected an error")
			}
			var e *errors.Error
			if !stderrors.As(err, &e) || e.Phase != errors.PhaseParse {
				t.Errorf("got %v, want a parse error", err)
			}
		})
	}
}

func TestModuleBuilder_Runs(t *testing.T) {
	ctx := context.Background()
	r := wazero.NewRuntime(ctx)
	defer r.Close(ctx)

	env := NewModuleBuilder().Memory(1, 0, "memory").Build()
	if _, err := r.InstantiateWithConfig(ctx, env, wazero.NewModuleConfig().WithName("env")); err != nil {
		t.Fatalf("instantiate env: %v", err)
	}

	b := NewModuleBuilder()
	b.ImportMemory("env", "memory", 1)
	// sum(ptr, n) adds n consecutive i32 values
	b.Func("sum", []api.ValueType{i32, i32}, []api.ValueType{i32}, NewCode(i32).
		Block().Loop().
		LocalGet(1).I32Eqz().BrIf(1).
		LocalGet(2).LocalGet(0).I32Load(0).I32Add().LocalSet(2).
		LocalGet(0).I32Const(4).I32Add().LocalSet(0).
		LocalGet(1).I32Const(1).I32Sub().LocalSet(1).
		Br(0).
		End().End().
		LocalGet(2))
	b.Func("scale", []api.ValueType{api.ValueTypeF64}, []api.ValueType{api.ValueTypeF64}, NewCode().
		LocalGet(0).F64Const(2.5).F64Mul())
	b.Data(64, []byte{1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0, 4, 0, 0, 0})

	mod, err := r.InstantiateWithConfig(ctx, b.Build(), wazero.NewModuleConfig().WithName("lib"))
	if err != nil {
		t.Fatalf("instantiate lib: %v", err)
	}

	res, err := mod.ExportedFunction("sum").Call(ctx, 64, 4)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if got := api.DecodeI32(res[0]); got != 10 {
		t.Errorf("sum: got %d, want 10", got)
	}

	res, err = mod.ExportedFunction("scale").Call(ctx, api.EncodeF64(4))
	if err != nil {
		t.Fatalf("scale: %v", err)
	}
	if got := api.DecodeF64(res[0]); got != 10 {
		t.Errorf("scale: got %v, want 10", got)
	}
}
