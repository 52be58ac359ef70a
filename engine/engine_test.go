package engine

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/layout"
)

var (
	tI32 = api.ValueTypeI32
	tI64 = api.ValueTypeI64
)

func vt(ts ...api.ValueType) []api.ValueType { return ts }

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func loadLib(t *testing.T, e *Engine, name string, b *wasmbin.ModuleBuilder) *Library {
	t.Helper()
	lib, err := e.LoadLibrary(context.Background(), name, b.Build())
	if err != nil {
		t.Fatalf("LoadLibrary(%s) failed: %v", name, err)
	}
	return lib
}

func newLibBuilder() *wasmbin.ModuleBuilder {
	b := wasmbin.NewModuleBuilder()
	b.ImportMemory("env", "memory", 1)
	return b
}

func mustDowncall(t *testing.T, e *Engine, lib *Library, name string, args []layout.Layout, ret layout.Layout, opts ...abi.Option) *Downcall {
	t.Helper()
	sym, ok := lib.Lookup(name)
	if !ok {
		t.Fatalf("symbol %s not found", name)
	}
	d, err := e.Downcall(sym, args, ret, opts...)
	if err != nil {
		t.Fatalf("Downcall(%s) failed: %v", name, err)
	}
	return d
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		cfg     *Config
		name    string
		wantErr bool
	}{
		{nil, "nil config", false},
		{&Config{MemoryPages: 2, MaxMemoryPages: 4}, "small memory", false},
		{&Config{MaxMemoryPages: maxMemoryPages + 1}, "overlaps function range", true},
		{&Config{MemoryPages: 8, MaxMemoryPages: 4}, "initial above max", true},
		{&Config{MemoryPages: 1, ReservedBytes: pageSize}, "no room above reserved", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := tc.cfg.withDefaults()
			err := c.validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("validate: got %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	e := newTestEngine(t, nil)

	if e.ABI() != abi.Wasm32 {
		t.Errorf("ABI: got %s, want wasm32", e.ABI())
	}
	if got := e.Space().(*nativeSpace).Size(); got != DefaultMemoryPages*pageSize {
		t.Errorf("memory size: got %d, want %d", got, DefaultMemoryPages*pageSize)
	}

	seg, err := e.GlobalScope().AllocateBytes(64, 8)
	if err != nil {
		t.Fatalf("AllocateBytes failed: %v", err)
	}
	addr, _ := seg.Address()
	if addr < DefaultReservedBytes {
		t.Errorf("allocation at %#x is inside the reserved region", uint64(addr))
	}
}

func TestEngine_CloseTwice(t *testing.T) {
	ctx := context.Background()
	e, err := New(ctx, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := e.Close(ctx); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := e.LoadLibrary(ctx, "late", newLibBuilder().Build()); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("LoadLibrary after Close: got %v", err)
	}
}

func TestLoadLibrary_Validation(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	own := wasmbin.NewModuleBuilder().Memory(1, 0, "memory")
	if _, err := e.LoadLibrary(ctx, "own", own.Build()); err == nil {
		t.Error("library with its own memory must be rejected")
	}

	loadLib(t, e, "dup", newLibBuilder())
	if _, err := e.LoadLibrary(ctx, "dup", newLibBuilder().Build()); !stderrors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("duplicate name: got %v", err)
	}

	bad := newLibBuilder()
	bad.ImportFunc("ffi", "call_f64", vt(api.ValueTypeF64), nil)
	if _, err := e.LoadLibrary(ctx, "bad", bad.Build()); err == nil {
		t.Error("trampoline without a function pointer must be rejected")
	}

	badMalloc := newLibBuilder()
	badMalloc.ImportFunc("ffi", "malloc", vt(tI64), vt(tI64))
	if _, err := e.LoadLibrary(ctx, "badmalloc", badMalloc.Build()); !stderrors.Is(err, errors.ErrSignatureMismatch) {
		t.Errorf("malloc with wrong signature: got %v", err)
	}

	if got := e.Libraries(); len(got) != 1 || got[0] != "dup" {
		t.Errorf("Libraries: got %v, want [dup]", got)
	}
}

func TestLibrary_Symbols(t *testing.T) {
	e := newTestEngine(t, nil)

	b := newLibBuilder()
	b.Func("zeta", nil, vt(tI32), wasmbin.NewCode().I32Const(1))
	b.Func("alpha", nil, vt(tI32), wasmbin.NewCode().I32Const(2))
	lib := loadLib(t, e, "syms", b)

	syms := lib.Symbols()
	if len(syms) != 2 || syms[0].Name() != "alpha" || syms[1].Name() != "zeta" {
		t.Fatalf("Symbols: got %v", syms)
	}
	for _, s := range syms {
		if uint32(s.Address()) < funcBase {
			t.Errorf("%s: address %#x below the function range", s, uint64(s.Address()))
		}
		got, ok := e.SymbolAt(s.Address())
		if !ok || got.Name() != s.Name() {
			t.Errorf("SymbolAt(%#x): got %v, %v", uint64(s.Address()), got, ok)
		}
	}
	if _, ok := lib.Lookup("missing"); ok {
		t.Error("Lookup of a missing export succeeded")
	}

	addr := syms[0].Address()
	if err := lib.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := e.SymbolAt(addr); ok {
		t.Error("symbol still resolvable after library close")
	}
	if _, ok := e.Library("syms"); ok {
		t.Error("closed library still registered")
	}
}

func TestPlanCache_Shared(t *testing.T) {
	e := newTestEngine(t, nil)
	args := []layout.Layout{layout.Int32(), layout.Int32()}

	p1, err := e.Plan(args, layout.Int32(), abi.Downcall)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	p2, _ := e.Plan(args, layout.Int32(), abi.Downcall)
	if p1 != p2 {
		t.Error("identical signatures should share one plan")
	}
	if hits, misses := e.PlanStats(); hits != 1 || misses != 1 {
		t.Errorf("stats: got %d hits %d misses, want 1 and 1", hits, misses)
	}
}

func TestMarshal_Extend(t *testing.T) {
	tests := []struct {
		name string
		raw  uint64
		size uint64
		ext  abi.Ext
		want uint64
	}{
		{"sign int8", 0xff, 1, abi.ExtSign, 0xffffffffffffffff},
		{"zero int8", 0xff, 1, abi.ExtZero, 0xff},
		{"sign positive int16", 0x7fff, 2, abi.ExtSign, 0x7fff},
		{"sign int32", 0x80000000, 4, abi.ExtSign, 0xffffffff80000000},
		{"drops high garbage", 0xdead00000001, 4, abi.ExtNone, 1},
		{"full width", 0x8000000000000000, 8, abi.ExtSign, 0x8000000000000000},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := extend(tc.raw, tc.size, tc.ext); got != tc.want {
				t.Errorf("got %#x, want %#x", got, tc.want)
			}
		})
	}

	part := abi.Part{Size: 1, Type: tI32, Ext: abi.ExtSign}
	if got := toSlot(0x80, part); got != 0xffffff80 {
		t.Errorf("toSlot i32: got %#x, want 0xffffff80", got)
	}
	if got := decodeLE(encodeLE(0x0102030405, 5)); got != 0x0102030405 {
		t.Errorf("LE round trip: got %#x", got)
	}
}

func TestFuncTable(t *testing.T) {
	ft := newFuncTable()
	u := &Upcall{}
	a1, err := ft.add(u)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	a2, _ := ft.add(u)
	if uint32(a1) != funcBase || a2-a1 != funcSlot {
		t.Errorf("addresses: got %#x and %#x", uint64(a1), uint64(a2))
	}
	if _, ok := ft.lookup(a1); !ok {
		t.Error("lookup of a registered address failed")
	}
	ft.remove(a1)
	if _, ok := ft.lookup(a1); ok {
		t.Error("removed address still resolves")
	}
	if ft.len() != 1 {
		t.Errorf("len: got %d, want 1", ft.len())
	}

	ft.next = 1<<32 - funcSlot/2
	if _, err := ft.add(u); err == nil {
		t.Error("expected exhaustion error")
	}
}
