package abi

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

func TestParseABI(t *testing.T) {
	tests := []struct {
		in      string
		want    ABI
		wantErr bool
	}{
		{"", Wasm32, false},
		{"wasm32", Wasm32, false},
		{"SysV", SysV, false},
		{"x86_64", SysV, false},
		{"arm64", AAPCS64, false},
		{"aapcs64", AAPCS64, false},
		{"mips", Wasm32, true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseABI(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("error: got %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	misaligned, _ := layout.Int32().WithAlignment(8)

	tests := []struct {
		name string
		abi  ABI
		args []layout.Layout
		ret  layout.Layout
		dir  Direction
		opts []Option
		want error
	}{
		{"size not a multiple of alignment", Wasm32, []layout.Layout{misaligned}, layout.Layout{}, Downcall, nil, errors.ErrUnsupportedLayout},
		{"padding argument", SysV, []layout.Layout{layout.Padding(4)}, layout.Layout{}, Downcall, nil, errors.ErrUnsupportedLayout},
		{"empty struct", SysV, []layout.Layout{layout.Struct()}, layout.Layout{}, Downcall, nil, errors.ErrUnsupportedLayout},
		{"wide pointer on wasm32", Wasm32, []layout.Layout{layout.Pointer(layout.LP64)}, layout.Layout{}, Downcall, nil, errors.ErrUnsupportedLayout},
		{"narrow pointer return on sysv", SysV, nil, layout.Pointer(layout.ILP32), Downcall, nil, errors.ErrUnsupportedLayout},
		{"variadic float", Wasm32, []layout.Layout{layout.Int32(), layout.Float32()}, layout.Layout{}, Downcall, []Option{VariadicFrom(1)}, errors.ErrUnsupportedLayout},
		{"variadic short", SysV, []layout.Layout{layout.Int16()}, layout.Layout{}, Downcall, []Option{VariadicFrom(0)}, errors.ErrUnsupportedLayout},
		{"variadic index too large", SysV, []layout.Layout{layout.Int32()}, layout.Layout{}, Downcall, []Option{VariadicFrom(2)}, errors.ErrInvalidOption},
		{"negative variadic index", SysV, nil, layout.Layout{}, Downcall, []Option{VariadicFrom(-1)}, errors.ErrInvalidOption},
		{"unknown call state", SysV, nil, layout.Layout{}, Downcall, []Option{CaptureCallState("GetLastError")}, errors.ErrInvalidOption},
		{"trivial upcall", Wasm32, nil, layout.Layout{}, Upcall, []Option{Trivial()}, errors.ErrInvalidOption},
		{"capturing upcall", Wasm32, nil, layout.Layout{}, Upcall, []Option{CaptureCallState(CaptureErrno)}, errors.ErrInvalidOption},
		{"variadic upcall", Wasm32, []layout.Layout{layout.Int32()}, layout.Layout{}, Upcall, []Option{VariadicFrom(0)}, errors.ErrInvalidOption},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.abi, tc.args, tc.ret, tc.dir, tc.opts...)
			if !stderrors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestResolve_ErrorNamesArgument(t *testing.T) {
	_, err := Resolve(SysV, []layout.Layout{layout.Int32(), layout.Padding(2)}, layout.Layout{}, Downcall)
	var e *errors.Error
	if !stderrors.As(err, &e) {
		t.Fatalf("got %v", err)
	}
	if len(e.Path) == 0 || e.Path[0] != "arg1" {
		t.Errorf("path: got %v, want arg1", e.Path)
	}
}

func TestResolve_DownstreamOptionsAccepted(t *testing.T) {
	plan, err := Resolve(SysV, []layout.Layout{layout.Pointer(layout.LP64), layout.Int32()}, layout.Int32(), Downcall,
		VariadicFrom(1), CaptureCallState(CaptureErrno, CaptureErrno), Trivial())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !plan.Options.IsTrivial() || !plan.Options.Captured(CaptureErrno) {
		t.Errorf("options lost: %s", plan.Options)
	}
	if got := plan.Options.Captures(); len(got) != 1 {
		t.Errorf("captures not deduplicated: %v", got)
	}
	if !plan.Args[1].Variadic || plan.Args[0].Variadic {
		t.Error("variadic marking")
	}
	if !strings.Contains(plan.String(), "variadic") {
		t.Errorf("String: %s", plan.String())
	}
}

func TestResolve_UpcallMirrorsDowncall(t *testing.T) {
	args := []layout.Layout{layout.Int32(), layout.Struct(layout.Float32(), layout.Float32())}
	down, err := Resolve(SysV, args, layout.Float64(), Downcall)
	if err != nil {
		t.Fatal(err)
	}
	up, err := Resolve(SysV, args, layout.Float64(), Upcall)
	if err != nil {
		t.Fatal(err)
	}
	if !sameTypes(down.Params, up.Params) || !sameTypes(down.Results, up.Results) {
		t.Errorf("downcall %v -> %v, upcall %v -> %v", down.Params, down.Results, up.Params, up.Results)
	}
	if down.Key == up.Key {
		t.Error("direction must be part of the key")
	}
}

func TestCache(t *testing.T) {
	c := NewCache(2)
	point := layout.Struct(layout.Int32().WithName("x"), layout.Int32().WithName("y"))
	anon := layout.Struct(layout.Int32(), layout.Int32())

	p1, err := c.Resolve(Wasm32, []layout.Layout{point}, layout.Layout{}, Downcall)
	if err != nil {
		t.Fatal(err)
	}
	p2, _ := c.Resolve(Wasm32, []layout.Layout{anon}, layout.Layout{}, Downcall)
	if p1 != p2 {
		t.Error("names must not split cache entries")
	}
	if c.Len() != 1 {
		t.Errorf("len: got %d, want 1", c.Len())
	}

	p3, _ := c.Resolve(Wasm32, []layout.Layout{point}, layout.Layout{}, Downcall, Trivial())
	if p3 == p1 {
		t.Error("options must be part of the key")
	}

	if _, err := c.Resolve(Wasm32, nil, layout.Int32(), Downcall); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Errorf("len after eviction: got %d, want 2", c.Len())
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 3 {
		t.Errorf("stats: got %d hits %d misses", hits, misses)
	}

	if _, err := c.Resolve(Wasm32, nil, layout.Padding(1), Downcall); !stderrors.Is(err, errors.ErrUnsupportedLayout) {
		t.Errorf("errors are not cached: got %v", err)
	}
	if c.Len() != 2 {
		t.Errorf("failed resolution was cached")
	}
}
