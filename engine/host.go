package engine

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/memory"
)

// mallocAlign is the alignment of blocks returned by ffi.malloc.
const mallocAlign = 16

var (
	i32    = api.ValueTypeI32
	sigI32 = []api.ValueType{i32}
)

// buildHost instantiates the per-library host module that satisfies the
// library's ffi imports. It returns nil when the library imports nothing
// from ffi.
func (e *Engine) buildHost(ctx context.Context, hostName string, imports []api.FunctionDefinition) (api.Module, error) {
	builder := e.runtime.NewHostModuleBuilder(hostName)
	n := 0
	for _, def := range imports {
		mod, name, _ := def.Import()
		if mod != hostName {
			continue
		}
		params, results := def.ParamTypes(), def.ResultTypes()
		fn, err := e.hostFunc(name, params, results)
		if err != nil {
			return nil, err
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(fn, params, results).
			WithName(name).
			Export(name)
		n++
	}
	if n == 0 {
		return nil, nil
	}
	host, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Instantiation(hostName, err)
	}
	return host, nil
}

func (e *Engine) hostFunc(name string, params, results []api.ValueType) (api.GoModuleFunc, error) {
	expect := func(p, r []api.ValueType) error {
		if sameTypes(params, p) && sameTypes(results, r) {
			return nil
		}
		return errors.New(errors.PhaseLoad, errors.KindSignatureMismatch).
			Detail("ffi.%s imported as %s, want %s", name,
				signatureString(params, results), signatureString(p, r)).
			Build()
	}

	switch name {
	case "malloc":
		if err := expect(sigI32, sigI32); err != nil {
			return nil, err
		}
		return e.hostMalloc, nil
	case "free":
		if err := expect(sigI32, nil); err != nil {
			return nil, err
		}
		return e.hostFree, nil
	case "set_errno":
		if err := expect(sigI32, nil); err != nil {
			return nil, err
		}
		return e.hostSetErrno, nil
	case "get_errno":
		if err := expect(nil, sigI32); err != nil {
			return nil, err
		}
		return e.hostGetErrno, nil
	}

	if len(params) == 0 || params[0] != i32 {
		return nil, errors.Load(fmt.Sprintf("ffi.%s: first parameter must be an i32 function pointer", name), nil)
	}
	return e.trampoline(name, params[1:], results), nil
}

// hostMalloc returns 0 when memory cannot be grown, like C malloc.
func (e *Engine) hostMalloc(_ context.Context, _ api.Module, stack []uint64) {
	size := api.DecodeU32(stack[0])
	ptr, err := e.space.Alloc(size, mallocAlign)
	if err != nil {
		debugf("ffi.malloc(%d) failed: %v", size, err)
		stack[0] = 0
		return
	}
	stack[0] = api.EncodeU32(ptr)
}

func (e *Engine) hostFree(_ context.Context, _ api.Module, stack []uint64) {
	if ptr := api.DecodeU32(stack[0]); ptr != 0 {
		e.space.Free(ptr, 0, 0)
	}
}

func (e *Engine) hostSetErrno(ctx context.Context, _ api.Module, stack []uint64) {
	v := api.DecodeI32(stack[0])
	if cc := callContextFrom(ctx); cc != nil {
		cc.setErrno(v)
		return
	}
	e.setLooseErrno(v)
}

func (e *Engine) hostGetErrno(ctx context.Context, _ api.Module, stack []uint64) {
	var v int32
	if cc := callContextFrom(ctx); cc != nil {
		v = cc.getErrno()
	} else {
		v = e.looseErrno()
	}
	stack[0] = api.EncodeI32(v)
}

// trampoline serves an indirect call: stack[0] is the function pointer and
// the remaining values are the callee's arguments.
func (e *Engine) trampoline(name string, params, results []api.ValueType) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		addr := memory.Address(api.DecodeU32(stack[0]))
		target, ok := e.funcs.lookup(addr)
		if !ok {
			abort(ctx, errors.New(errors.PhaseDowncall, errors.KindNotFound).
				Detail("ffi.%s: no function at %#x", name, uint64(addr)).
				Build())
		}
		debugf("ffi.%s -> %s", name, target.describe())
		target.invoke(ctx, params, results, stack)
	}
}
