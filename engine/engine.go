package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/layout"
	"github.com/wippyai/wasm-ffi/memory"
)

// envModule is the name of the module exporting the shared memory.
const envModule = "env"

// Engine owns the wazero runtime and the shared memory every library
// imports. It hands out call plans, downcall handles and upcall stubs.
type Engine struct {
	runtime wazero.Runtime
	env     api.Module
	space   *nativeSpace
	global  *memory.Scope
	plans   *abi.Cache
	funcs   *funcTable
	libs    map[string]*Library
	cfg     Config
	mu      sync.Mutex
	closed  atomic.Bool

	// errno backs ffi.set_errno when native code runs outside a downcall,
	// for example from a start function.
	errno atomic.Int32
}

// New creates an engine with its shared memory. A nil cfg uses defaults.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	c := cfg.withDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithMemoryLimitPages(c.MaxMemoryPages))

	envWasm := wasmbin.NewModuleBuilder().Memory(c.MemoryPages, c.MaxMemoryPages, "memory").Build()
	env, err := runtime.InstantiateWithConfig(ctx, envWasm, wazero.NewModuleConfig().WithName(envModule))
	if err != nil {
		_ = runtime.Close(ctx)
		return nil, errors.Instantiation(envModule, err)
	}

	e := &Engine{
		runtime: runtime,
		env:     env,
		space:   newNativeSpace(env.Memory(), c.ReservedBytes, c.MaxMemoryPages),
		plans:   abi.NewCache(c.PlanCacheSize),
		funcs:   newFuncTable(),
		libs:    make(map[string]*Library),
		cfg:     c,
	}
	e.global = memory.GlobalScope(e.space)

	Logger().Debug("engine created",
		zap.Stringer("abi", c.ABI),
		zap.Uint32("pages", c.MemoryPages),
		zap.Uint32("max_pages", c.MaxMemoryPages),
		zap.Uint32("reserved", c.ReservedBytes))
	return e, nil
}

// Close closes every library and the runtime. The engine cannot be used
// afterwards.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	libs := make([]*Library, 0, len(e.libs))
	for _, lib := range e.libs {
		if lib != nil {
			libs = append(libs, lib)
		}
	}
	e.mu.Unlock()

	var errs error
	for _, lib := range libs {
		errs = multierr.Append(errs, lib.Close(ctx))
	}
	errs = multierr.Append(errs, e.env.Close(ctx))
	errs = multierr.Append(errs, e.runtime.Close(ctx))

	Logger().Debug("engine closed", zap.Int("libraries", len(libs)), zap.Error(errs))
	return errs
}

// ABI returns the calling convention of the engine.
func (e *Engine) ABI() abi.ABI { return e.cfg.ABI }

// DataModel returns the pointer model implied by the engine's ABI.
func (e *Engine) DataModel() layout.DataModel { return e.cfg.ABI.DataModel() }

// Space returns the shared native address space.
func (e *Engine) Space() memory.Space { return e.space }

// GlobalScope returns a scope that lives as long as the engine.
func (e *Engine) GlobalScope() *memory.Scope { return e.global }

// Plan resolves, or fetches from the cache, the call plan for a
// signature under the engine's ABI.
func (e *Engine) Plan(args []layout.Layout, ret layout.Layout, dir abi.Direction, opts ...abi.Option) (*abi.CallPlan, error) {
	return e.plans.Resolve(e.cfg.ABI, args, ret, dir, opts...)
}

// PlanStats returns plan cache hits and misses.
func (e *Engine) PlanStats() (hits, misses uint64) {
	return e.plans.Stats()
}

// Library returns a loaded library by name.
func (e *Engine) Library(name string) (*Library, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	lib := e.libs[name]
	return lib, lib != nil
}

// Libraries returns the names of loaded libraries in sorted order.
func (e *Engine) Libraries() []string {
	e.mu.Lock()
	names := make([]string, 0, len(e.libs))
	for name, lib := range e.libs {
		if lib != nil {
			names = append(names, name)
		}
	}
	e.mu.Unlock()
	sort.Strings(names)
	return names
}

// SymbolAt resolves a function pointer back to the library symbol it
// names. Upcall stubs are not symbols.
func (e *Engine) SymbolAt(addr memory.Address) (Symbol, bool) {
	target, ok := e.funcs.lookup(addr)
	if !ok {
		return Symbol{}, false
	}
	st, ok := target.(*symbolTarget)
	if !ok {
		return Symbol{}, false
	}
	return st.sym, true
}

func (e *Engine) checkOpen(phase errors.Phase) error {
	if e.closed.Load() {
		return errors.New(phase, errors.KindInvalidInput).Detail("engine is closed").Build()
	}
	return nil
}

func (e *Engine) setLooseErrno(v int32) { e.errno.Store(v) }
func (e *Engine) looseErrno() int32     { return e.errno.Load() }
