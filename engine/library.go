package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/internal/wasmbin"
	"github.com/wippyai/wasm-ffi/memory"
)

// ffiModule is the import module native code uses for host services and
// indirect calls.
const ffiModule = "ffi"

// Library is a loaded wasm module sharing the engine's memory. Its
// exported functions are symbols with native addresses.
type Library struct {
	engine  *Engine
	module  api.Module
	host    api.Module
	symbols map[string]*symbolTarget
	name    string
	closed  atomic.Bool
}

// Symbol is an exported function of a library and its native address.
type Symbol struct {
	lib  *Library
	name string
	addr memory.Address
}

// Name returns the export name.
func (s Symbol) Name() string { return s.name }

// Address returns the function pointer value native code uses to call the
// symbol through a trampoline.
func (s Symbol) Address() memory.Address { return s.addr }

// Library returns the library exporting the symbol.
func (s Symbol) Library() *Library { return s.lib }

// IsValid reports whether s names a symbol.
func (s Symbol) IsValid() bool { return s.lib != nil }

// Signature returns the core wasm signature of the export.
func (s Symbol) Signature() (params, results []api.ValueType) {
	if s.lib == nil {
		return nil, nil
	}
	t := s.lib.symbols[s.name]
	return t.params, t.results
}

func (s Symbol) String() string {
	if s.lib == nil {
		return "<invalid symbol>"
	}
	return s.lib.name + "." + s.name
}

// symbolTarget makes an export callable through the function table.
// api.Function is not safe for concurrent use, so instances are pooled.
type symbolTarget struct {
	sym     Symbol
	pool    sync.Pool
	params  []api.ValueType
	results []api.ValueType
}

func newSymbolTarget(lib *Library, name string, def api.FunctionDefinition) *symbolTarget {
	t := &symbolTarget{
		sym:     Symbol{lib: lib, name: name},
		params:  def.ParamTypes(),
		results: def.ResultTypes(),
	}
	t.pool.New = func() any { return lib.module.ExportedFunction(name) }
	return t
}

func (t *symbolTarget) call(ctx context.Context, stack []uint64) error {
	fn := t.pool.Get().(api.Function)
	defer t.pool.Put(fn)
	return fn.CallWithStack(ctx, stack)
}

func (t *symbolTarget) describe() string { return t.sym.String() }

// invoke serves an indirect call from native code.
func (t *symbolTarget) invoke(ctx context.Context, params, results []api.ValueType, stack []uint64) {
	if !sameTypes(params, t.params) || !sameTypes(results, t.results) {
		abort(ctx, errors.New(errors.PhaseDowncall, errors.KindSignatureMismatch).
			Detail("indirect call to %s as %s, export is %s", t.sym,
				signatureString(params, results), signatureString(t.params, t.results)).
			Build())
	}
	buf := make([]uint64, max(len(params), len(results)))
	copy(buf, stack[1:1+len(params)])
	if err := t.call(ctx, buf); err != nil {
		abort(ctx, errors.Trap(t.sym.String(), err))
	}
	copy(stack, buf[:len(results)])
}

// LoadLibrary compiles and instantiates a library. The module must import
// env.memory; its "ffi" imports are bound to host functions private to
// this library.
func (e *Engine) LoadLibrary(ctx context.Context, name string, wasm []byte) (*Library, error) {
	if err := e.checkOpen(errors.PhaseLoad); err != nil {
		return nil, err
	}
	if name == "" || name == envModule {
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("invalid library name %q", name))
	}

	ok, err := wasmbin.ImportsMemory(wasm, envModule, "memory")
	if err != nil {
		return nil, errors.Load("inspect library imports", err)
	}
	if !ok {
		return nil, errors.Load(fmt.Sprintf("library %q must import env.memory", name), nil)
	}

	hostName := ffiModule + "#" + name
	wasm, err = wasmbin.RewriteImportModule(wasm, ffiModule, hostName)
	if err != nil {
		return nil, errors.Load("rewrite ffi imports", err)
	}

	e.mu.Lock()
	if _, exists := e.libs[name]; exists {
		e.mu.Unlock()
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("library %q already loaded", name))
	}
	// reserve the name while instantiating
	e.libs[name] = nil
	e.mu.Unlock()

	lib, err := e.instantiate(ctx, name, hostName, wasm)
	e.mu.Lock()
	if err != nil {
		delete(e.libs, name)
	} else {
		e.libs[name] = lib
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	Logger().Debug("library loaded",
		zap.String("library", name),
		zap.Int("symbols", len(lib.symbols)))
	return lib, nil
}

func (e *Engine) instantiate(ctx context.Context, name, hostName string, wasm []byte) (*Library, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load(fmt.Sprintf("compile library %q", name), err)
	}
	defer compiled.Close(ctx)

	lib := &Library{engine: e, name: name, symbols: make(map[string]*symbolTarget)}

	host, err := e.buildHost(ctx, hostName, compiled.ImportedFunctions())
	if err != nil {
		return nil, err
	}
	lib.host = host

	mod, err := e.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize"))
	if err != nil {
		if host != nil {
			_ = host.Close(ctx)
		}
		return nil, errors.Instantiation(name, err)
	}
	lib.module = mod

	defs := mod.ExportedFunctionDefinitions()
	names := make([]string, 0, len(defs))
	for n := range defs {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		t := newSymbolTarget(lib, n, defs[n])
		addr, err := e.funcs.add(t)
		if err != nil {
			_ = lib.close(ctx)
			return nil, err
		}
		t.sym.addr = addr
		lib.symbols[n] = t
	}
	return lib, nil
}

// Name returns the library name.
func (l *Library) Name() string { return l.name }

// Lookup finds an exported function.
func (l *Library) Lookup(name string) (Symbol, bool) {
	t, ok := l.symbols[name]
	if !ok || l.closed.Load() {
		return Symbol{}, false
	}
	return t.sym, true
}

// Symbols returns all exported functions sorted by name.
func (l *Library) Symbols() []Symbol {
	out := make([]Symbol, 0, len(l.symbols))
	for _, t := range l.symbols {
		out = append(out, t.sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Close removes the library's symbols from the function table and closes
// its modules. Downcall handles for its symbols stop working.
func (l *Library) Close(ctx context.Context) error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.engine.mu.Lock()
	if l.engine.libs[l.name] == l {
		delete(l.engine.libs, l.name)
	}
	l.engine.mu.Unlock()

	err := l.close(ctx)
	Logger().Debug("library closed", zap.String("library", l.name), zap.Error(err))
	return err
}

func (l *Library) close(ctx context.Context) error {
	for _, t := range l.symbols {
		if t.sym.addr != 0 {
			l.engine.funcs.remove(t.sym.addr)
		}
	}
	var errs error
	if l.module != nil {
		errs = multierr.Append(errs, l.module.Close(ctx))
	}
	if l.host != nil {
		errs = multierr.Append(errs, l.host.Close(ctx))
	}
	return errs
}
