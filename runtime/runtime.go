package runtime

import (
	"context"
	"os"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-ffi/engine"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/manifest"
)

// Runtime binds manifests to libraries loaded into one engine.
type Runtime struct {
	engine *engine.Engine
	libs   map[string]*Library
	mu     sync.Mutex
}

// New creates a runtime and its engine. A nil cfg uses engine defaults.
func New(ctx context.Context, cfg *engine.Config) (*Runtime, error) {
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		engine: eng,
		libs:   make(map[string]*Library),
	}, nil
}

// Engine exposes the underlying engine for direct downcalls and upcalls.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Close closes every library and the engine.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	libs := r.libs
	r.libs = make(map[string]*Library)
	r.mu.Unlock()

	var err error
	for _, lib := range libs {
		err = multierr.Append(err, lib.lib.Close(ctx))
	}
	return multierr.Append(err, r.engine.Close(ctx))
}

// LoadFile reads a manifest and the library it names.
func (r *Runtime) LoadFile(ctx context.Context, manifestPath string) (*Library, error) {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}
	if m.Library.Wasm == "" {
		return nil, errors.InvalidInput(errors.PhaseLoad, "manifest does not name a wasm file")
	}
	wasm, err := os.ReadFile(m.WasmPath())
	if err != nil {
		return nil, errors.Load("read "+m.WasmPath(), err)
	}
	return r.Load(ctx, m, wasm)
}

// Load instantiates wasm under the manifest's library name and binds
// every function the manifest declares. A declared function the library
// does not export fails the load.
func (r *Runtime) Load(ctx context.Context, m *manifest.Manifest, wasm []byte) (*Library, error) {
	if m.ABI() != r.engine.ABI() {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Path("library", "abi").
			Detail("manifest targets %s, engine runs %s", m.ABI(), r.engine.ABI()).
			Build()
	}

	fns, err := m.Resolve()
	if err != nil {
		return nil, err
	}

	lib, err := r.engine.LoadLibrary(ctx, m.Library.Name, wasm)
	if err != nil {
		return nil, err
	}

	l := &Library{
		runtime:  r,
		lib:      lib,
		manifest: m,
		funcs:    make(map[string]*Function, len(fns)),
	}
	for _, spec := range fns {
		fn, err := l.bind(spec)
		if err != nil {
			_ = lib.Close(ctx)
			return nil, err
		}
		l.funcs[spec.Name] = fn
		l.order = append(l.order, spec.Name)
	}

	r.mu.Lock()
	r.libs[m.Library.Name] = l
	r.mu.Unlock()

	engine.Logger().Debug("library bound",
		zap.String("library", m.Library.Name),
		zap.Int("functions", len(fns)))
	return l, nil
}

// Library returns a loaded library by name.
func (r *Runtime) Library(name string) (*Library, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.libs[name]
	return l, ok
}

// Libraries returns the names of loaded libraries, sorted.
func (r *Runtime) Libraries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.libs))
	for name := range r.libs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Runtime) forget(name string) {
	r.mu.Lock()
	delete(r.libs, name)
	r.mu.Unlock()
}
