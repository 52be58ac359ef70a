package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/wippyai/wasm-ffi/abi"
	"github.com/wippyai/wasm-ffi/errors"
	"github.com/wippyai/wasm-ffi/layout"
)

// Manifest describes a library, its aggregate types and the signatures
// of the functions it exports.
type Manifest struct {
	Library   Library                 `toml:"library"`
	Structs   map[string]Aggregate    `toml:"structs"`
	Unions    map[string]Aggregate    `toml:"unions"`
	Functions map[string]FunctionSpec `toml:"functions"`

	// dir is the directory relative wasm paths are resolved against.
	dir string
}

// Library is the [library] table.
type Library struct {
	Name string `toml:"name"`
	ABI  string `toml:"abi"`
	Wasm string `toml:"wasm"`
}

// Aggregate is a [structs.X] or [unions.X] table.
type Aggregate struct {
	Fields []Field `toml:"fields"`
	// Align raises the alignment above the natural one.
	Align uint64 `toml:"align"`
}

// Field is one member of an aggregate.
type Field struct {
	Name string `toml:"name"`
	Type string `toml:"type"`
}

// FunctionSpec is a [functions.X] table.
type FunctionSpec struct {
	Signature    string   `toml:"signature"`
	VariadicFrom *int     `toml:"variadic_from"`
	Capture      []string `toml:"capture"`
	Trivial      bool     `toml:"trivial"`
	NonNull      bool     `toml:"non_null"`
}

// Function is a resolved binding.
type Function struct {
	Name string
	Args []layout.Layout
	// ArgNames and ArgTypes are the parameter names and type spellings
	// from the signature. A "string" type marks a parameter filled from a
	// Go string.
	ArgNames []string
	ArgTypes []string
	Ret      layout.Layout
	RetType  string
	Options  []abi.Option
	NonNull  bool
}

// Parse decodes a manifest. Unknown keys are rejected.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, errors.ParseFailed("manifest", err)
	}
	if m.Library.Name == "" {
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
			Path("library", "name").
			Detail("library name is required").
			Build()
	}
	if _, err := abi.ParseABI(m.Library.ABI); err != nil {
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
			Path("library", "abi").
			Cause(err).
			Detail("unknown ABI %q", m.Library.ABI).
			Build()
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseParse, errors.KindNotFound, err, fmt.Sprintf("read manifest %s", path))
	}
	m, err := Parse(data)
	if err != nil {
		return nil, err
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ABI returns the calling convention the library was compiled for.
func (m *Manifest) ABI() abi.ABI {
	a, _ := abi.ParseABI(m.Library.ABI)
	return a
}

// WasmPath returns the library path, resolved against the manifest's
// directory when relative.
func (m *Manifest) WasmPath() string {
	if m.Library.Wasm == "" || filepath.IsAbs(m.Library.Wasm) || m.dir == "" {
		return m.Library.Wasm
	}
	return filepath.Join(m.dir, m.Library.Wasm)
}

// Layout resolves a named struct or union.
func (m *Manifest) Layout(name string) (layout.Layout, error) {
	return newResolver(m).named(name)
}

// Resolve turns every function table into layouts and call options.
// Functions are returned sorted by name.
func (m *Manifest) Resolve() ([]*Function, error) {
	r := newResolver(m)

	names := make([]string, 0, len(m.Functions))
	for name := range m.Functions {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Function, 0, len(names))
	for _, name := range names {
		fn, err := r.function(name, m.Functions[name])
		if err != nil {
			return nil, err
		}
		out = append(out, fn)
	}
	return out, nil
}
