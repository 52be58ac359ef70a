package wasmbin

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/tetratelabs/wazero/api"
)

// FuncType is a core function signature.
type FuncType struct {
	Params  []api.ValueType
	Results []api.ValueType
}

func (t FuncType) equal(o FuncType) bool {
	return slices.Equal(t.Params, o.Params) && slices.Equal(t.Results, o.Results)
}

type builderImport struct {
	module   string
	name     string
	kind     byte
	typeIdx  uint32
	minPages uint32
}

type builderFunc struct {
	name    string
	code    *Code
	typeIdx uint32
}

type dataSegment struct {
	data   []byte
	offset uint32
}

// ModuleBuilder assembles small core modules: imported functions and
// memory, exported functions and active data segments. Imports must be
// added before functions so that function indices stay stable.
type ModuleBuilder struct {
	types       []FuncType
	imports     []builderImport
	funcs       []builderFunc
	data        []dataSegment
	memExport   string
	memMin      uint32
	memMax      uint32
	hasMemory   bool
	funcImports uint32
}

// NewModuleBuilder creates an empty builder.
func NewModuleBuilder() *ModuleBuilder {
	return &ModuleBuilder{}
}

func (b *ModuleBuilder) typeIndex(params, results []api.ValueType) uint32 {
	t := FuncType{Params: params, Results: results}
	for i, existing := range b.types {
		if existing.equal(t) {
			return uint32(i)
		}
	}
	b.types = append(b.types, t)
	return uint32(len(b.types) - 1)
}

// ImportMemory imports a memory with at least minPages pages.
func (b *ModuleBuilder) ImportMemory(module, name string, minPages uint32) *ModuleBuilder {
	b.imports = append(b.imports, builderImport{module: module, name: name, kind: ExternMemory, minPages: minPages})
	return b
}

// Memory defines the module's own memory. maxPages of 0 leaves it
// unbounded; export names it in the export section when non-empty.
func (b *ModuleBuilder) Memory(minPages, maxPages uint32, export string) *ModuleBuilder {
	b.hasMemory = true
	b.memMin, b.memMax, b.memExport = minPages, maxPages, export
	return b
}

// ImportFunc imports a function and returns its index.
func (b *ModuleBuilder) ImportFunc(module, name string, params, results []api.ValueType) uint32 {
	if len(b.funcs) > 0 {
		panic("wasmbin: function imports must precede local functions")
	}
	b.imports = append(b.imports, builderImport{
		module:  module,
		name:    name,
		kind:    ExternFunc,
		typeIdx: b.typeIndex(params, results),
	})
	b.funcImports++
	return b.funcImports - 1
}

// Func adds a function and returns its index. It is exported under name
// unless name is empty.
func (b *ModuleBuilder) Func(name string, params, results []api.ValueType, code *Code) uint32 {
	b.funcs = append(b.funcs, builderFunc{name: name, code: code, typeIdx: b.typeIndex(params, results)})
	return b.funcImports + uint32(len(b.funcs)-1)
}

// Data places bytes at a fixed address of memory 0.
func (b *ModuleBuilder) Data(offset uint32, data []byte) *ModuleBuilder {
	b.data = append(b.data, dataSegment{offset: offset, data: data})
	return b
}

// Build encodes the module.
func (b *ModuleBuilder) Build() []byte {
	wasm := append([]byte(nil), header...)

	if len(b.types) > 0 {
		sec := EncodeULEB128(uint32(len(b.types)))
		for _, t := range b.types {
			sec = append(sec, 0x60)
			sec = append(sec, EncodeULEB128(uint32(len(t.Params)))...)
			for _, p := range t.Params {
				sec = append(sec, ValType(p))
			}
			sec = append(sec, EncodeULEB128(uint32(len(t.Results)))...)
			for _, r := range t.Results {
				sec = append(sec, ValType(r))
			}
		}
		wasm = appendSection(wasm, SectionType, sec)
	}

	if len(b.imports) > 0 {
		sec := EncodeULEB128(uint32(len(b.imports)))
		for _, imp := range b.imports {
			sec = appendName(sec, imp.module)
			sec = appendName(sec, imp.name)
			sec = append(sec, imp.kind)
			if imp.kind == ExternMemory {
				sec = append(sec, 0x00)
				sec = append(sec, EncodeULEB128(imp.minPages)...)
			} else {
				sec = append(sec, EncodeULEB128(imp.typeIdx)...)
			}
		}
		wasm = appendSection(wasm, SectionImport, sec)
	}

	if len(b.funcs) > 0 {
		sec := EncodeULEB128(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			sec = append(sec, EncodeULEB128(f.typeIdx)...)
		}
		wasm = appendSection(wasm, SectionFunction, sec)
	}

	if b.hasMemory {
		sec := []byte{0x01}
		if b.memMax > 0 {
			sec = append(sec, 0x01)
			sec = append(sec, EncodeULEB128(b.memMin)...)
			sec = append(sec, EncodeULEB128(b.memMax)...)
		} else {
			sec = append(sec, 0x00)
			sec = append(sec, EncodeULEB128(b.memMin)...)
		}
		wasm = appendSection(wasm, SectionMemory, sec)
	}

	var exports []byte
	n := uint32(0)
	if b.hasMemory && b.memExport != "" {
		exports = appendName(exports, b.memExport)
		exports = append(exports, ExternMemory, 0x00)
		n++
	}
	for i, f := range b.funcs {
		if f.name == "" {
			continue
		}
		exports = appendName(exports, f.name)
		exports = append(exports, ExternFunc)
		exports = append(exports, EncodeULEB128(b.funcImports+uint32(i))...)
		n++
	}
	if n > 0 {
		wasm = appendSection(wasm, SectionExport, append(EncodeULEB128(n), exports...))
	}

	if len(b.funcs) > 0 {
		sec := EncodeULEB128(uint32(len(b.funcs)))
		for _, f := range b.funcs {
			body := f.code.body()
			sec = append(sec, EncodeULEB128(uint32(len(body)))...)
			sec = append(sec, body...)
		}
		wasm = appendSection(wasm, SectionCode, sec)
	}

	if len(b.data) > 0 {
		sec := EncodeULEB128(uint32(len(b.data)))
		for _, d := range b.data {
			sec = append(sec, 0x00, 0x41)
			sec = append(sec, EncodeSLEB128(int32(d.offset))...)
			sec = append(sec, 0x0b)
			sec = append(sec, EncodeULEB128(uint32(len(d.data)))...)
			sec = append(sec, d.data...)
		}
		wasm = appendSection(wasm, SectionData, sec)
	}

	return wasm
}

// Code is a function body under construction. The final end opcode is
// added by the builder.
type Code struct {
	locals []api.ValueType
	buf    []byte
}

// NewCode starts a body declaring the given extra locals. They are
// numbered after the parameters.
func NewCode(locals ...api.ValueType) *Code {
	return &Code{locals: locals}
}

func (c *Code) body() []byte {
	var groups [][2]uint32
	for _, l := range c.locals {
		t := uint32(ValType(l))
		if len(groups) > 0 && groups[len(groups)-1][1] == t {
			groups[len(groups)-1][0]++
			continue
		}
		groups = append(groups, [2]uint32{1, t})
	}
	out := EncodeULEB128(uint32(len(groups)))
	for _, g := range groups {
		out = append(out, EncodeULEB128(g[0])...)
		out = append(out, byte(g[1]))
	}
	out = append(out, c.buf...)
	return append(out, 0x0b)
}

// Op appends raw opcode bytes.
func (c *Code) Op(b ...byte) *Code {
	c.buf = append(c.buf, b...)
	return c
}

func (c *Code) opU32(op byte, v uint32) *Code {
	c.buf = append(c.buf, op)
	c.buf = append(c.buf, EncodeULEB128(v)...)
	return c
}

func (c *Code) mem(op byte, alignLog2, offset uint32) *Code {
	c.buf = append(c.buf, op)
	c.buf = append(c.buf, EncodeULEB128(alignLog2)...)
	c.buf = append(c.buf, EncodeULEB128(offset)...)
	return c
}

func (c *Code) LocalGet(i uint32) *Code { return c.opU32(0x20, i) }
func (c *Code) LocalSet(i uint32) *Code { return c.opU32(0x21, i) }
func (c *Code) LocalTee(i uint32) *Code { return c.opU32(0x22, i) }
func (c *Code) Call(f uint32) *Code     { return c.opU32(0x10, f) }
func (c *Code) Br(depth uint32) *Code   { return c.opU32(0x0c, depth) }
func (c *Code) BrIf(depth uint32) *Code { return c.opU32(0x0d, depth) }

func (c *Code) Block() *Code  { return c.Op(0x02, 0x40) }
func (c *Code) Loop() *Code   { return c.Op(0x03, 0x40) }
func (c *Code) End() *Code    { return c.Op(0x0b) }
func (c *Code) Drop() *Code   { return c.Op(0x1a) }
func (c *Code) Return() *Code { return c.Op(0x0f) }

func (c *Code) I32Const(v int32) *Code {
	c.buf = append(c.buf, 0x41)
	c.buf = append(c.buf, EncodeSLEB128(v)...)
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf = append(c.buf, 0x42)
	c.buf = append(c.buf, EncodeSLEB128(v)...)
	return c
}

func (c *Code) F32Const(v float32) *Code {
	c.buf = binary.LittleEndian.AppendUint32(append(c.buf, 0x43), math.Float32bits(v))
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.buf = binary.LittleEndian.AppendUint64(append(c.buf, 0x44), math.Float64bits(v))
	return c
}

func (c *Code) I32Load(offset uint32) *Code   { return c.mem(0x28, 2, offset) }
func (c *Code) I64Load(offset uint32) *Code   { return c.mem(0x29, 3, offset) }
func (c *Code) F32Load(offset uint32) *Code   { return c.mem(0x2a, 2, offset) }
func (c *Code) F64Load(offset uint32) *Code   { return c.mem(0x2b, 3, offset) }
func (c *Code) I32Load8U(offset uint32) *Code { return c.mem(0x2d, 0, offset) }
func (c *Code) I32Store(offset uint32) *Code  { return c.mem(0x36, 2, offset) }
func (c *Code) I64Store(offset uint32) *Code  { return c.mem(0x37, 3, offset) }
func (c *Code) F32Store(offset uint32) *Code  { return c.mem(0x38, 2, offset) }
func (c *Code) F64Store(offset uint32) *Code  { return c.mem(0x39, 3, offset) }
func (c *Code) I32Store8(offset uint32) *Code { return c.mem(0x3a, 0, offset) }

func (c *Code) I32Eqz() *Code        { return c.Op(0x45) }
func (c *Code) I32Eq() *Code         { return c.Op(0x46) }
func (c *Code) I32LtS() *Code        { return c.Op(0x48) }
func (c *Code) I32Add() *Code        { return c.Op(0x6a) }
func (c *Code) I32Sub() *Code        { return c.Op(0x6b) }
func (c *Code) I32Mul() *Code        { return c.Op(0x6c) }
func (c *Code) I32Or() *Code         { return c.Op(0x72) }
func (c *Code) I64Add() *Code        { return c.Op(0x7c) }
func (c *Code) I64Mul() *Code        { return c.Op(0x7e) }
func (c *Code) F32Add() *Code        { return c.Op(0x92) }
func (c *Code) F64Add() *Code        { return c.Op(0xa0) }
func (c *Code) F64Mul() *Code        { return c.Op(0xa2) }
func (c *Code) I32WrapI64() *Code    { return c.Op(0xa7) }
func (c *Code) I64ExtendI32S() *Code { return c.Op(0xac) }
func (c *Code) F32DemoteF64() *Code  { return c.Op(0xb6) }
func (c *Code) F64PromoteF32() *Code { return c.Op(0xbb) }
