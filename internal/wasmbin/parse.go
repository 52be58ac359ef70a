package wasmbin

import (
	"bytes"
	"fmt"

	"github.com/wippyai/wasm-ffi/errors"
)

// Import is one entry of the import section.
type Import struct {
	Module string
	Name   string
	Kind   byte
	// modStart is the offset of the module name's length prefix, modEnd
	// the offset just past the name.
	modStart, modEnd int
}

type section struct {
	id         byte
	start, end int
}

type reader struct {
	buf []byte
	pos int
	err error
}

func (r *reader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = errors.ParseFailed("wasm binary", fmt.Errorf(format, args...))
	}
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	v, n := DecodeULEB128(r.buf[r.pos:])
	if n == 0 {
		r.fail("truncated LEB128 at offset %d", r.pos)
		return 0
	}
	r.pos += n
	return v
}

func (r *reader) u8() byte {
	if r.err != nil {
		return 0
	}
	if r.pos >= len(r.buf) {
		r.fail("unexpected end at offset %d", r.pos)
		return 0
	}
	b := r.buf[r.pos]
	r.pos++
	return b
}

func (r *reader) skip(n int) {
	if r.err != nil {
		return
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.fail("unexpected end at offset %d", r.pos)
		return
	}
	r.pos += n
}

// name reads a length-prefixed string and returns it with the offsets of
// its prefix and end.
func (r *reader) name() (string, int, int) {
	prefix := r.pos
	n := int(r.u32())
	start := r.pos
	r.skip(n)
	if r.err != nil {
		return "", prefix, prefix
	}
	return string(r.buf[start:r.pos]), prefix, r.pos
}

func (r *reader) limits() {
	flags := r.u8()
	r.u32()
	if flags&0x01 != 0 {
		r.u32()
	}
}

func sections(wasm []byte) ([]section, error) {
	if len(wasm) < len(header) || !bytes.Equal(wasm[:4], header[:4]) {
		return nil, errors.ParseFailed("wasm binary", fmt.Errorf("missing wasm magic"))
	}
	r := &reader{buf: wasm, pos: len(header)}
	var out []section
	for r.pos < len(wasm) && r.err == nil {
		id := r.u8()
		size := int(r.u32())
		start := r.pos
		r.skip(size)
		out = append(out, section{id: id, start: start, end: r.pos})
	}
	return out, r.err
}

// Imports lists the imports of a module.
func Imports(wasm []byte) ([]Import, error) {
	secs, err := sections(wasm)
	if err != nil {
		return nil, err
	}
	for _, s := range secs {
		if s.id != SectionImport {
			continue
		}
		r := &reader{buf: wasm[:s.end], pos: s.start}
		count := r.u32()
		imports := make([]Import, 0, count)
		for i := uint32(0); i < count && r.err == nil; i++ {
			var imp Import
			imp.Module, imp.modStart, imp.modEnd = r.name()
			imp.Name, _, _ = r.name()
			imp.Kind = r.u8()
			switch imp.Kind {
			case ExternFunc:
				r.u32()
			case ExternTable:
				r.u8()
				r.limits()
			case ExternMemory:
				r.limits()
			case ExternGlobal:
				r.skip(2)
			default:
				r.fail("unknown import kind %#x", imp.Kind)
			}
			imports = append(imports, imp)
		}
		return imports, r.err
	}
	return nil, nil
}

// ImportsMemory reports whether the module imports module.name as its
// memory.
func ImportsMemory(wasm []byte, module, name string) (bool, error) {
	imports, err := Imports(wasm)
	if err != nil {
		return false, err
	}
	for _, imp := range imports {
		if imp.Kind == ExternMemory && imp.Module == module && imp.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// DefinesMemory reports whether the module declares a memory of its own.
func DefinesMemory(wasm []byte) (bool, error) {
	secs, err := sections(wasm)
	if err != nil {
		return false, err
	}
	for _, s := range secs {
		if s.id == SectionMemory {
			r := &reader{buf: wasm[:s.end], pos: s.start}
			return r.u32() > 0, r.err
		}
	}
	return false, nil
}
