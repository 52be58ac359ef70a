package wasmbin

import (
	"github.com/tetratelabs/wazero/api"
)

// Section ids.
const (
	SectionCustom   byte = 0x00
	SectionType     byte = 0x01
	SectionImport   byte = 0x02
	SectionFunction byte = 0x03
	SectionTable    byte = 0x04
	SectionMemory   byte = 0x05
	SectionGlobal   byte = 0x06
	SectionExport   byte = 0x07
	SectionCode     byte = 0x0a
	SectionData     byte = 0x0b
)

// External kinds in import and export entries.
const (
	ExternFunc   byte = 0x00
	ExternTable  byte = 0x01
	ExternMemory byte = 0x02
	ExternGlobal byte = 0x03
)

var header = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// EncodeULEB128 encodes an unsigned value in LEB128 format.
func EncodeULEB128(v uint32) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		result = append(result, b)
		if v == 0 {
			break
		}
	}
	return result
}

// EncodeSLEB128 encodes a signed value in LEB128 format.
func EncodeSLEB128[T int32 | int64](v T) []byte {
	var result []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			result = append(result, b)
			break
		}
		result = append(result, b|0x80)
	}
	return result
}

// DecodeULEB128 decodes an unsigned LEB128 value. n is 0 when data ends
// before the value does.
func DecodeULEB128(data []byte) (v uint32, n int) {
	var shift uint32
	for i, b := range data {
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1
		}
		shift += 7
		if shift > 35 {
			return v, i + 1
		}
	}
	return v, 0
}

// ValType converts a wazero value type to its binary encoding.
func ValType(t api.ValueType) byte {
	switch t {
	case api.ValueTypeI64:
		return 0x7e
	case api.ValueTypeF32:
		return 0x7d
	case api.ValueTypeF64:
		return 0x7c
	default:
		return 0x7f
	}
}

// ParseValType converts a binary value type to wazero's.
func ParseValType(b byte) api.ValueType {
	switch b {
	case 0x7e:
		return api.ValueTypeI64
	case 0x7d:
		return api.ValueTypeF32
	case 0x7c:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

func appendName(buf []byte, s string) []byte {
	buf = append(buf, EncodeULEB128(uint32(len(s)))...)
	return append(buf, s...)
}

func appendSection(buf []byte, id byte, body []byte) []byte {
	buf = append(buf, id)
	buf = append(buf, EncodeULEB128(uint32(len(body)))...)
	return append(buf, body...)
}
