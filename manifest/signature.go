package manifest

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/wippyai/wasm-ffi/errors"
)

// Param is one named parameter of a signature.
type Param struct {
	Name string
	Type string
}

// Signature is the parsed form of "func(a: s32, p: point) -> f64".
// Result is empty for functions returning nothing.
type Signature struct {
	Params []Param
	Result string
}

var signaturePattern = regexp.MustCompile(`^\s*func\s*\(([^)]*)\)\s*(?:->\s*(.+?))?\s*;?\s*$`)

// ParseSignature parses a function signature. Unnamed parameters are
// named by position.
func ParseSignature(s string) (*Signature, error) {
	match := signaturePattern.FindStringSubmatch(s)
	if match == nil {
		return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
			Value(s).
			Detail("signature must look like func(name: type, ...) -> type").
			Build()
	}

	sig := &Signature{}
	for i, p := range splitParams(match[1]) {
		name, typ := "", p
		if idx := strings.LastIndex(p, ":"); idx != -1 {
			name = strings.TrimSpace(p[:idx])
			typ = strings.TrimSpace(p[idx+1:])
		}
		if name == "" {
			name = "arg" + strconv.Itoa(i)
		}
		if typ == "" {
			return nil, errors.New(errors.PhaseParse, errors.KindInvalidData).
				Path(name).
				Value(s).
				Detail("parameter has no type").
				Build()
		}
		sig.Params = append(sig.Params, Param{Name: name, Type: typ})
	}

	result := strings.TrimSpace(match[2])
	if result != "()" && result != "void" {
		sig.Result = result
	}
	return sig, nil
}

// splitParams splits a parameter list on top-level commas.
func splitParams(s string) []string {
	var result []string
	var current strings.Builder
	depth := 0

	for _, ch := range s {
		switch ch {
		case '(', '[', '<':
			depth++
			current.WriteRune(ch)
		case ')', ']', '>':
			depth--
			current.WriteRune(ch)
		case ',':
			if depth == 0 {
				if str := strings.TrimSpace(current.String()); str != "" {
					result = append(result, str)
				}
				current.Reset()
			} else {
				current.WriteRune(ch)
			}
		default:
			current.WriteRune(ch)
		}
	}

	if str := strings.TrimSpace(current.String()); str != "" {
		result = append(result, str)
	}
	return result
}
