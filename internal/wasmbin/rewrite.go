package wasmbin

// RewriteImportModule renames every import from module "from" to "to".
// The input is returned unchanged when nothing matches.
func RewriteImportModule(wasm []byte, from, to string) ([]byte, error) {
	imports, err := Imports(wasm)
	if err != nil {
		return nil, err
	}
	matched := false
	for _, imp := range imports {
		if imp.Module == from {
			matched = true
			break
		}
	}
	if !matched {
		return wasm, nil
	}

	secs, err := sections(wasm)
	if err != nil {
		return nil, err
	}

	result := make([]byte, 0, len(wasm)+len(imports)*len(to))
	result = append(result, wasm[:len(header)]...)
	for _, s := range secs {
		if s.id != SectionImport {
			result = appendSection(result, s.id, wasm[s.start:s.end])
			continue
		}

		body := make([]byte, 0, s.end-s.start+len(imports)*len(to))
		pos := s.start
		for _, imp := range imports {
			body = append(body, wasm[pos:imp.modStart]...)
			if imp.Module == from {
				body = appendName(body, to)
			} else {
				body = append(body, wasm[imp.modStart:imp.modEnd]...)
			}
			pos = imp.modEnd
		}
		body = append(body, wasm[pos:s.end]...)
		result = appendSection(result, s.id, body)
	}
	return result, nil
}
