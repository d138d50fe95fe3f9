package wasmbin

// RewriteImportModuleNames rewrites the module name of each entry in wasm's
// import section, as decided by rename, leaving every other section byte
// for byte identical. rename is called once per import with its current
// (moduleName, importName); returning ok=false leaves that entry untouched.
//
// This is how a dynamic module's hard-coded "GOT.mem"/"GOT.func"/"env"
// imports get redirected to the per-load bridge modules the resolve
// package instantiates under unique names, without needing to recompile or
// hand-edit the guest binary: wazero resolves imports purely by literal
// (module, export) name match within one Runtime, so two loads of modules
// that both import "GOT.mem" need two distinctly-named bridges.
func RewriteImportModuleNames(wasm []byte, rename func(moduleName, importName string) (string, bool)) []byte {
	if len(wasm) < 8 {
		return wasm
	}

	idx := 8
	result := make([]byte, 0, len(wasm)+16)
	result = append(result, wasm[:idx]...)

	for idx < len(wasm) {
		sectionID := wasm[idx]
		idx++

		sectionSize, n := DecodeULEB128(wasm[idx:])
		sectionSizeBytes := wasm[idx : idx+n]
		idx += n

		sectionStart := idx
		sectionEnd := idx + int(sectionSize)
		if sectionEnd > len(wasm) {
			sectionEnd = len(wasm)
		}

		if sectionID == secImport {
			rewritten := rewriteImportSectionNames(wasm[sectionStart:sectionEnd], rename)
			result = append(result, sectionID)
			result = append(result, EncodeULEB128(uint32(len(rewritten)))...)
			result = append(result, rewritten...)
		} else {
			result = append(result, sectionID)
			result = append(result, sectionSizeBytes...)
			result = append(result, wasm[sectionStart:sectionEnd]...)
		}
		idx = sectionEnd
	}

	return result
}

func rewriteImportSectionNames(section []byte, rename func(string, string) (string, bool)) []byte {
	result := make([]byte, 0, len(section)+16)
	idx := 0

	numImports, n := DecodeULEB128(section[idx:])
	result = append(result, section[idx:idx+n]...)
	idx += n

	for i := uint32(0); i < numImports; i++ {
		modName, np := readName(section, idx)
		idx = np
		impName, np := readName(section, idx)
		idx = np

		if newName, ok := rename(modName, impName); ok {
			result = append(result, encodeName(newName)...)
		} else {
			result = append(result, encodeName(modName)...)
		}
		result = append(result, encodeName(impName)...)

		kind := section[idx]
		result = append(result, kind)
		idx++

		switch kind {
		case kindFunc:
			_, n := DecodeULEB128(section[idx:])
			result = append(result, section[idx:idx+n]...)
			idx += n
		case kindTable:
			result = append(result, section[idx])
			idx++
			hasMax := section[idx]
			result = append(result, hasMax)
			idx++
			_, n := DecodeULEB128(section[idx:])
			result = append(result, section[idx:idx+n]...)
			idx += n
			if hasMax&0x01 != 0 {
				_, n := DecodeULEB128(section[idx:])
				result = append(result, section[idx:idx+n]...)
				idx += n
			}
		case kindMemory:
			hasMax := section[idx]
			result = append(result, hasMax)
			idx++
			_, n := DecodeULEB128(section[idx:])
			result = append(result, section[idx:idx+n]...)
			idx += n
			if hasMax&0x01 != 0 {
				_, n := DecodeULEB128(section[idx:])
				result = append(result, section[idx:idx+n]...)
				idx += n
			}
		case kindGlobal:
			result = append(result, section[idx:idx+2]...)
			idx += 2
		}
	}

	return result
}
