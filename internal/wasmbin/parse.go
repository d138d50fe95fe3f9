package wasmbin

import "github.com/tetratelabs/wazero/api"

// Section IDs from the WebAssembly core binary format.
const (
	secCustom   = 0x00
	secType     = 0x01
	secImport   = 0x02
	secFunction = 0x03
	secTable    = 0x04
	secMemory   = 0x05
	secGlobal   = 0x06
	secExport   = 0x07
	secElement  = 0x09
)

// dylinkSectionName is the custom section name wasm-ld writes into a
// `-shared`/emscripten `-sMAIN_MODULE`/`-sSIDE_MODULE` output carrying the
// dynamic-linking metadata a loader needs before it can compute a layout:
// the module's required memory/table size and the list of other shared
// objects it in turn depends on. The legacy single-subsection "dylink"
// name (pre LLVM 11) is accepted as a fallback.
const dylinkSectionName = "dylink.0"
const dylinkLegacySectionName = "dylink"

// dylink.0 subsection IDs.
const (
	dylinkMemInfo    = 0x01
	dylinkNeeded     = 0x02
	dylinkExportInfo = 0x03
	dylinkImportInfo = 0x04
)

// Import kinds.
const (
	kindFunc   = 0x00
	kindTable  = 0x01
	kindMemory = 0x02
	kindGlobal = 0x03
)

// GlobalImport describes a global a module imports.
type GlobalImport struct {
	ModuleName string
	ImportName string
	ValType    api.ValueType
	Mutable    bool
}

// GlobalInfo describes one entry of a module's global index space, whether
// imported or locally defined. ConstI32 is valid only when HasConstI32 is
// true, which holds for locally defined globals with a bare i32.const
// initializer expression - the only shape addModuleToGOT (see instance
// package) ever needs.
type GlobalInfo struct {
	ExportName   string
	ImportModule string
	ImportName   string
	ValType      api.ValueType
	ConstI32     int32
	Mutable      bool
	IsImport     bool
	HasConstI32  bool
}

// ElementSegment describes an active element segment with a constant i32
// offset expression - the only form a GOT-linked module emits.
type ElementSegment struct {
	FuncIndices []uint32
	TableIndex  uint32
	Offset      int32
}

// Module is the subset of a core module's structure the GOT/resolver
// machinery needs, extracted in one pass over the raw bytes because wazero's
// CompiledModule does not expose imported globals, element segments, or
// per-global export names.
type Module struct {
	ExportedFuncs   map[string]uint32
	ExportedGlobals map[string]int
	FuncImports     []Import
	Globals         []GlobalInfo
	Elements        []ElementSegment
	NumFuncImports  int
	HasTableImport  bool
	HasMemoryImport bool
	// TableImport/MemoryImport record the (module, name) pair a dynamic
	// module's table/memory import targets, so the resolver can decide
	// whether a "env"."__indirect_function_table" or "env"."memory" import
	// needs redirecting to a per-load bridge the same way a GOT.mem/
	// GOT.func/base-global import does.
	TableImport  *Import
	MemoryImport *Import
	// Dylink carries the wasm-ld "dylink.0" custom section, if present.
	// A shared object compiled without `-shared` has a nil Dylink; the
	// cache package's layout-sizing queries then report a size of zero.
	Dylink *DylinkInfo
}

// DylinkInfo is the parsed content of a dynamic-linking module's
// "dylink.0" (or legacy "dylink") custom section: the size and alignment
// of the static memory/table region it needs carved out for it, and the
// other shared objects it must be loaded after.
type DylinkInfo struct {
	MemorySize    uint32
	MemoryAlign   uint32
	TableSize     uint32
	TableAlign    uint32
	NeededModules []string
}

// Import is one entry of a module's import section.
type Import struct {
	Module string
	Name   string
	Kind   byte
}

// Parse extracts the sections Module needs from raw core-module bytes.
// Parse never returns an error: malformed input simply yields a Module with
// fewer entries, mirroring the tolerant, best-effort style of the synthetic
// bridge builder it feeds.
func Parse(wasmBytes []byte) *Module {
	mod := &Module{
		ExportedFuncs:   make(map[string]uint32),
		ExportedGlobals: make(map[string]int),
	}
	if len(wasmBytes) < 8 {
		return mod
	}

	sections := splitSections(wasmBytes)

	if b, ok := sections[secImport]; ok {
		parseImportSection(b, mod)
	}
	if b, ok := sections[secGlobal]; ok {
		parseGlobalSection(b, mod)
	}
	if b, ok := sections[secExport]; ok {
		parseExportSection(b, mod)
	}
	if b, ok := sections[secElement]; ok {
		mod.Elements = parseElementSection(b)
	}
	mod.Dylink = parseDylinkSection(wasmBytes)

	return mod
}

// splitSections returns the last section seen per ID, which is fine for
// every ID it's consulted with except secCustom (0x00): a module can carry
// many differently-named custom sections. Custom-section lookups go
// through parseDylinkSection's own scan instead of this map.
func splitSections(wasmBytes []byte) map[byte][]byte {
	out := make(map[byte][]byte)
	pos := 8
	for pos < len(wasmBytes) {
		id := wasmBytes[pos]
		pos++
		size, n := DecodeULEB128(wasmBytes[pos:])
		pos += n
		end := pos + int(size)
		if end > len(wasmBytes) {
			break
		}
		out[id] = wasmBytes[pos:end]
		pos = end
	}
	return out
}

// parseDylinkSection scans every custom section looking for "dylink.0" (or
// the legacy "dylink" name), returning nil if the module carries neither -
// it was compiled as an ordinary executable, not a dynamic-linking shared
// object.
func parseDylinkSection(wasmBytes []byte) *DylinkInfo {
	pos := 8
	for pos < len(wasmBytes) {
		id := wasmBytes[pos]
		pos++
		size, n := DecodeULEB128(wasmBytes[pos:])
		pos += n
		end := pos + int(size)
		if end > len(wasmBytes) || end < pos {
			break
		}
		body := wasmBytes[pos:end]
		pos = end

		if id != secCustom {
			continue
		}
		name, rest := readName(body, 0)
		switch name {
		case dylinkSectionName:
			return parseDylink0(body[rest:])
		case dylinkLegacySectionName:
			return parseLegacyDylink(body[rest:])
		}
	}
	return nil
}

// parseDylink0 reads the post-LLVM-11 "dylink.0" format: a sequence of
// (subsectionID byte, size varuint32, payload) tuples. Only MEM_INFO and
// NEEDED are consulted; EXPORT_INFO/IMPORT_INFO carry per-symbol flags
// this engine's GOT resolution tree does not need.
func parseDylink0(b []byte) *DylinkInfo {
	info := &DylinkInfo{}
	pos := 0
	for pos < len(b) {
		subID := b[pos]
		pos++
		size, n := DecodeULEB128(b[pos:])
		pos += n
		end := pos + int(size)
		if end > len(b) || end < pos {
			break
		}
		sub := b[pos:end]
		pos = end

		switch subID {
		case dylinkMemInfo:
			parseDylinkMemInfo(sub, info)
		case dylinkNeeded:
			parseDylinkNeeded(sub, info)
		}
	}
	return info
}

func parseDylinkMemInfo(b []byte, info *DylinkInfo) {
	pos := 0
	var n int
	info.MemorySize, n = DecodeULEB128(b[pos:])
	pos += n
	info.MemoryAlign, n = DecodeULEB128(b[pos:])
	pos += n
	info.TableSize, n = DecodeULEB128(b[pos:])
	pos += n
	info.TableAlign, _ = DecodeULEB128(b[pos:])
}

func parseDylinkNeeded(b []byte, info *DylinkInfo) {
	pos := 0
	count, n := DecodeULEB128(b[pos:])
	pos += n
	for i := uint32(0); i < count && pos < len(b); i++ {
		name, np := readName(b, pos)
		pos = np
		info.NeededModules = append(info.NeededModules, name)
	}
}

// parseLegacyDylink reads the pre-LLVM-11 flat "dylink" section format:
// memorysize, memoryalignment, tablesize, tablealignment, then the needed
// list, with no subsection framing.
func parseLegacyDylink(b []byte) *DylinkInfo {
	info := &DylinkInfo{}
	pos := 0
	var n int
	info.MemorySize, n = DecodeULEB128(b[pos:])
	pos += n
	info.MemoryAlign, n = DecodeULEB128(b[pos:])
	pos += n
	info.TableSize, n = DecodeULEB128(b[pos:])
	pos += n
	info.TableAlign, n = DecodeULEB128(b[pos:])
	pos += n

	if pos >= len(b) {
		return info
	}
	count, n := DecodeULEB128(b[pos:])
	pos += n
	for i := uint32(0); i < count && pos < len(b); i++ {
		name, np := readName(b, pos)
		pos = np
		info.NeededModules = append(info.NeededModules, name)
	}
	return info
}

func parseImportSection(b []byte, mod *Module) {
	pos := 0
	count, n := DecodeULEB128(b[pos:])
	pos += n
	for i := uint32(0); i < count && pos < len(b); i++ {
		modName, np := readName(b, pos)
		pos = np
		impName, np := readName(b, pos)
		pos = np
		kind := b[pos]
		pos++

		switch kind {
		case kindFunc:
			_, n := DecodeULEB128(b[pos:])
			pos += n
			mod.FuncImports = append(mod.FuncImports, Import{Module: modName, Name: impName, Kind: kind})
			mod.NumFuncImports++
		case kindTable:
			pos++ // elem type
			flags := b[pos]
			pos++
			_, n := DecodeULEB128(b[pos:])
			pos += n
			if flags&0x01 != 0 {
				_, n := DecodeULEB128(b[pos:])
				pos += n
			}
			mod.HasTableImport = true
			mod.TableImport = &Import{Module: modName, Name: impName, Kind: kind}
		case kindMemory:
			flags := b[pos]
			pos++
			_, n := DecodeULEB128(b[pos:])
			pos += n
			if flags&0x01 != 0 {
				_, n := DecodeULEB128(b[pos:])
				pos += n
			}
			mod.HasMemoryImport = true
			mod.MemoryImport = &Import{Module: modName, Name: impName, Kind: kind}
		case kindGlobal:
			valType := ParseValType(b[pos])
			pos++
			mutable := b[pos] == 0x01
			pos++
			mod.Globals = append(mod.Globals, GlobalInfo{
				ImportModule: modName,
				ImportName:   impName,
				ValType:      valType,
				Mutable:      mutable,
				IsImport:     true,
			})
		}
	}
}

func parseGlobalSection(b []byte, mod *Module) {
	pos := 0
	count, n := DecodeULEB128(b[pos:])
	pos += n
	for i := uint32(0); i < count && pos < len(b); i++ {
		valType := ParseValType(b[pos])
		pos++
		mutable := b[pos] == 0x01
		pos++

		info := GlobalInfo{ValType: valType, Mutable: mutable}
		if pos < len(b) && b[pos] == 0x41 { // i32.const
			pos++
			v, n := DecodeSLEB128(b[pos:])
			pos += n
			info.HasConstI32 = true
			info.ConstI32 = int32(v)
		}
		// Skip to end of init expr (0x0B).
		for pos < len(b) && b[pos] != 0x0B {
			pos++
		}
		pos++ // consume 0x0B

		mod.Globals = append(mod.Globals, info)
	}
}

func parseExportSection(b []byte, mod *Module) {
	pos := 0
	count, n := DecodeULEB128(b[pos:])
	pos += n
	for i := uint32(0); i < count && pos < len(b); i++ {
		name, np := readName(b, pos)
		pos = np
		kind := b[pos]
		pos++
		idx, n := DecodeULEB128(b[pos:])
		pos += n

		switch kind {
		case kindFunc:
			mod.ExportedFuncs[name] = idx
		case kindGlobal:
			mod.ExportedGlobals[name] = int(idx)
			if int(idx) < len(mod.Globals) {
				mod.Globals[idx].ExportName = name
			}
		}
	}
}

func parseElementSection(b []byte) []ElementSegment {
	var segs []ElementSegment
	pos := 0
	count, n := DecodeULEB128(b[pos:])
	pos += n
	for i := uint32(0); i < count && pos < len(b); i++ {
		flags, n := DecodeULEB128(b[pos:])
		pos += n

		var tableIdx uint32
		if flags&0x02 != 0 {
			tableIdx, n = DecodeULEB128(b[pos:])
			pos += n
		}

		var offset int32
		if flags&0x01 == 0 {
			// Active segment: offset expr, assumed i32.const.
			if pos < len(b) && b[pos] == 0x41 {
				pos++
				v, n := DecodeSLEB128(b[pos:])
				pos += n
				offset = int32(v)
			}
			for pos < len(b) && b[pos] != 0x0B {
				pos++
			}
			pos++
		}

		if flags&0x03 == 0x03 || flags&0x01 != 0 {
			// Passive/declarative segments are not used by GOT-linked
			// modules; skip remaining bytes defensively by bailing out.
			continue
		}

		n2, n := DecodeULEB128(b[pos:])
		pos += n
		indices := make([]uint32, 0, n2)
		for j := uint32(0); j < n2 && pos < len(b); j++ {
			idx, n := DecodeULEB128(b[pos:])
			pos += n
			indices = append(indices, idx)
		}

		segs = append(segs, ElementSegment{TableIndex: tableIdx, Offset: offset, FuncIndices: indices})
	}
	return segs
}

func readName(b []byte, pos int) (string, int) {
	l, n := DecodeULEB128(b[pos:])
	pos += n
	name := string(b[pos : pos+int(l)])
	return name, pos + int(l)
}
