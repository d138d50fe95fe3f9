package wasmbin

import "github.com/tetratelabs/wazero/api"

// synthFunc describes one function re-exported from an imported function of
// the same signature (used to bridge GOT.func table entries through to a
// host-provided resolver function).
type synthFunc struct {
	name        string
	paramTypes  []api.ValueType
	resultTypes []api.ValueType
}

// localFunc describes a function defined directly in the synthesized
// module with a literal instruction body, rather than forwarding to a host
// import. Used for the table-grow helper, the one operation this package
// needs that isn't just "re-export an imported function".
type localFunc struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
	body    []byte
}

// synthGlobal describes one global in the synthesized module, either
// imported from a host module (and re-exported) or defined locally with a
// constant i32 initializer.
type synthGlobal struct {
	importModule string
	importName   string
	exportName   string
	valType      api.ValueType
	initValue    int64
	mutable      bool
	isLocal      bool
}

// ModuleBuilder hand-assembles a minimal core WASM module. It exists because
// wazero's HostModuleBuilder can only export functions: it has no way to
// export a global, memory, or table. GOT.mem and GOT.func entries, and
// bridges like __memory_base/__table_base/__stack_pointer, are all global
// exports, so producing them means compiling real (if tiny) WASM bytes.
type ModuleBuilder struct {
	tableImportModule  string
	tableImportName    string
	tableExportName    string
	memoryImportModule string
	memoryImportName   string
	memoryExportName   string
	hostModuleName     string
	funcs              []synthFunc
	localFuncs         []localFunc
	globals            []synthGlobal
	tableSize          uint32
	memoryMinPages     uint32
	elemOffset         int32
	hasTableImport     bool
	hasMemoryImport    bool
	hasLocalTable      bool
	hasLocalMemory     bool
}

// NewModuleBuilder creates a builder whose function imports are taken from
// hostModuleName - the host module supplying the resolver-side
// implementations being bridged through.
func NewModuleBuilder(hostModuleName string) *ModuleBuilder {
	return &ModuleBuilder{
		hostModuleName:  hostModuleName,
		tableSize:       2,
		tableExportName: "$imports",
	}
}

// AddFunc adds a re-exported function imported from the host module.
func (b *ModuleBuilder) AddFunc(name string, params, results []api.ValueType) {
	b.funcs = append(b.funcs, synthFunc{name: name, paramTypes: params, resultTypes: results})
}

// SetTableSize overrides the default size of a locally defined table. A
// table import always declares a minimum of 0.
func (b *ModuleBuilder) SetTableSize(n uint32) { b.tableSize = n }

// SetElemOffset sets the constant offset the element segment (populating
// the imported/declared table with the re-exported funcs) writes at.
// Defaults to 0. Used to land a single bridged function at a specific,
// already-reserved table index rather than at the start of the table.
func (b *ModuleBuilder) SetElemOffset(n int32) { b.elemOffset = n }

// SetTableImport configures the module to import its table rather than
// define one locally, re-exporting it under exportName.
func (b *ModuleBuilder) SetTableImport(module, name, exportName string) {
	b.tableImportModule, b.tableImportName, b.tableExportName = module, name, exportName
	b.hasTableImport = true
}

// HasTableImport reports whether SetTableImport was called.
func (b *ModuleBuilder) HasTableImport() bool { return b.hasTableImport }

// AddTableGrowFunc defines and exports a function growing the imported
// table by a caller-supplied delta, returning the previous size (or -1 on
// failure per the table.grow instruction's own semantics). SetTableImport
// must be called first. This is the one operation the resolver needs that
// wazero's public API has no other way to reach: growing a table that
// already has live elements, before instantiating the module whose own
// element segment will populate the newly grown slots.
func (b *ModuleBuilder) AddTableGrowFunc(name string) {
	body := []byte{
		0x00,       // no locals
		0xD0, 0x70, // ref.null func
		0x20, 0x00, // local.get 0 (delta)
		0xFC, 0x0F, 0x00, // table.grow table#0
		0x0B, // end
	}
	b.localFuncs = append(b.localFuncs, localFunc{
		name:    name,
		params:  []api.ValueType{api.ValueTypeI32},
		results: []api.ValueType{api.ValueTypeI32},
		body:    body,
	})
}

// AddCallIndirectFunc defines and exports a function named "call" that
// invokes the imported table at the fixed index via call_indirect,
// forwarding a single i32 argument when hasParam is set and always
// returning an i32 result - the mechanism behind funcptr dispatch, since a
// table slot has no Go-callable handle of its own. SetTableImport must be
// called first, and this must be the only function the builder defines (the
// call_indirect instruction references this function's own type at index 0,
// which only holds when no other func/table-grow func precedes it).
func (b *ModuleBuilder) AddCallIndirectFunc(name string, index int32, hasParam bool) {
	var params []api.ValueType
	if hasParam {
		params = []api.ValueType{api.ValueTypeI32}
	}

	var body []byte
	body = append(body, 0x00) // no locals
	if hasParam {
		body = append(body, 0x20, 0x00) // local.get 0
	}
	body = append(body, 0x41) // i32.const
	body = append(body, EncodeSLEB128(index)...)
	body = append(body, 0x11, 0x00, 0x00) // call_indirect typeidx=0 tableidx=0
	body = append(body, 0x0B)             // end

	b.localFuncs = append(b.localFuncs, localFunc{
		name:    name,
		params:  params,
		results: []api.ValueType{api.ValueTypeI32},
		body:    body,
	})
}

// DefineTable declares a local funcref table of the given size, exported
// under exportName when non-empty. Used to synthesize main-module-shaped
// test subjects, which must own the shared indirect function table rather
// than import one.
func (b *ModuleBuilder) DefineTable(size uint32, exportName string) {
	b.tableSize = size
	b.tableExportName = exportName
	b.hasLocalTable = true
}

// DefineMemory declares a local linear memory of minPages pages, exported
// under exportName when non-empty.
func (b *ModuleBuilder) DefineMemory(minPages uint32, exportName string) {
	b.memoryMinPages = minPages
	b.memoryExportName = exportName
	b.hasLocalMemory = true
}

// AddRawFunc defines a function with an explicit instruction body, exported
// under name. The body must include its local-declaration vector and
// terminating end opcode; the builder takes it verbatim.
func (b *ModuleBuilder) AddRawFunc(name string, params, results []api.ValueType, body []byte) {
	b.localFuncs = append(b.localFuncs, localFunc{
		name:    name,
		params:  params,
		results: results,
		body:    body,
	})
}

// SetMemoryImport configures the module to import linear memory rather than
// define it, re-exporting it under exportName.
func (b *ModuleBuilder) SetMemoryImport(module, name, exportName string) {
	b.memoryImportModule, b.memoryImportName, b.memoryExportName = module, name, exportName
	b.hasMemoryImport = true
}

// HasMemoryImport reports whether SetMemoryImport was called.
func (b *ModuleBuilder) HasMemoryImport() bool { return b.hasMemoryImport }

// AddGlobalImport imports a global from the host module and re-exports it
// under exportName - the mechanism behind GOT.mem and GOT.func entries,
// which are themselves just mutable i32 globals supplied by the resolver.
func (b *ModuleBuilder) AddGlobalImport(importName, exportName string, valType api.ValueType, mutable bool) {
	b.globals = append(b.globals, synthGlobal{
		importModule: b.hostModuleName,
		importName:   importName,
		exportName:   exportName,
		valType:      valType,
		mutable:      mutable,
	})
}

// AddLocalGlobal defines a global directly in the synthesized module with a
// constant i32 initializer - used for __memory_base/__table_base/
// __stack_pointer style constants that don't need to come from the host.
func (b *ModuleBuilder) AddLocalGlobal(exportName string, valType api.ValueType, mutable bool, initValue int64) {
	b.globals = append(b.globals, synthGlobal{
		exportName: exportName,
		valType:    valType,
		mutable:    mutable,
		initValue:  initValue,
		isLocal:    true,
	})
}

// Build hand-encodes the module described by the builder into raw WASM
// bytes suitable for wazero's CompileModule.
func (b *ModuleBuilder) Build() []byte {
	var out []byte
	out = append(out, 0x00, 0x61, 0x73, 0x6d) // magic
	out = append(out, 0x01, 0x00, 0x00, 0x00) // version

	hasAnyFuncs := len(b.funcs) > 0 || len(b.localFuncs) > 0

	if hasAnyFuncs {
		out = append(out, b.section(secType, b.buildTypeSection())...)
	}

	numImportedGlobals := b.countImportedGlobals()
	if len(b.funcs) > 0 || numImportedGlobals > 0 || b.hasTableImport || b.hasMemoryImport {
		out = append(out, b.section(secImport, b.buildImportSection())...)
	}

	if hasAnyFuncs {
		out = append(out, b.section(secFunction, b.buildFuncSection())...)
	}

	if (len(b.funcs) > 0 || b.hasLocalTable) && !b.hasTableImport {
		out = append(out, b.section(secTable, b.buildTableSection())...)
	}

	if b.hasLocalMemory {
		out = append(out, b.section(secMemory, b.buildMemorySection())...)
	}

	if b.countLocalGlobals() > 0 {
		out = append(out, b.section(secGlobal, b.buildGlobalSection())...)
	}

	out = append(out, b.section(secExport, b.buildExportSection())...)

	if len(b.funcs) > 0 {
		out = append(out, b.section(0x09, b.buildElemSection())...)
	}

	if hasAnyFuncs {
		out = append(out, b.section(0x0a, b.buildCodeSection())...)
	}

	return out
}

func (b *ModuleBuilder) section(id byte, body []byte) []byte {
	out := []byte{id}
	out = append(out, EncodeULEB128(uint32(len(body)))...)
	return append(out, body...)
}

func (b *ModuleBuilder) countImportedGlobals() int {
	n := 0
	for _, g := range b.globals {
		if !g.isLocal {
			n++
		}
	}
	return n
}

func (b *ModuleBuilder) countLocalGlobals() int {
	n := 0
	for _, g := range b.globals {
		if g.isLocal {
			n++
		}
	}
	return n
}

func (b *ModuleBuilder) buildTypeSection() []byte {
	var out []byte
	out = append(out, EncodeULEB128(uint32(len(b.funcs)+len(b.localFuncs)))...)
	for _, f := range b.funcs {
		out = append(out, 0x60)
		out = append(out, EncodeULEB128(uint32(len(f.paramTypes)))...)
		for _, p := range f.paramTypes {
			out = append(out, ValTypeToWasm(p))
		}
		out = append(out, EncodeULEB128(uint32(len(f.resultTypes)))...)
		for _, r := range f.resultTypes {
			out = append(out, ValTypeToWasm(r))
		}
	}
	for _, f := range b.localFuncs {
		out = append(out, 0x60)
		out = append(out, EncodeULEB128(uint32(len(f.params)))...)
		for _, p := range f.params {
			out = append(out, ValTypeToWasm(p))
		}
		out = append(out, EncodeULEB128(uint32(len(f.results)))...)
		for _, r := range f.results {
			out = append(out, ValTypeToWasm(r))
		}
	}
	return out
}

func (b *ModuleBuilder) buildImportSection() []byte {
	var entries []byte
	count := uint32(0)

	for i, f := range b.funcs {
		entries = append(entries, encodeName(b.hostModuleName)...)
		entries = append(entries, encodeName(f.name)...)
		entries = append(entries, kindFunc)
		entries = append(entries, EncodeULEB128(uint32(i))...)
		count++
	}

	if b.hasTableImport {
		entries = append(entries, encodeName(b.tableImportModule)...)
		entries = append(entries, encodeName(b.tableImportName)...)
		entries = append(entries, kindTable)
		entries = append(entries, 0x70, 0x00)
		// Minimum 0: the import is matched against the table's declared
		// minimum, not its grown length, so 0 accepts any shared table.
		entries = append(entries, EncodeULEB128(0)...)
		count++
	}

	if b.hasMemoryImport {
		entries = append(entries, encodeName(b.memoryImportModule)...)
		entries = append(entries, encodeName(b.memoryImportName)...)
		entries = append(entries, kindMemory)
		entries = append(entries, 0x00, 0x00)
		count++
	}

	for _, g := range b.globals {
		if g.isLocal {
			continue
		}
		entries = append(entries, encodeName(g.importModule)...)
		entries = append(entries, encodeName(g.importName)...)
		entries = append(entries, kindGlobal)
		entries = append(entries, ValTypeToWasm(g.valType))
		if g.mutable {
			entries = append(entries, 0x01)
		} else {
			entries = append(entries, 0x00)
		}
		count++
	}

	out := EncodeULEB128(count)
	return append(out, entries...)
}

func (b *ModuleBuilder) buildFuncSection() []byte {
	out := EncodeULEB128(uint32(len(b.funcs) + len(b.localFuncs)))
	for i := range b.funcs {
		out = append(out, EncodeULEB128(uint32(i))...)
	}
	for i := range b.localFuncs {
		out = append(out, EncodeULEB128(uint32(len(b.funcs)+i))...)
	}
	return out
}

func (b *ModuleBuilder) buildTableSection() []byte {
	out := EncodeULEB128(1)
	out = append(out, 0x70, 0x00)
	out = append(out, EncodeULEB128(b.tableSize)...)
	return out
}

func (b *ModuleBuilder) buildMemorySection() []byte {
	out := EncodeULEB128(1)
	out = append(out, 0x00)
	out = append(out, EncodeULEB128(b.memoryMinPages)...)
	return out
}

func (b *ModuleBuilder) buildGlobalSection() []byte {
	out := EncodeULEB128(uint32(b.countLocalGlobals()))
	for _, g := range b.globals {
		if !g.isLocal {
			continue
		}
		out = append(out, ValTypeToWasm(g.valType))
		if g.mutable {
			out = append(out, 0x01)
		} else {
			out = append(out, 0x00)
		}
		switch g.valType {
		case api.ValueTypeI64:
			out = append(out, 0x42)
			out = append(out, EncodeSLEB128(int64(g.initValue))...)
		default:
			out = append(out, 0x41)
			out = append(out, EncodeSLEB128(int32(g.initValue))...)
		}
		out = append(out, 0x0B)
	}
	return out
}

func (b *ModuleBuilder) buildExportSection() []byte {
	var entries []byte
	count := uint32(0)

	numFuncImports := uint32(len(b.funcs))
	for i, f := range b.funcs {
		entries = append(entries, encodeName(f.name)...)
		entries = append(entries, kindFunc)
		entries = append(entries, EncodeULEB128(numFuncImports+uint32(i))...)
		count++
	}

	// Defined functions occupy the index space right after imports: first
	// the numFuncImports wrapper funcs (one per re-exported import), then
	// the local funcs.
	localFuncBase := numFuncImports + uint32(len(b.funcs))
	for i, f := range b.localFuncs {
		entries = append(entries, encodeName(f.name)...)
		entries = append(entries, kindFunc)
		entries = append(entries, EncodeULEB128(localFuncBase+uint32(i))...)
		count++
	}

	if b.tableExportName != "" && (len(b.funcs) > 0 || b.hasTableImport || b.hasLocalTable) {
		entries = append(entries, encodeName(b.tableExportName)...)
		entries = append(entries, kindTable)
		entries = append(entries, EncodeULEB128(0)...)
		count++
	}

	if b.memoryExportName != "" && (b.hasMemoryImport || b.hasLocalMemory) {
		entries = append(entries, encodeName(b.memoryExportName)...)
		entries = append(entries, kindMemory)
		entries = append(entries, EncodeULEB128(0)...)
		count++
	}

	globalIdx := uint32(0)
	for _, g := range b.globals {
		if g.exportName != "" {
			entries = append(entries, encodeName(g.exportName)...)
			entries = append(entries, kindGlobal)
			entries = append(entries, EncodeULEB128(globalIdx)...)
			count++
		}
		globalIdx++
	}

	out := EncodeULEB128(count)
	return append(out, entries...)
}

func (b *ModuleBuilder) buildElemSection() []byte {
	out := EncodeULEB128(1)
	out = append(out, 0x00) // table index 0, active, offset expr follows
	out = append(out, 0x41)
	out = append(out, EncodeSLEB128(b.elemOffset)...)
	out = append(out, 0x0B)
	out = append(out, EncodeULEB128(uint32(len(b.funcs)))...)
	for i := range b.funcs {
		out = append(out, EncodeULEB128(uint32(i))...)
	}
	return out
}

func (b *ModuleBuilder) buildCodeSection() []byte {
	out := EncodeULEB128(uint32(len(b.funcs) + len(b.localFuncs)))
	for i, f := range b.funcs {
		body := b.buildFuncBody(i, f)
		out = append(out, EncodeULEB128(uint32(len(body)))...)
		out = append(out, body...)
	}
	for _, f := range b.localFuncs {
		out = append(out, EncodeULEB128(uint32(len(f.body)))...)
		out = append(out, f.body...)
	}
	return out
}

func (b *ModuleBuilder) buildFuncBody(idx int, f synthFunc) []byte {
	var body []byte
	body = append(body, 0x00) // no locals
	for p := range f.paramTypes {
		body = append(body, 0x20)
		body = append(body, EncodeULEB128(uint32(p))...)
	}
	body = append(body, 0x10)
	body = append(body, EncodeULEB128(uint32(idx))...)
	body = append(body, 0x0B)
	return body
}

func encodeName(s string) []byte {
	out := EncodeULEB128(uint32(len(s)))
	return append(out, []byte(s)...)
}
