package resolve

import (
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/internal/wasmbin"
)

// buildGOTMemBridge synthesizes a module exporting one mutable i32 global
// per entry, each initialized to its resolved data offset. All GOT.mem
// globals are forced mutable regardless of the source symbol's own
// mutability, per convention.
func buildGOTMemBridge(entries map[string]int32) []byte {
	b := wasmbin.NewModuleBuilder("")
	for name, offset := range entries {
		b.AddLocalGlobal(name, api.ValueTypeI32, true, int64(offset))
	}
	return b.Build()
}

// buildGOTFuncBridge synthesizes a module exporting one i32 global per
// entry, each initialized to its resolved table index.
func buildGOTFuncBridge(entries map[string]uint32) []byte {
	b := wasmbin.NewModuleBuilder("")
	for name, idx := range entries {
		b.AddLocalGlobal(name, api.ValueTypeI32, false, int64(idx))
	}
	return b.Build()
}

// buildBaseGlobalsBridge synthesizes the __memory_base/__table_base/
// __stack_pointer triple a dynamic module's "env" imports redirect to. When
// the module also imports "env"."__indirect_function_table" or
// "env"."memory" directly - rather than going through GOT.mem/GOT.func -
// the same bridge re-exports the shared table/memory it imports from
// (sharedTableModule, sharedTableName)/(sharedMemModule, sharedMemName)
// under those names, so one envctx instantiation satisfies every "env"
// import a load needs redirected.
func buildBaseGlobalsBridge(
	memoryBase, tableBase uint32,
	stackPointer uint64,
	needsTable bool, sharedTableModule, sharedTableName string,
	needsMemory bool, sharedMemModule, sharedMemName string,
) []byte {
	b := wasmbin.NewModuleBuilder("")
	b.AddLocalGlobal("__memory_base", api.ValueTypeI32, false, int64(memoryBase))
	b.AddLocalGlobal("__table_base", api.ValueTypeI32, false, int64(tableBase))
	b.AddLocalGlobal("__stack_pointer", api.ValueTypeI32, true, int64(stackPointer))
	if needsTable {
		b.SetTableImport(sharedTableModule, sharedTableName, "__indirect_function_table")
	}
	if needsMemory {
		b.SetMemoryImport(sharedMemModule, sharedMemName, "memory")
	}
	return b.Build()
}

// buildTableGrowBridge synthesizes a module importing the shared indirect
// function table from (tableModule, tableName) and exporting a single
// function that grows it - the one operation wazero's public API has no
// other way to reach (see internal/wasmbin.ModuleBuilder.AddTableGrowFunc).
func buildTableGrowBridge(tableModule, tableName string, currentSize uint32) []byte {
	b := wasmbin.NewModuleBuilder("")
	b.SetTableImport(tableModule, tableName, "")
	b.SetTableSize(currentSize)
	b.AddTableGrowFunc("grow")
	return b.Build()
}

// buildTablePlacementBridge synthesizes a module that imports a single
// function (funcModule, funcName) and the shared table, then writes that
// function's reference into the table at index via an active element
// segment - the mechanism behind "grow the table by one, place the export
// there" during GOT.func resolution, since wazero's public API has no way
// to write a table slot directly from Go.
func buildTablePlacementBridge(funcModule, funcName string, paramTypes, resultTypes []api.ValueType, tableModule, tableName string, tableSize uint32, index int32) []byte {
	b := wasmbin.NewModuleBuilder(funcModule)
	b.AddFunc(funcName, paramTypes, resultTypes)
	b.SetTableImport(tableModule, tableName, "")
	b.SetTableSize(tableSize)
	b.SetElemOffset(index)
	return b.Build()
}

// buildIndirectCallBridge synthesizes a module that imports the shared
// indirect function table and exports a function named "call" invoking the
// table slot at index - the mechanism behind funcptr dispatch (execute
// with msg.FuncPtr > 0), since wazero's public API exposes no way to call
// an arbitrary table entry directly from Go.
func buildIndirectCallBridge(tableModule, tableName string, tableSize uint32, index int32, hasParam bool) []byte {
	b := wasmbin.NewModuleBuilder("")
	b.SetTableImport(tableModule, tableName, "")
	b.SetTableSize(tableSize)
	b.AddCallIndirectFunc("call", index, hasParam)
	return b.Build()
}
