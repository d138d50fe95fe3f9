// Package resolve implements the GOT-aware import resolution tree a
// dynamic module's instantiation depends on: GOT.mem/GOT.func entries,
// the __memory_base/__table_base/__stack_pointer triple, and the fallback
// chain through the environment-imports and already-loaded instances.
//
// wazero resolves imports by exact (moduleName, exportName) match against
// modules already instantiated in one Runtime - there is no per-symbol
// resolver callback. Resolver therefore works by synthesizing small bridge
// modules (see internal/wasmbin.ModuleBuilder) carrying the resolved
// values as WASM globals/functions, instantiating them under the literal
// names a dynamic module's import section expects, and rewriting any name
// that must vary per load (GOT.mem, GOT.func, the base-address globals)
// to a load-unique name via internal/wasmbin.RewriteImportModuleNames
// before compiling that module.
package resolve
