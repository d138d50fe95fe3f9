// Package wasmbin provides low-level WebAssembly binary parsing and synthesis
// utilities used by the resolve and instance packages.
//
// It extracts the pieces of a core module's import/export/element/global
// sections that wazero's compiled-module API does not expose (wazero surfaces
// ImportedFunctions but not imported globals, element segments, or the name
// section), and it synthesizes minimal single-purpose WASM modules used as
// GOT.mem/GOT.func bridges: wazero host modules built with
// NewHostModuleBuilder cannot export globals, memories, or tables, so a
// handful of global exports are produced by compiling a tiny hand-encoded
// module instead.
package wasmbin
