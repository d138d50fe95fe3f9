// Package memarena backs a module instance's linear memory with a real
// anonymous mapping rather than a pure Go slice.
//
// Two things push this out of ordinary Go heap allocation and onto raw
// mmap/mprotect: guard regions, which must trap on access rather than be
// merely "logically" out of bounds, and reservation of a fixed address
// range big enough for a dynamic module's static growth before any of it
// is actually written - exactly the shape the arena/linear-memory layer
// of a dlopen-style WASM host needs.
//
// Arena implements wazero's experimental.MemoryAllocator so that a
// compartment's guest linear memory is the same mapping this package
// manages, with PROT_NONE guard pages immediately before and after it.
package memarena
