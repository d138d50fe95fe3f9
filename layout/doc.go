// Package layout computes the memory layout of a dynamically loaded WASM
// module: the stack, data, heap, and table address ranges carved out of a
// freshly reserved memory region, plus the guard pages that flank it.
//
// Compute is a pure function: it takes the base address returned by a
// fresh page reservation and the module's static sizes, and returns the
// immutable layout record the resolver and GOT consult for the lifetime of
// the instance. It never performs the reservation itself - that belongs to
// memarena - so it can be tested without mapping any real memory.
package layout
