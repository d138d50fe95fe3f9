// Package engine wraps wazero behind the Backend capability interface a
// ModuleInstance depends on: compartment creation/cloning, tables,
// memory growth, module instantiation, export lookup, and invocation. The
// backend owns native compilation and linkage; the instance package owns
// layout and GOT-driven linking conventions.
//
// # Thread safety
//
// A Backend's compartment-scoped operations are safe for concurrent use
// only across distinct compartments; a single compartment, like a single
// wazero.Runtime, is not safe for concurrent instantiation calls without
// external synchronization (see compartment.Compartment's own locking).
package engine
