// Package compartment wraps one isolated WASM instantiation namespace: a
// dedicated wazero.Runtime holding the environment-imports and WASI-imports
// singletons cloned in from the process-wide prototypes, the main module
// instance, and every dynamic module instance loaded into it.
//
// A ModuleInstance owns exactly one Compartment; cloning a ModuleInstance
// clones its Compartment (a fresh Runtime with every instance re-created
// and every cross-reference remapped), never shares one Runtime across two
// ModuleInstances.
package compartment
