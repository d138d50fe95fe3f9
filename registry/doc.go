// Package registry tracks the dynamic modules loaded into one
// ModuleInstance's compartment: an insertion-ordered map from handle to
// LoadedModule, a path-to-handle index that makes repeated dlopen-style
// loads of the same path idempotent, and a cursor remembering the
// most-recently-loaded module for the resolver's __memory_base /
// __table_base / __stack_pointer fallbacks.
//
// Handles mimic POSIX dlopen: 0 means load failure, 1 is reserved for the
// main module (which this registry does not itself store), and dynamic
// modules are numbered from 2 up in load order.
package registry
