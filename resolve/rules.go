package resolve

import "fmt"

// rule decides whether an import's module name must be redirected to a
// load-unique bridge before a dynamic module can be compiled, and what
// that bridge's name is. The WebAssembly dynamic-linking convention this
// package targets is still evolving upstream; keeping the whole rule table
// in this one file means a convention revision (a renamed pseudo-module, a
// new per-load global) touches one place.
type rule struct {
	// name documents which convention entry this rule implements.
	name string
	// match reports whether (moduleName, importName) needs redirecting.
	match func(moduleName, importName string) bool
	// bridgeName returns the load-unique module name to redirect to.
	bridgeName func(loadID uint32) string
}

// rules is the ordered table of redirection rules. GOT.mem and GOT.func
// entries always redirect; the three base-address globals redirect only
// when imported from "env", since "env" also carries the persistent,
// non-redirected host functions (malloc, free, ...) and the shared
// indirect function table.
var rules = []rule{
	{
		name:       "GOT.mem",
		match:      func(moduleName, _ string) bool { return moduleName == "GOT.mem" },
		bridgeName: func(loadID uint32) string { return fmt.Sprintf("GOT.mem#%d", loadID) },
	},
	{
		name:       "GOT.func",
		match:      func(moduleName, _ string) bool { return moduleName == "GOT.func" },
		bridgeName: func(loadID uint32) string { return fmt.Sprintf("GOT.func#%d", loadID) },
	},
	{
		name: "per-module base globals, table and memory",
		match: func(moduleName, importName string) bool {
			return moduleName == "env" && isEnvCtxImport(importName)
		},
		bridgeName: func(loadID uint32) string { return fmt.Sprintf("envctx#%d", loadID) },
	},
}

// isBaseGlobal reports whether name is one of the three per-module
// base-address globals, as opposed to the table/memory imports
// isEnvCtxImport also redirects.
func isBaseGlobal(name string) bool {
	switch name {
	case "__memory_base", "__table_base", "__stack_pointer":
		return true
	default:
		return false
	}
}

// isEnvCtxImport reports whether an "env" import must be satisfied by a
// per-load envctx bridge rather than the persistent "env" module: the three
// base-address globals every PIC object references, plus a direct table or
// memory import - a module built without -sIMPORTED_MEMORY/shared table
// GOT.mem indirection still names "env"."__indirect_function_table" and
// "env"."memory" outright.
func isEnvCtxImport(name string) bool {
	switch name {
	case "__memory_base", "__table_base", "__stack_pointer",
		"__indirect_function_table", "memory":
		return true
	default:
		return false
	}
}

// redirectFor returns the bridge name a given (moduleName, importName) pair
// must be rewritten to for this load, or ok=false if it should be left
// pointing at whatever persistent module already carries it.
func redirectFor(moduleName, importName string, loadID uint32) (string, bool) {
	for _, r := range rules {
		if r.match(moduleName, importName) {
			return r.bridgeName(loadID), true
		}
	}
	return "", false
}
