// Package cache implements the process-wide IRModuleCache: a lock-protected
// mapping from (user, function, shared-object path) to a module's parsed IR
// and compiled artifact, shared by every ModuleInstance so that two
// invocations of the same function never parse or compile the same bytes
// twice.
package cache
