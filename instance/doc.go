// Package instance implements ModuleInstance: the object that binds a
// compiled main module to an invocation, dynamically links shared-object
// modules into its compartment, and drives execute/dynamicLoad/clone/
// snapshot/restore/tearDown for the bound lifetime.
//
// A ModuleInstance owns exactly one compartment.Compartment and one
// got.Table/registry.Registry pair for its lifetime; BindToFunction may run
// at most once, and every other method requires it to have already
// succeeded.
package instance
