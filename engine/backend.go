package engine

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/compartment"
)

// Backend is the capability interface a ModuleInstance depends on. It owns
// native compilation and linkage; layout and linking conventions live above
// it. wazero has no single per-symbol import resolver, so InstantiateModule
// takes a set of already-instantiated host/bridge modules rather than an
// import callback - see the resolve package for how those bridges are built.
type Backend interface {
	// CreateCompartment allocates a fresh isolated instantiation namespace.
	CreateCompartment(ctx context.Context, maxMemoryBytes uint64) (*compartment.Compartment, error)

	// CloneCompartment creates the fresh compartment a cloned instance
	// re-instantiates its modules into. Linear memory is carried over
	// separately - CopyMemory after every instance exists, or a file
	// mapping when the binding has a memory fd - because instantiation
	// re-applies data segments and would clobber pre-copied state.
	CloneCompartment(ctx context.Context, src *compartment.Compartment, maxMemoryBytes uint64) (*compartment.Compartment, error)

	// CopyMemory grows dst's linear memory to src's size and overwrites
	// it with src's bytes.
	CopyMemory(dst, src api.Module) error

	// CompileModule precompiles raw WASM bytes once, independent of any
	// compartment, so the result can be instantiated repeatedly.
	CompileModule(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error)

	// InstantiateModule instantiates compiled within c, resolving its
	// imports against the host modules already present in c.Runtime (the
	// persistent env/WASI singletons plus any transient bridge modules the
	// caller instantiated beforehand under their required names).
	InstantiateModule(ctx context.Context, c *compartment.Compartment, compiled wazero.CompiledModule, name string) (api.Module, error)

	// GrowTable grows the named table export of mod by n elements,
	// returning the previous size, or ok=false if the table cannot grow by
	// that much.
	GrowTable(ctx context.Context, mod api.Module, exportName string, n uint32) (prevSize uint32, ok bool)

	// GetTableNumElements returns the current size of the named table.
	GetTableNumElements(mod api.Module, exportName string) (uint32, bool)

	// GrowMemory grows mod's default memory by n pages, returning the
	// previous size in pages, or ok=false if it cannot grow.
	GrowMemory(mod api.Module, n uint32) (prevPages uint32, ok bool)

	// GetMemoryNumPages returns mod's default memory size in pages.
	GetMemoryNumPages(mod api.Module) uint32

	// GetInstanceExport looks up a named function export on an
	// instantiated module.
	GetInstanceExport(mod api.Module, name string) (api.Function, bool)

	// InvokeFunction calls fn with the given arguments, surfacing guest
	// traps and exits as Go errors the caller classifies (see
	// errors.BackendTrap / errors.GuestExit).
	InvokeFunction(ctx context.Context, fn api.Function, args ...uint64) ([]uint64, error)
}
