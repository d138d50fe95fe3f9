package resolve

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/got"
	"github.com/wasmforge/modhost/internal/wasmbin"
)

// TableGrower is the capability the resolver needs from the backend to
// satisfy GOT.func misses: growing the shared indirect function table by
// one slot, and writing a resolved function's reference into a specific
// slot. Defined here, implemented by the instance package, so this
// package never imports instance or engine.
type TableGrower interface {
	GrowTable(ctx context.Context, n uint32) (prevSize uint32, err error)
	PlaceFunction(ctx context.Context, sourceModule, funcName string, paramTypes, resultTypes []api.ValueType, index int32) error
}

// ExportLookup searches already-instantiated instances (main, then each
// loaded dynamic module in insertion order) for an exported function.
type ExportLookup interface {
	LookupFunction(name string) (sourceModule string, paramTypes, resultTypes []api.ValueType, found bool)
}

// BaseAddresses carries the three per-load constants a dynamic module's
// base-address globals resolve to, plus where its envctx bridge should
// import the shared indirect function table/linear memory from when the
// module imports them directly instead of through GOT.mem/GOT.func.
type BaseAddresses struct {
	MemoryBase   uint32
	TableBase    uint32
	StackPointer uint64

	SharedTableModule string
	SharedTableName   string

	SharedMemoryModule string
	SharedMemoryName   string
}

// Resolver prepares a dynamic module's raw bytes for instantiation: it
// resolves every GOT.mem/GOT.func/base-address import against g, builds
// the bridge modules those resolutions require, instantiates the bridges
// under load-unique names in c, and rewrites wasmBytes so its imports
// point at them.
type Resolver struct{}

// NewResolver creates a Resolver. It carries no state of its own: GOT
// state lives in got.Table, instance state in the registry, so a single
// Resolver value can serve every load.
func NewResolver() *Resolver { return &Resolver{} }

// Prepared is the result of PrepareDynamicLoad: the rewritten module bytes
// ready to compile, and the transient bridge modules that must stay alive
// for exactly the duration of that one instantiation (close them
// immediately after, freeing their names for the next load).
type Prepared struct {
	RewrittenBytes []byte
	Bridges        []api.Module
}

// PrepareDynamicLoad resolves mod's GOT.mem/GOT.func/base-address imports
// against g, instantiates the bridge modules those resolutions require
// inside c under load-unique names, and returns the rewritten bytes ready
// for compilation.
func (r *Resolver) PrepareDynamicLoad(
	ctx context.Context,
	c *compartment.Compartment,
	wasmBytes []byte,
	mod *wasmbin.Module,
	loadID uint32,
	g *got.Table,
	base BaseAddresses,
	grower TableGrower,
	lookup ExportLookup,
) (*Prepared, error) {
	var bridges []api.Module

	gotMemEntries := map[string]int32{}
	for _, gi := range mod.Globals {
		if !gi.IsImport || gi.ImportModule != "GOT.mem" {
			continue
		}
		sym, ok := g.DataOffset(gi.ImportName)
		if !ok {
			return nil, errors.LinkError(gi.ImportName, "no data offset recorded for this GOT.mem symbol")
		}
		gotMemEntries[gi.ImportName] = sym.Offset
	}

	gotFuncEntries, err := r.resolveFuncEntries(ctx, mod, g, grower, lookup)
	if err != nil {
		return nil, err
	}

	if len(gotMemEntries) > 0 {
		name, _ := redirectFor("GOT.mem", "", loadID)
		mem, err := r.instantiateNamed(ctx, c.Runtime, name, buildGOTMemBridge(gotMemEntries))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate GOT.mem bridge")
		}
		bridges = append(bridges, mem)
	}

	if len(gotFuncEntries) > 0 {
		name, _ := redirectFor("GOT.func", "", loadID)
		fn, err := r.instantiateNamed(ctx, c.Runtime, name, buildGOTFuncBridge(gotFuncEntries))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate GOT.func bridge")
		}
		bridges = append(bridges, fn)
	}

	needsBase := false
	for _, gi := range mod.Globals {
		if gi.IsImport && gi.ImportModule == "env" && isBaseGlobal(gi.ImportName) {
			needsBase = true
			break
		}
	}
	needsTable := mod.HasTableImport && mod.TableImport != nil && mod.TableImport.Module == "env"
	needsMemory := mod.HasMemoryImport && mod.MemoryImport != nil && mod.MemoryImport.Module == "env"

	if needsBase || needsTable || needsMemory {
		name, _ := redirectFor("env", "__memory_base", loadID)
		ctxMod, err := r.instantiateNamed(ctx, c.Runtime, name, buildBaseGlobalsBridge(
			base.MemoryBase, base.TableBase, base.StackPointer,
			needsTable, base.SharedTableModule, base.SharedTableName,
			needsMemory, base.SharedMemoryModule, base.SharedMemoryName,
		))
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate base-address bridge")
		}
		bridges = append(bridges, ctxMod)
	}

	rewritten := wasmbin.RewriteImportModuleNames(wasmBytes, func(moduleName, importName string) (string, bool) {
		return redirectFor(moduleName, importName, loadID)
	})

	return &Prepared{RewrittenBytes: rewritten, Bridges: bridges}, nil
}

// instantiateNamed compiles and instantiates a synthesized bridge module
// under a specific load-unique name, so that the dynamic module's
// rewritten imports resolve to it by exact name match.
func (r *Resolver) instantiateNamed(ctx context.Context, rt wazero.Runtime, name string, wasmBytes []byte) (api.Module, error) {
	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, err
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}
	return mod, nil
}

// resolveFuncEntries resolves every GOT.func import, growing the table and
// recording a deferred (missing) entry on total miss, per the resolution
// tree's lazy-linking policy.
func (r *Resolver) resolveFuncEntries(ctx context.Context, mod *wasmbin.Module, g *got.Table, grower TableGrower, lookup ExportLookup) (map[string]uint32, error) {
	entries := map[string]uint32{}

	for _, gi := range mod.Globals {
		if !gi.IsImport || gi.ImportModule != "GOT.func" {
			continue
		}
		name := gi.ImportName

		if idx, ok := g.FunctionOffset(name); ok {
			entries[name] = idx
			continue
		}

		prevSize, err := grower.GrowTable(ctx, 1)
		if err != nil {
			return nil, errors.Wrap(errors.PhaseLink, errors.KindLinkError, err, "grow indirect function table for "+name)
		}
		idx := prevSize

		sourceModule, params, results, found := "", []api.ValueType(nil), []api.ValueType(nil), false
		if lookup != nil {
			sourceModule, params, results, found = lookup.LookupFunction(name)
		}

		if found {
			if err := grower.PlaceFunction(ctx, sourceModule, name, params, results, int32(idx)); err != nil {
				return nil, errors.Wrap(errors.PhaseLink, errors.KindLinkError, err, "place GOT.func export "+name)
			}
			g.SetFunctionOffset(name, idx)
		} else {
			g.RecordMissing(name, idx)
			Logger().Sugar().Warnf("GOT.func %q unresolved at link time; table slot %d reserved pending a later definition", name, idx)
		}

		entries[name] = idx
	}

	return entries, nil
}

// PatchMissingEntries searches newly-instantiated mod for a function
// matching each still-missing GOT.func entry, writes it into the
// reserved table slot, and moves the entry from missingEntries to
// functionOffsets. Call once per dynamic-module instantiation.
func (r *Resolver) PatchMissingEntries(ctx context.Context, moduleName string, mod api.Module, g *got.Table, grower TableGrower) error {
	for name, idx := range g.Missing() {
		fn := mod.ExportedFunction(name)
		if fn == nil {
			continue
		}
		def := fn.Definition()
		if err := grower.PlaceFunction(ctx, moduleName, name, def.ParamTypes(), def.ResultTypes(), int32(idx)); err != nil {
			return errors.Wrap(errors.PhaseLink, errors.KindLinkError, err, "patch missing GOT.func entry "+name)
		}
		g.Patch(name)
	}
	return nil
}

// BuildTableGrowModule compiles the single-function module used to grow
// the shared indirect function table (see buildTableGrowBridge). It is
// instantiated anonymously since nothing imports it by name - the caller
// holds the returned api.Module directly and invokes its "grow" export.
func BuildTableGrowModule(ctx context.Context, rt wazero.Runtime, tableModule, tableName string, currentSize uint32) (api.Module, error) {
	compiled, err := rt.CompileModule(ctx, buildTableGrowBridge(tableModule, tableName, currentSize))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "compile table-grow helper")
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		compiled.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate table-grow helper")
	}
	return mod, nil
}

// BuildIndirectCallModule compiles and instantiates the bridge module that
// invokes the shared table's entry at index via call_indirect and exports
// the result as "call" - how Execute dispatches a funcptr message, since
// wazero's api.Table type (unexported outside the engine package) gives Go
// no direct way to invoke a table slot.
func BuildIndirectCallModule(ctx context.Context, rt wazero.Runtime, tableModule, tableName string, tableSize uint32, index int32, hasParam bool) (api.Module, error) {
	raw := buildIndirectCallBridge(tableModule, tableName, tableSize, index, hasParam)
	compiled, err := rt.CompileModule(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseExecute, errors.KindInvalidData, err, "compile indirect-call bridge")
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseExecute, errors.KindInstantiation, err, "instantiate indirect-call bridge")
	}
	return mod, nil
}

// BuildTablePlacementModule compiles and instantiates the bridge module
// that writes sourceModule.funcName's reference into the shared table at
// index, as a side effect of its own active element segment.
func BuildTablePlacementModule(ctx context.Context, rt wazero.Runtime, sourceModule, funcName string, params, results []api.ValueType, tableModule, tableName string, tableSize uint32, index int32, name string) (api.Module, error) {
	raw := buildTablePlacementBridge(sourceModule, funcName, params, results, tableModule, tableName, tableSize, index)
	compiled, err := rt.CompileModule(ctx, raw)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInvalidData, err, "compile table-placement bridge")
	}
	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(name))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, fmt.Sprintf("instantiate table-placement bridge for %s.%s", sourceModule, funcName))
	}
	return mod, nil
}
