package instance

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/cache"
	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/engine"
	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/got"
	"github.com/wasmforge/modhost/internal/wasmbin"
	"github.com/wasmforge/modhost/layout"
	"github.com/wasmforge/modhost/registry"
	"github.com/wasmforge/modhost/resolve"
	"github.com/wasmforge/modhost/threadctx"
)

// Clone produces a new, independently bound ModuleInstance sharing this
// instance's compartment-template: its main module, every already-loaded
// dynamic module, and its linked GOT state, all re-instantiated into a
// fresh compartment - the zygote-fork fast path. mi must already be
// bound. The clone comes back bound to the same
// (user, function) without re-running constructors or the zygote export:
// after every instance is relinked, the source's linear memory (and
// therefore its already-initialized state) is copied over wholesale - or
// mapped from the binding's memory fd when one is set.
func (mi *ModuleInstance) Clone(ctx context.Context) (*ModuleInstance, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.binding.Bound {
		return nil, mi.fail(errors.BindingError(nil, "cannot clone an unbound instance", nil))
	}

	dst := New(mi.cfg)
	dst.binding = mi.binding

	dc, err := mi.backend.CloneCompartment(ctx, mi.compartment, mi.cfg.MaxMemoryBytes)
	if err != nil {
		return nil, mi.fail(err)
	}
	dst.compartment = dc

	build := mi.cfg.HostImports
	if build == nil {
		build = func(b wazero.HostModuleBuilder) wazero.HostModuleBuilder { return b }
	}
	if _, err := dc.EnsureEnv(ctx, build); err != nil {
		return nil, mi.fail(err)
	}
	if _, err := dc.EnsureWASI(ctx, engine.InstantiateWASIWithAdapter); err != nil {
		return nil, mi.fail(err)
	}

	dst.got = mi.got.Clone()
	dst.registry = registry.New()
	dst.grower = newTableGrower(dst.backend, dc.Runtime, mainModuleName, mainTableExport)
	dst.lookup = &exportLookup{compartment: dc, registry: dst.registry}
	dst.thread = threadctx.New(&compartment.Context{Compartment: dc, Executing: uint32(registry.MainHandle)})

	key := cache.Key{User: mi.binding.User, Function: mi.binding.Function}
	ir, raw, err := mi.cache.GetModule(key, func() ([]byte, error) {
		return mi.loader(mi.binding.User, mi.binding.Function, "")
	})
	if err != nil {
		return nil, mi.fail(err)
	}

	mainMod, err := mi.relinkCompiled(ctx, dc, raw, ir, 0, dst.got, resolve.BaseAddresses{
		SharedTableModule:  mainModuleName,
		SharedTableName:    mainTableExport,
		SharedMemoryModule: mainModuleName,
		SharedMemoryName:   "memory",
	}, dst.grower, dst.lookup, mi.mainCompiled, mainModuleName)
	if err != nil {
		return nil, mi.fail(err)
	}
	dc.SetMain(mainMod)
	dst.mainCompiled = mi.mainCompiled

	if err := dst.grower.seed(ctx); err != nil {
		return nil, mi.fail(err)
	}
	if delta := mi.grower.Size() - dst.grower.Size(); delta > 0 {
		if _, err := dst.grower.GrowTable(ctx, delta); err != nil {
			return nil, mi.fail(err)
		}
	}

	var relinkErr error
	mi.registry.Each(func(lm *registry.LoadedModule) bool {
		relinkErr = mi.cloneDynamicModule(ctx, dst, lm)
		return relinkErr == nil
	})
	if relinkErr != nil {
		return nil, mi.fail(relinkErr)
	}

	for index, sig := range mi.grower.Placements() {
		if err := dst.grower.PlaceFunction(ctx, sig.sourceModule, sig.funcName, sig.paramTypes, sig.resultTypes, index); err != nil {
			return nil, mi.fail(errors.Wrap(errors.PhaseLink, errors.KindLinkError, err, "replay table placement on clone"))
		}
	}

	// Memory carries over last: instantiation above re-applied every
	// module's data segments, so copying (or mapping) the source state
	// any earlier would have been clobbered. The source's guard bands are
	// lifted for the copy and re-applied to both sides after.
	if mi.binding.MemoryFD > 0 {
		size := uint64(mi.backend.GetMemoryNumPages(mainMod)) * layout.WasmPageSize
		if err := dc.Arena.MapFileFixed(mi.binding.MemoryFD, size); err != nil {
			return nil, mi.fail(err)
		}
	} else {
		err = mi.withGuardsLifted(func() error {
			return mi.backend.CopyMemory(mainMod, mi.compartment.Main())
		})
		if err != nil {
			return nil, mi.fail(err)
		}
	}
	for _, g := range mi.compartment.Arena.Guards() {
		if err := dc.Arena.ProtectGuard(g.Offset, g.Length); err != nil {
			return nil, mi.fail(err)
		}
	}

	return dst, nil
}

// relinkCompiled resolves compiled's GOT.mem/GOT.func/base-address imports
// against g inside dc, instantiates it under name, and closes the
// transient bridge modules the resolution required - the same sequence
// BindToFunction and DynamicLoad use for a fresh compile, here replayed
// against an artifact already compiled once by the source instance.
func (mi *ModuleInstance) relinkCompiled(
	ctx context.Context,
	dc *compartment.Compartment,
	raw []byte,
	ir *wasmbin.Module,
	loadID uint32,
	g *got.Table,
	base resolve.BaseAddresses,
	grower *tableGrower,
	lookup *exportLookup,
	compiled wazero.CompiledModule,
	name string,
) (api.Module, error) {
	prepared, err := mi.resolver.PrepareDynamicLoad(ctx, dc, raw, ir, loadID, g, base, grower, lookup)
	if err != nil {
		return nil, err
	}

	mod, err := mi.backend.InstantiateModule(ctx, dc, compiled, name)
	closeBridges(ctx, prepared.Bridges)
	if err != nil {
		return nil, err
	}
	return mod, nil
}

// cloneDynamicModule relinks and re-instantiates one already-loaded
// dynamic module into dst, reusing its stored compiled artifact and
// immutable layout record rather than recompiling or re-laying it out.
func (mi *ModuleInstance) cloneDynamicModule(ctx context.Context, dst *ModuleInstance, lm *registry.LoadedModule) error {
	key := cache.Key{User: mi.binding.User, Function: mi.binding.Function, SharedPath: lm.Path}
	load := func() ([]byte, error) { return mi.loader(mi.binding.User, mi.binding.Function, lm.Path) }

	ir, raw, err := mi.cache.GetModule(key, load)
	if err != nil {
		return err
	}

	compiled, ok := mi.dynCompiled[lm.Path]
	if !ok {
		return errors.NotFound(errors.PhaseExecute, "compiled artifact for dynamic module", lm.Path)
	}

	l := lm.Layout
	base := resolve.BaseAddresses{
		MemoryBase:         uint32(l.DataBottom),
		TableBase:          l.TableBottom,
		StackPointer:       l.StackPointer,
		SharedTableModule:  mainModuleName,
		SharedTableName:    mainTableExport,
		SharedMemoryModule: mainModuleName,
		SharedMemoryName:   "memory",
	}

	instName := dynamicInstanceName(lm.Handle)
	mod, err := mi.relinkCompiled(ctx, dst.compartment, raw, ir, uint32(lm.Handle), dst.got, base, dst.grower, dst.lookup, compiled, instName)
	if err != nil {
		return err
	}

	dst.compartment.AddDynamic(lm.Path, mod)
	entry := dst.registry.Insert(lm.Path, l)
	dst.registry.SetInstance(entry.Handle, mod)
	dst.dynCompiled[lm.Path] = compiled

	return mi.resolver.PatchMissingEntries(ctx, instName, mod, dst.got, dst.grower)
}
