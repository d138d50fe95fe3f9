package instance

import (
	"context"
	"os"
	"strconv"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/cache"
	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/layout"
	"github.com/wasmforge/modhost/registry"
	"github.com/wasmforge/modhost/resolve"
)

// DynamicLoad links the shared object at path into this instance's
// compartment, returning its handle. An empty path returns
// registry.MainHandle. A repeated load of an already-loaded path returns
// the handle from the first load without touching the backend again.
// Per POSIX dlopen convention, a path that does not exist or names a
// directory fails softly with registry.InvalidHandle and a nil error;
// any failure past that point - parse, link, instantiate - is raised as
// a real error, since by then the caller has committed table and memory
// space that only a teardown can reclaim.
func (mi *ModuleInstance) DynamicLoad(ctx context.Context, path string) (registry.Handle, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.binding.Bound {
		return registry.InvalidHandle, errors.NotInitialized(errors.PhaseDynload, "module instance")
	}
	if path == "" {
		return registry.MainHandle, nil
	}
	if h, ok := mi.registry.Lookup(path); ok {
		return h, nil
	}

	st, err := os.Stat(path)
	if err != nil || st.IsDir() {
		return registry.InvalidHandle, nil
	}

	key := cache.Key{User: mi.binding.User, Function: mi.binding.Function, SharedPath: path}
	load := func() ([]byte, error) { return mi.loader(mi.binding.User, mi.binding.Function, path) }

	ir, raw, err := mi.cache.GetModule(key, load)
	if err != nil {
		return registry.InvalidHandle, mi.fail(err)
	}

	dataSize, err := mi.cache.DataSize(key, load)
	if err != nil {
		return registry.InvalidHandle, mi.fail(err)
	}
	neededTableSlots, err := mi.cache.TableSize(key, load)
	if err != nil {
		return registry.InvalidHandle, mi.fail(err)
	}
	if neededTableSlots == 0 {
		neededTableSlots = 1
	}

	tableBottom, err := mi.grower.GrowTable(ctx, neededTableSlots)
	if err != nil {
		return registry.InvalidHandle, mi.fail(err)
	}
	tableTop := tableBottom + neededTableSlots

	l, err := mi.reserveMemoryRegion(ctx, dataSize, tableBottom, tableTop)
	if err != nil {
		return registry.InvalidHandle, mi.fail(err)
	}

	entry := mi.registry.Insert(path, l)

	base := resolve.BaseAddresses{
		MemoryBase:         uint32(l.DataBottom),
		TableBase:          tableBottom,
		StackPointer:       l.StackPointer,
		SharedTableModule:  mainModuleName,
		SharedTableName:    mainTableExport,
		SharedMemoryModule: mainModuleName,
		SharedMemoryName:   "memory",
	}
	prepared, err := mi.resolver.PrepareDynamicLoad(ctx, mi.compartment, raw, ir, uint32(entry.Handle), mi.got, base, mi.grower, mi.lookup)
	if err != nil {
		return registry.InvalidHandle, mi.fail(errors.DynamicLoadError(path, "prepare dynamic load", err))
	}

	compiled, err := mi.backend.CompileModule(ctx, prepared.RewrittenBytes)
	if err != nil {
		closeBridges(ctx, prepared.Bridges)
		return registry.InvalidHandle, mi.fail(errors.DynamicLoadError(path, "compile dynamic module", err))
	}
	mi.dynCompiled[path] = compiled

	instName := dynamicInstanceName(entry.Handle)
	mod, err := mi.backend.InstantiateModule(ctx, mi.compartment, compiled, instName)
	closeBridges(ctx, prepared.Bridges)
	if err != nil {
		return registry.InvalidHandle, mi.fail(errors.DynamicLoadError(path, "instantiate dynamic module", err))
	}
	mi.compartment.AddDynamic(path, mod)
	mi.registry.SetInstance(entry.Handle, mod)

	if err := mi.resolver.PatchMissingEntries(ctx, instName, mod, mi.got, mi.grower); err != nil {
		return registry.InvalidHandle, mi.fail(errors.DynamicLoadError(path, "patch missing GOT.func entries", err))
	}

	mi.addModuleToGOT(ir, false, l)

	if err := l.Validate(); err != nil {
		return registry.InvalidHandle, mi.fail(errors.DynamicLoadError(path, "layout invariant violated", err))
	}

	if fn := mod.ExportedFunction("__wasm_call_ctors"); fn != nil {
		if _, err := mi.backend.InvokeFunction(ctx, fn); err != nil {
			return registry.InvalidHandle, mi.fail(errors.DynamicLoadError(path, "run __wasm_call_ctors", err))
		}
	}

	return entry.Handle, nil
}

// reserveMemoryRegion grows the compartment's single shared linear memory
// by a fresh guard/usable/guard triple sized per mi.cfg.Layout, then
// derives the new dynamic module's layout record from the base address
// of the usable middle.
func (mi *ModuleInstance) reserveMemoryRegion(ctx context.Context, dataSize uint64, tableBottom, tableTop uint32) (*layout.Module, error) {
	cfg := mi.cfg.Layout
	guardBytes := uint64(cfg.GuardPages) * layout.WasmPageSize
	regionBytes := uint64(cfg.MemoryPages) * layout.WasmPageSize
	totalBytes := 2*guardBytes + regionBytes
	totalPages := uint32(totalBytes / layout.WasmPageSize)

	main := mi.compartment.Main()
	prevPages, ok := mi.backend.GrowMemory(main, totalPages)
	if !ok {
		return nil, errors.MemoryError("grow shared linear memory for dynamic module region", nil)
	}
	prevBytes := uint64(prevPages) * layout.WasmPageSize

	if err := mi.compartment.Arena.ProtectGuard(prevBytes, guardBytes); err != nil {
		return nil, err
	}
	memoryBottom := prevBytes + guardBytes
	if err := mi.compartment.Arena.ProtectGuard(memoryBottom+regionBytes, guardBytes); err != nil {
		return nil, err
	}

	return layout.Compute(cfg, memoryBottom, dataSize, tableBottom, tableTop)
}

// GetDynamicModuleFunction resolves name to an exported function visible
// to handle, growing the shared table by one slot and installing the
// export there. Handle 1 searches the compartment's env host module, then
// the main instance, then WASI; any other handle searches only that
// instance's own exports.
func (mi *ModuleInstance) GetDynamicModuleFunction(ctx context.Context, h registry.Handle, name string) (int32, error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.binding.Bound {
		return 0, errors.NotInitialized(errors.PhaseDynload, "module instance")
	}

	sourceModule, params, results, found := mi.lookupForHandle(h, name)
	if !found {
		return 0, mi.fail(errors.NotFound(errors.PhaseDynload, "exported function", name))
	}

	prev, err := mi.grower.GrowTable(ctx, 1)
	if err != nil {
		return 0, mi.fail(err)
	}
	index := int32(prev)

	if err := mi.grower.PlaceFunction(ctx, sourceModule, name, params, results, index); err != nil {
		return 0, mi.fail(err)
	}
	mi.got.SetFunctionOffset(name, uint32(index))

	return index, nil
}

// lookupForHandle searches the exports visible to h for name. Handle 1
// (main) searches env, then main, then WASI; any other handle searches
// only the dynamic instance registered under it.
func (mi *ModuleInstance) lookupForHandle(h registry.Handle, name string) (sourceModule string, params, results []api.ValueType, found bool) {
	lookIn := func(mod api.Module) (string, []api.ValueType, []api.ValueType, bool) {
		if mod == nil {
			return "", nil, nil, false
		}
		// ExportedFunctionDefinitions, unlike ExportedFunction, is also
		// supported by the env and WASI host modules.
		def, ok := mod.ExportedFunctionDefinitions()[name]
		if !ok {
			return "", nil, nil, false
		}
		return mod.Name(), def.ParamTypes(), def.ResultTypes(), true
	}

	if h == registry.MainHandle {
		for _, mod := range []api.Module{mi.compartment.Env(), mi.compartment.Main(), mi.compartment.WASI()} {
			if sm, p, r, ok := lookIn(mod); ok {
				return sm, p, r, true
			}
		}
		return "", nil, nil, false
	}

	entry, ok := mi.registry.Get(h)
	if !ok {
		return "", nil, nil, false
	}
	mod, _ := entry.Instance.(api.Module)
	return lookIn(mod)
}

func dynamicInstanceName(h registry.Handle) string {
	return "dyn_" + strconv.FormatUint(uint64(h), 10)
}
