package instance

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/cache"
	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/engine"
	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/internal/wasmbin"
	"github.com/wasmforge/modhost/layout"
	"github.com/wasmforge/modhost/message"
	"github.com/wasmforge/modhost/registry"
	"github.com/wasmforge/modhost/resolve"
	"github.com/wasmforge/modhost/threadctx"
)

// BindToFunction binds this instance to msg: legal only once, when
// !Bound(). It creates a compartment, instantiates the main module
// against it, links GOT.mem/GOT.func/base-address imports via the
// Resolver, and runs __wasm_call_ctors and - if executeZygote - the
// optional "zygote" export.
func (mi *ModuleInstance) BindToFunction(ctx context.Context, msg *message.Message, executeZygote bool) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if mi.binding.Bound {
		return mi.fail(errors.BindingError([]string{msg.User, msg.Function}, "instance is already bound", nil))
	}

	c, err := mi.backend.CreateCompartment(ctx, mi.cfg.MaxMemoryBytes)
	if err != nil {
		return mi.fail(err)
	}
	mi.compartment = c
	mi.thread = threadctx.New(&compartment.Context{Compartment: c, Executing: uint32(registry.MainHandle)})

	build := mi.cfg.HostImports
	if build == nil {
		build = func(b wazero.HostModuleBuilder) wazero.HostModuleBuilder { return b }
	}
	if _, err := c.EnsureEnv(ctx, build); err != nil {
		return mi.fail(err)
	}
	if _, err := c.EnsureWASI(ctx, engine.InstantiateWASIWithAdapter); err != nil {
		return mi.fail(err)
	}

	key := cache.Key{User: msg.User, Function: msg.Function}
	ir, raw, err := mi.cache.GetModule(key, func() ([]byte, error) {
		return mi.loader(msg.User, msg.Function, "")
	})
	if err != nil {
		return mi.fail(err)
	}

	if len(ir.Globals) == 0 || ir.Globals[0].IsImport || !ir.Globals[0].Mutable {
		return mi.fail(errors.LayoutError("main module's first global is not a locally defined mutable stack pointer"))
	}

	mi.grower = newTableGrower(mi.backend, c.Runtime, mainModuleName, mainTableExport)
	mi.lookup = &exportLookup{compartment: c, registry: mi.registry}

	mi.addModuleToGOT(ir, true, nil)

	base := resolve.BaseAddresses{
		MemoryBase:         0,
		TableBase:          0,
		StackPointer:       0,
		SharedTableModule:  mainModuleName,
		SharedTableName:    mainTableExport,
		SharedMemoryModule: mainModuleName,
		SharedMemoryName:   "memory",
	}
	prepared, err := mi.resolver.PrepareDynamicLoad(ctx, c, raw, ir, 0, mi.got, base, mi.grower, mi.lookup)
	if err != nil {
		return mi.fail(err)
	}

	compiled, err := mi.backend.CompileModule(ctx, prepared.RewrittenBytes)
	if err != nil {
		closeBridges(ctx, prepared.Bridges)
		return mi.fail(err)
	}
	mi.mainCompiled = compiled

	mainMod, err := mi.backend.InstantiateModule(ctx, c, compiled, mainModuleName)
	closeBridges(ctx, prepared.Bridges)
	if err != nil {
		return mi.fail(err)
	}
	c.SetMain(mainMod)

	if err := mi.grower.seed(ctx); err != nil {
		return mi.fail(err)
	}
	if err := mi.resolver.PatchMissingEntries(ctx, mainModuleName, mainMod, mi.got, mi.grower); err != nil {
		return mi.fail(err)
	}

	if err := mi.runCtorsAndZygote(ctx, mainMod, ir, executeZygote); err != nil {
		return mi.fail(err)
	}

	mi.binding = message.Binding{User: msg.User, Function: msg.Function, Bound: true}
	return nil
}

// addModuleToGOT populates the GOT from mod's element segments and
// data-initialized exported globals. For the main module
// (isMain) the element segment's own offset is used; for a dynamic
// module, every segment lands at l.TableBottom, the range the caller
// reserved for it by growing the shared table before instantiation.
func (mi *ModuleInstance) addModuleToGOT(mod *wasmbin.Module, isMain bool, l *layout.Module) {
	funcIdxToName := make(map[uint32]string, len(mod.ExportedFuncs))
	for name, idx := range mod.ExportedFuncs {
		funcIdxToName[idx] = name
	}

	for _, seg := range mod.Elements {
		base := uint32(seg.Offset)
		if !isMain {
			base = l.TableBottom
		}
		for i, funcIdx := range seg.FuncIndices {
			name, ok := funcIdxToName[funcIdx]
			if !ok {
				continue
			}
			mi.got.SetFunctionOffset(name, base+uint32(i))
		}
	}

	var dataBase int32
	if !isMain {
		dataBase = int32(l.DataBottom)
	}
	for _, g := range mod.Globals {
		if g.IsImport || !g.HasConstI32 || g.ExportName == "" {
			continue
		}
		mi.got.SetDataOffset(g.ExportName, g.ConstI32+dataBase, g.Mutable)
	}
}

func (mi *ModuleInstance) runCtorsAndZygote(ctx context.Context, mod api.Module, ir *wasmbin.Module, executeZygote bool) error {
	if fn := mod.ExportedFunction("__wasm_call_ctors"); fn != nil {
		if _, err := mi.backend.InvokeFunction(ctx, fn); err != nil {
			return errors.Wrap(errors.PhaseBind, errors.KindBindingError, err, "run __wasm_call_ctors")
		}
	}

	if executeZygote {
		if fn := mod.ExportedFunction("zygote"); fn != nil {
			results, err := mi.backend.InvokeFunction(ctx, fn)
			if err != nil {
				return errors.Wrap(errors.PhaseBind, errors.KindBindingError, err, "run zygote")
			}
			if len(results) > 0 && int32(results[0]) != 0 {
				return errors.BindingError(nil, "zygote returned non-zero", nil)
			}
		}
	}

	heapBase, hasHeap := constGlobal(ir, "__heap_base")
	dataEnd, hasData := constGlobal(ir, "__data_end")
	if hasHeap && hasData && heapBase != dataEnd {
		return errors.LayoutError("__heap_base != __data_end")
	}
	return nil
}

func constGlobal(ir *wasmbin.Module, name string) (int32, bool) {
	idx, ok := ir.ExportedGlobals[name]
	if !ok || idx < 0 || idx >= len(ir.Globals) {
		return 0, false
	}
	g := ir.Globals[idx]
	if !g.HasConstI32 {
		return 0, false
	}
	return g.ConstI32, true
}

func closeBridges(ctx context.Context, bridges []api.Module) {
	for _, b := range bridges {
		_ = b.Close(ctx)
	}
}

// fail logs err at error level before returning it, so every throwing
// path leaves a trace before the caller sees the error.
func (mi *ModuleInstance) fail(err error) error {
	Logger().Sugar().Errorw("module instance operation failed", "error", err)
	return err
}
