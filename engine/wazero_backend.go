package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/layout"
	"github.com/wasmforge/modhost/memarena"
)

// WazeroBackend implements Backend on top of wazero. Every runtime it
// creates - the compile-only runtime and each compartment's own - shares
// one wazero.CompilationCache, which is what lets a module compiled once
// be instantiated into any compartment (and lets Clone relink an artifact
// compiled by the source instance): wazero only accepts a CompiledModule
// in a runtime whose engine produced it, and sharing the cache is the
// supported way to share that engine.
type WazeroBackend struct {
	cfg wazero.RuntimeConfig

	// Quota, when set, is attached to every compartment arena so memory
	// growth past the host cgroup limit fails as OutOfQuota instead of a
	// generic commit error.
	Quota *memarena.QuotaChecker

	compileOnce sync.Once
	compiler    wazero.Runtime
}

// NewWazeroBackend creates a Backend sharing one wazero.RuntimeConfig
// (feature flags, memory limits) across every compartment it creates.
func NewWazeroBackend(cfg wazero.RuntimeConfig) *WazeroBackend {
	if cfg == nil {
		cfg = wazero.NewRuntimeConfig()
	}
	cfg = cfg.WithCompilationCache(wazero.NewCompilationCache())
	return &WazeroBackend{cfg: cfg}
}

func (b *WazeroBackend) CreateCompartment(ctx context.Context, maxMemoryBytes uint64) (*compartment.Compartment, error) {
	arena, err := memarena.NewArena(maxMemoryBytes)
	if err != nil {
		return nil, errors.MemoryError("reserve compartment arena", err)
	}
	arena.SetQuota(b.Quota)
	return compartment.New(ctx, arena, b.cfg), nil
}

// CloneCompartment creates the fresh compartment a cloned ModuleInstance
// re-instantiates its modules into. Memory contents are not copied here:
// instantiation re-applies every module's data segments, so the source's
// linear memory is copied (CopyMemory) only after the clone's instances
// all exist, or mapped from a file descriptor instead when the binding
// carries one.
func (b *WazeroBackend) CloneCompartment(ctx context.Context, src *compartment.Compartment, maxMemoryBytes uint64) (*compartment.Compartment, error) {
	return b.CreateCompartment(ctx, maxMemoryBytes)
}

// CopyMemory grows dst's linear memory to src's size and overwrites it with
// src's bytes, the final step of a memory-carrying clone.
func (b *WazeroBackend) CopyMemory(dst, src api.Module) error {
	smem := src.Memory()
	dmem := dst.Memory()
	if smem == nil || dmem == nil {
		return errors.NilPointer(errors.PhaseMemory, []string{"memory"}, "api.Memory")
	}

	srcPages := smem.Size() / layout.WasmPageSize
	dstPages := dmem.Size() / layout.WasmPageSize
	if srcPages > dstPages {
		if _, ok := dmem.Grow(srcPages - dstPages); !ok {
			return errors.OutOfMemory("grow clone memory to source size", nil)
		}
	}

	buf, ok := smem.Read(0, smem.Size())
	if !ok {
		return errors.MemoryError("read source linear memory for clone", nil)
	}
	if !dmem.Write(0, buf) {
		return errors.MemoryError("write cloned linear memory", nil)
	}
	return nil
}

// CompileModule precompiles raw bytes on the backend's dedicated
// compile-only runtime; the shared compilation cache makes the result
// instantiable in every compartment runtime this backend created.
func (b *WazeroBackend) CompileModule(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
	b.compileOnce.Do(func() {
		b.compiler = wazero.NewRuntimeWithConfig(ctx, b.cfg)
	})
	compiled, err := b.compiler.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseCompile, errors.KindInvalidData, err, "compile module")
	}
	return compiled, nil
}

func (b *WazeroBackend) InstantiateModule(ctx context.Context, c *compartment.Compartment, compiled wazero.CompiledModule, name string) (api.Module, error) {
	// The allocator is read from the instantiation context, not the
	// runtime, so it must ride along on every call that may create the
	// compartment's memory.
	ctx = experimental.WithMemoryAllocator(ctx, c.Arena)
	// No start functions: "_start" runs only when Execute invokes it.
	cfg := wazero.NewModuleConfig().WithName(name).WithStartFunctions()
	mod, err := c.Runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLink, errors.KindInstantiation, err, "instantiate "+name)
	}
	return mod, nil
}

// GrowTable grows the table export named exportName by calling it as a
// function: the resolve package synthesizes table-grow bridge modules whose
// sole export is a function taking the delta and returning the previous
// size (see internal/wasmbin.ModuleBuilder.AddTableGrowFunc). Calling it
// with delta 0 is therefore also how GetTableNumElements reads the current
// size, since wazero's public API exposes no other way to inspect a table.
func (b *WazeroBackend) GrowTable(ctx context.Context, mod api.Module, exportName string, n uint32) (uint32, bool) {
	fn := mod.ExportedFunction(exportName)
	if fn == nil {
		return 0, false
	}
	results, err := fn.Call(ctx, uint64(n))
	if err != nil || len(results) != 1 {
		return 0, false
	}
	prev := int32(results[0])
	if prev < 0 {
		return 0, false
	}
	return uint32(prev), true
}

func (b *WazeroBackend) GetTableNumElements(mod api.Module, exportName string) (uint32, bool) {
	return b.GrowTable(context.Background(), mod, exportName, 0)
}

func (b *WazeroBackend) GrowMemory(mod api.Module, n uint32) (uint32, bool) {
	mem := mod.Memory()
	if mem == nil {
		return 0, false
	}
	prev, ok := mem.Grow(n)
	if !ok {
		return 0, false
	}
	return prev, true
}

func (b *WazeroBackend) GetMemoryNumPages(mod api.Module) uint32 {
	mem := mod.Memory()
	if mem == nil {
		return 0
	}
	return mem.Size() / layout.WasmPageSize
}

func (b *WazeroBackend) GetInstanceExport(mod api.Module, name string) (api.Function, bool) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return nil, false
	}
	return fn, true
}

func (b *WazeroBackend) InvokeFunction(ctx context.Context, fn api.Function, args ...uint64) ([]uint64, error) {
	results, err := fn.Call(ctx, args...)
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return nil, errors.GuestExit(int32(exitErr.ExitCode()))
		}
		return nil, errors.BackendTrap(fn.Definition().DebugName(), err)
	}
	return results, nil
}
