package compartment

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/memarena"
)

// Compartment is one isolated WASM instantiation namespace: a dedicated
// wazero.Runtime, its environment and WASI host modules (instantiated once,
// lazily, per compartment), the main module instance, and every dynamic
// module instance loaded into it. A ModuleInstance owns exactly one
// Compartment and never shares its Runtime with another ModuleInstance.
type Compartment struct {
	Runtime wazero.Runtime
	Arena   *memarena.Arena

	envModule  api.Module
	wasiModule api.Module
	initMu     sync.Mutex
	envDone    atomic.Bool
	wasiDone   atomic.Bool

	mu      sync.RWMutex
	dynamic map[string]api.Module
	main    api.Module
}

// New creates a Compartment with its own wazero.Runtime backed by arena for
// linear memory allocation (see memarena.Arena, which implements
// experimental.MemoryAllocator; the allocator itself is attached per
// instantiation context by the engine package). cfg must carry the
// backend's shared compilation cache - a compartment with a private engine
// could not instantiate modules the backend compiled.
func New(ctx context.Context, arena *memarena.Arena, cfg wazero.RuntimeConfig) *Compartment {
	if cfg == nil {
		cfg = wazero.NewRuntimeConfig()
	}
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	return &Compartment{
		Runtime: rt,
		Arena:   arena,
		dynamic: make(map[string]api.Module),
	}
}

// Close tears down every instance and the underlying Runtime, in that order.
func (c *Compartment) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path, mod := range c.dynamic {
		if err := mod.Close(ctx); err != nil {
			return errors.Wrap(errors.PhaseDynload, errors.KindDynamicLoadError, err, "close dynamic module "+path)
		}
	}
	c.dynamic = make(map[string]api.Module)

	if c.main != nil {
		if err := c.main.Close(ctx); err != nil {
			return errors.Wrap(errors.PhaseExecute, errors.KindInstantiation, err, "close main module")
		}
		c.main = nil
	}

	if err := c.Runtime.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseExecute, errors.KindInstantiation, err, "close runtime")
	}
	if c.Arena != nil {
		c.Arena.Free()
	}
	return nil
}

// EnsureEnv instantiates the persistent "env" host module exactly once for
// this compartment, building it lazily via build since the set of host
// functions it exports is supplied by the instance package. Safe for
// concurrent callers via the double-checked init lock.
func (c *Compartment) EnsureEnv(ctx context.Context, build func(wazero.HostModuleBuilder) wazero.HostModuleBuilder) (api.Module, error) {
	if c.envDone.Load() {
		return c.envModule, nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.envDone.Load() {
		return c.envModule, nil
	}

	if mod := c.Runtime.Module("env"); mod != nil {
		c.envModule = mod
		c.envDone.Store(true)
		return mod, nil
	}

	builder := build(c.Runtime.NewHostModuleBuilder("env"))
	mod, err := builder.Instantiate(ctx)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseBind, errors.KindInstantiation, err, "instantiate env host module")
	}

	c.envModule = mod
	c.envDone.Store(true)
	return mod, nil
}

// WASIInstantiator instantiates a WASI preview1 host module into a runtime.
// Callers that need the componentize-py adapter exports pass
// engine.InstantiateWASIWithAdapter; nil gets the stock preview1 module.
type WASIInstantiator func(ctx context.Context, r wazero.Runtime) (api.Module, error)

// EnsureWASI instantiates the persistent WASI preview1 singleton exactly
// once for this compartment, via instantiate when supplied.
func (c *Compartment) EnsureWASI(ctx context.Context, instantiate WASIInstantiator) (api.Module, error) {
	if c.wasiDone.Load() {
		return c.wasiModule, nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.wasiDone.Load() {
		return c.wasiModule, nil
	}

	if mod := c.Runtime.Module(wasi_snapshot_preview1.ModuleName); mod != nil {
		c.wasiModule = mod
		c.wasiDone.Store(true)
		return mod, nil
	}

	var mod api.Module
	var err error
	if instantiate != nil {
		mod, err = instantiate(ctx, c.Runtime)
	} else {
		_, err = wasi_snapshot_preview1.Instantiate(ctx, c.Runtime)
		if err == nil {
			mod = c.Runtime.Module(wasi_snapshot_preview1.ModuleName)
		}
	}
	if err != nil {
		return nil, errors.Wrap(errors.PhaseBind, errors.KindInstantiation, err, "instantiate WASI preview1")
	}

	c.wasiModule = mod
	c.wasiDone.Store(true)
	return mod, nil
}

// Env returns the compartment's env host module, or nil if EnsureEnv has
// not yet run.
func (c *Compartment) Env() api.Module {
	if c.envDone.Load() {
		return c.envModule
	}
	return nil
}

// WASI returns the compartment's WASI preview1 module, or nil if
// EnsureWASI has not yet run.
func (c *Compartment) WASI() api.Module {
	if c.wasiDone.Load() {
		return c.wasiModule
	}
	return nil
}

// SetMain records the instantiated main module instance.
func (c *Compartment) SetMain(mod api.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.main = mod
}

// Main returns the main module instance, or nil if not yet loaded.
func (c *Compartment) Main() api.Module {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.main
}

// AddDynamic records a dynamic module instance under path so it can be
// closed along with the rest of the compartment.
func (c *Compartment) AddDynamic(path string, mod api.Module) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dynamic[path] = mod
}

// Dynamic returns the dynamic module instance loaded from path, if any.
func (c *Compartment) Dynamic(path string) (api.Module, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mod, ok := c.dynamic[path]
	return mod, ok
}

// Context is one execution stack frame: the compartment it runs against and
// whichever dynamic module, if any, is currently executing within it. It is
// what threadctx.Current(ctx) returns to a host-call shim that needs to know
// "who called me" without native thread-local storage.
type Context struct {
	Compartment *Compartment
	// Executing is the handle of the dynamic module currently running, or
	// registry.MainHandle when execution is in the main module.
	Executing uint32
}
