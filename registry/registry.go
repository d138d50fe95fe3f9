package registry

import (
	"sync"

	"github.com/wasmforge/modhost/layout"
)

// Handle identifies a loaded dynamic module. 0 is never a valid handle
// (dlopen-style "load failed"), 1 is reserved for the main module, and
// dynamic modules are handed out starting at 2.
type Handle uint32

// InvalidHandle is returned by Load-adjacent operations to signal failure.
const InvalidHandle Handle = 0

// MainHandle is the handle dynamicLoad("") or dynamicLoad(mainPath) returns.
const MainHandle Handle = 1

const firstDynamicHandle Handle = 2

// LoadedModule is one entry of the registry: a dynamic module's path,
// instance handle, and immutable memory layout.
type LoadedModule struct {
	Path   string
	Handle Handle
	Layout *layout.Module
	// Instance is the backend instance handle (opaque to this package) the
	// resolver and ModuleInstance use to look up exports.
	Instance any
}

// Registry is the per-ModuleInstance dynamic module table.
type Registry struct {
	mu         sync.RWMutex
	byHandle   map[Handle]*LoadedModule
	byPath     map[string]Handle
	order      []Handle
	lastLoaded Handle
	nextHandle Handle
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byHandle:   make(map[Handle]*LoadedModule),
		byPath:     make(map[string]Handle),
		nextHandle: firstDynamicHandle,
	}
}

// Lookup returns the handle already assigned to path, if any - the
// mechanism that makes dynamicLoad idempotent for repeated loads of the
// same shared object.
func (r *Registry) Lookup(path string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byPath[path]
	return h, ok
}

// Insert reserves the next handle for path and records mod under it. It
// also updates the "last loaded" cursor, since the resolver needs the most
// recently inserted module's layout before instantiation completes - the
// registry entry exists before instantiation, with Instance filled in
// afterward via SetInstance.
func (r *Registry) Insert(path string, l *layout.Module) *LoadedModule {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.nextHandle
	r.nextHandle++

	mod := &LoadedModule{Path: path, Handle: h, Layout: l}
	r.byHandle[h] = mod
	r.byPath[path] = h
	r.order = append(r.order, h)
	r.lastLoaded = h
	return mod
}

// SetInstance records the backend instance handle for an already-inserted
// module, once instantiation succeeds.
func (r *Registry) SetInstance(h Handle, instance any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mod, ok := r.byHandle[h]; ok {
		mod.Instance = instance
	}
}

// Get returns the module registered under h.
func (r *Registry) Get(h Handle) (*LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.byHandle[h]
	return mod, ok
}

// LastLoaded returns the most recently inserted module, used by the
// resolver's __memory_base/__table_base/__stack_pointer fallbacks.
func (r *Registry) LastLoaded() (*LoadedModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastLoaded == InvalidHandle {
		return nil, false
	}
	return r.byHandle[r.lastLoaded], true
}

// Each iterates over loaded modules in insertion order, stopping early if
// fn returns false. Used by the resolver's fallback search across all
// already-loaded dynamic instances.
func (r *Registry) Each(fn func(*LoadedModule) bool) {
	r.mu.RLock()
	order := append([]Handle(nil), r.order...)
	r.mu.RUnlock()

	for _, h := range order {
		r.mu.RLock()
		mod := r.byHandle[h]
		r.mu.RUnlock()
		if mod == nil {
			continue
		}
		if !fn(mod) {
			return
		}
	}
}

// Count reports how many dynamic modules are currently registered.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// Clear empties the registry, used by teardown.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHandle = make(map[Handle]*LoadedModule)
	r.byPath = make(map[string]Handle)
	r.order = nil
	r.lastLoaded = InvalidHandle
	r.nextHandle = firstDynamicHandle
}

// Clone returns a deep copy of the registry suitable for a cloned
// ModuleInstance: every LoadedModule is copied (the layout record is
// immutable and safe to share, but Instance must be remapped by the caller
// to the clone's compartment afterward).
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := New()
	out.nextHandle = r.nextHandle
	out.lastLoaded = r.lastLoaded
	for _, h := range r.order {
		src := r.byHandle[h]
		cp := &LoadedModule{Path: src.Path, Handle: src.Handle, Layout: src.Layout, Instance: src.Instance}
		out.byHandle[h] = cp
		out.byPath[src.Path] = h
		out.order = append(out.order, h)
	}
	return out
}
