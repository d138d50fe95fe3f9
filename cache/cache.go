package cache

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/internal/wasmbin"
)

// Key identifies one cacheable module: the owning user and function the
// module was loaded for, and - for dynamic modules - the shared-object
// path it was loaded from. The main module of a binding is cached under
// SharedPath == "".
type Key struct {
	User       string
	Function   string
	SharedPath string
}

// Loader fetches a module's raw bytes. The artifact loader that actually
// reads local disk, a blob store, or an HTTP endpoint is out of this
// subsystem's scope; callers supply it as a closure so the cache never
// depends on where bytes come from.
type Loader func() ([]byte, error)

// Compiler compiles raw bytes into a backend-specific artifact. Supplied
// by the caller (normally engine.Backend.CompileModule) so this package
// never constructs a wazero.Runtime itself.
type Compiler func(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error)

// entry holds one key's parsed IR and compiled artifact, each filled in at
// most once. Its own mutex - not the cache's - serializes concurrent
// first-access loads/compiles for this one key without blocking lookups
// of other keys.
type entry struct {
	mu sync.Mutex

	loaded  bool
	raw     []byte
	ir      *wasmbin.Module
	loadErr error

	compileDone bool
	compiled    wazero.CompiledModule
	compileErr  error
}

// IRModuleCache is the process-wide, thread-safe cache mapping Key to
// parsed IR and compiled artifact.
// getModule always returns the cache's own reference, never a copy -
// copying would double memory and invalidate pointer-identity checks the
// resolver performs against a module's parsed Globals/Elements.
type IRModuleCache struct {
	mu      sync.RWMutex
	entries map[Key]*entry
}

// New returns an empty IRModuleCache.
func New() *IRModuleCache {
	return &IRModuleCache{entries: make(map[Key]*entry)}
}

// entryFor returns (creating if necessary) the entry for k, using the
// double-checked pattern: a read lock first, since readers vastly
// outnumber the one writer that inserts a brand-new key.
func (c *IRModuleCache) entryFor(k Key) *entry {
	c.mu.RLock()
	e := c.entries[k]
	c.mu.RUnlock()
	if e != nil {
		return e
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[k]; ok {
		return e
	}
	e = &entry{}
	c.entries[k] = e
	return e
}

// GetModule returns the parsed IR and raw bytes for k, loading via load on
// first access. Later calls for the same k return the cached reference
// without invoking load again, even if the first call failed: the load
// error is cached too, so a broken artifact fails fast instead of
// retrying on every call.
func (c *IRModuleCache) GetModule(k Key, load Loader) (*wasmbin.Module, []byte, error) {
	e := c.entryFor(k)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loaded {
		return e.ir, e.raw, e.loadErr
	}

	raw, err := load()
	if err != nil {
		e.loadErr = errors.Wrap(errors.PhaseLoad, errors.KindNotFound, err, "load module bytes for "+describeKey(k))
		e.loaded = true
		return nil, nil, e.loadErr
	}

	e.raw = raw
	e.ir = wasmbin.Parse(raw)
	e.loaded = true
	return e.ir, e.raw, nil
}

// GetCompiledModule returns the compiled artifact for k, compiling via
// compile on first access. Concurrent callers racing to be first block on
// the same compile rather than each compiling their own copy.
func (c *IRModuleCache) GetCompiledModule(ctx context.Context, k Key, load Loader, compile Compiler) (wazero.CompiledModule, error) {
	if _, _, err := c.GetModule(k, load); err != nil {
		return nil, err
	}

	e := c.entryFor(k)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.compileDone {
		return e.compiled, e.compileErr
	}

	compiled, err := compile(ctx, e.raw)
	e.compiled = compiled
	e.compileErr = err
	e.compileDone = true
	return compiled, err
}

// TableSize answers "how many table elements does this shared module need
// reserved for it" without linking it, reading the module's wasm-ld
// dylink.0 custom section (see internal/wasmbin.DylinkInfo). A module with
// no dylink section (not a `-shared`-compiled dynamic module) reports zero.
func (c *IRModuleCache) TableSize(k Key, load Loader) (uint32, error) {
	ir, _, err := c.GetModule(k, load)
	if err != nil {
		return 0, err
	}
	if ir.Dylink == nil {
		return 0, nil
	}
	return ir.Dylink.TableSize, nil
}

// DataSize answers "how many bytes of static data does this shared module
// need reserved for it" without linking it, the dataSize input
// layout.Compute needs to lay out a dynamic module's memory region.
func (c *IRModuleCache) DataSize(k Key, load Loader) (uint64, error) {
	ir, _, err := c.GetModule(k, load)
	if err != nil {
		return 0, err
	}
	if ir.Dylink == nil {
		return 0, nil
	}
	return uint64(ir.Dylink.MemorySize), nil
}

// Flush empties the cache. Compiled modules already handed out to callers
// are not closed here - Flush only drops the cache's own references, it
// does not own the lifetime of an in-use artifact.
func (c *IRModuleCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[Key]*entry)
}

func describeKey(k Key) string {
	if k.SharedPath == "" {
		return k.User + "/" + k.Function
	}
	return k.User + "/" + k.Function + ":" + k.SharedPath
}
