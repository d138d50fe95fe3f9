package instance

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"

	"github.com/wasmforge/modhost/cache"
	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/engine"
	"github.com/wasmforge/modhost/got"
	"github.com/wasmforge/modhost/layout"
	"github.com/wasmforge/modhost/message"
	"github.com/wasmforge/modhost/registry"
	"github.com/wasmforge/modhost/resolve"
	"github.com/wasmforge/modhost/threadctx"
)

// mainModuleName is the fixed name the main module instance is
// instantiated under inside its compartment's Runtime namespace. A
// compartment is never shared between ModuleInstances, so this never
// collides across bindings.
const mainModuleName = "main"

// mainTableExport is the export name the main module is expected to carry
// for its indirect function table, the one table shared by every dynamic
// module loaded into the same compartment.
const mainTableExport = "__indirect_function_table"

// defaultEntryFunc is the export invoked by execute when msg.FuncPtr is
// zero and no EntryFunc override is configured.
const defaultEntryFunc = "_start"

// ArtifactLoader fetches a module's raw bytes for (user, function,
// sharedPath); sharedPath is empty for the main module, the dynamic
// module's load path otherwise. Supplied by the out-of-scope dispatcher -
// this package never reads local disk, a blob store, or an HTTP endpoint
// itself.
type ArtifactLoader func(user, function, sharedPath string) ([]byte, error)

// PythonFileSyncer prepares a Python-backed function's source files before
// execute runs it. The dispatcher (out of scope) supplies a real
// implementation; a zero Config gets a no-op default.
type PythonFileSyncer interface {
	Sync(ctx context.Context, msg *message.Message) error
}

type noopSyncer struct{}

func (noopSyncer) Sync(context.Context, *message.Message) error { return nil }

// Config parameterizes a ModuleInstance. Backend, Cache, and Loader are
// required; the rest default to the values named below.
type Config struct {
	Backend engine.Backend
	Cache   *cache.IRModuleCache
	Loader  ArtifactLoader

	// MaxMemoryBytes bounds the compartment's linear memory arena
	// (memarena.NewArena's reservation), not any one module's own
	// memory.max.
	MaxMemoryBytes uint64

	// Layout parameterizes dynamic module memory/guard sizing; the zero
	// value is replaced with layout.DefaultConfig().
	Layout layout.Config

	// HostImports registers the host-call surface's env module exports;
	// nil leaves "env" exporting nothing beyond what the resolver's own
	// bridges provide.
	HostImports func(wazero.HostModuleBuilder) wazero.HostModuleBuilder

	// EntryFunc is the export execute calls when msg.FuncPtr is zero.
	// Defaults to "_start".
	EntryFunc string

	// Syncer prepares Python-backed functions before execute runs them.
	// Defaults to a no-op.
	Syncer PythonFileSyncer
}

func (c Config) withDefaults() Config {
	if c.Layout == (layout.Config{}) {
		c.Layout = layout.DefaultConfig()
	}
	if c.EntryFunc == "" {
		c.EntryFunc = defaultEntryFunc
	}
	if c.Syncer == nil {
		c.Syncer = noopSyncer{}
	}
	return c
}

// ModuleInstance binds a compiled main module to one invocation message,
// dynamically links shared-object modules into its compartment, and
// drives execute/dynamicLoad/clone/snapshot/restore/tearDown for the
// bound lifetime. A ModuleInstance is not safe for concurrent use: the
// engine is single-threaded per instance during Execute and DynamicLoad;
// parallelism happens across instances.
type ModuleInstance struct {
	cfg      Config
	backend  engine.Backend
	cache    *cache.IRModuleCache
	loader   ArtifactLoader
	resolver *resolve.Resolver
	syncer   PythonFileSyncer

	mu          sync.Mutex
	binding     message.Binding
	compartment *compartment.Compartment
	thread      *threadctx.Context
	pool        threadctx.Pool

	got      *got.Table
	registry *registry.Registry
	grower   *tableGrower
	lookup   *exportLookup

	mainCompiled wazero.CompiledModule
	dynCompiled  map[string]wazero.CompiledModule
}

// New creates an unbound ModuleInstance. BindToFunction must succeed
// before any other method is legal to call.
func New(cfg Config) *ModuleInstance {
	cfg = cfg.withDefaults()
	return &ModuleInstance{
		cfg:         cfg,
		backend:     cfg.Backend,
		cache:       cfg.Cache,
		loader:      cfg.Loader,
		resolver:    resolve.NewResolver(),
		syncer:      cfg.Syncer,
		got:         got.New(),
		registry:    registry.New(),
		dynCompiled: make(map[string]wazero.CompiledModule),
	}
}

// Bound reports whether BindToFunction has already completed
// successfully.
func (mi *ModuleInstance) Bound() bool {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.binding.Bound
}
