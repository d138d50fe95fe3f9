package threadctx

import (
	"sync"

	"github.com/wasmforge/modhost/compartment"
	"github.com/wasmforge/modhost/errors"
)

// StackSize is the fixed per-thread stack every forked worker is given:
// 2 MiB of linear memory.
const StackSize = 2 * 1024 * 1024

// Context is one logical thread of WASM execution: the backend Context it
// drives and, for a forked worker, the base address of the private stack
// region it was handed inside the compartment's linear memory. The primary
// (non-forked) ThreadContext's StackBase is zero - its stack is the main
// module's own, laid out by the module itself, not a separately allocated
// range.
type Context struct {
	Backend   *compartment.Context
	StackBase uint64
}

// New wraps an already-created backend Context as the primary ThreadContext
// for a ModuleInstance.
func New(backend *compartment.Context) *Context {
	return &Context{Backend: backend}
}

// current is the thread-local "executing module" slot host-call shims
// consult: keyed by the *Context a goroutine owns exclusively,
// valued with whatever the owner chooses to store there (normally a
// *instance.ModuleInstance) - kept as `any` so this package never needs to
// import instance, which would otherwise cycle back through threadctx.
var current sync.Map

// SetOwner records owner as the module currently executing on c.
func SetOwner(c *Context, owner any) {
	current.Store(c, owner)
}

// Current returns the owner most recently recorded for c, if any.
func Current(c *Context) (any, bool) {
	return current.Load(c)
}

// ClearOwner removes c's recorded owner, called when execution on c
// completes so a reused Context doesn't appear to still be running.
func ClearOwner(c *Context) {
	current.Delete(c)
}

// StackAllocator produces the base address of a fresh StackSize-byte stack
// region in the compartment's linear memory. The instance package supplies
// one that grows the shared memory; tests can supply arithmetic fakes.
type StackAllocator func() (uint64, error)

// Pool spawns additional worker ThreadContexts for an OpenMP-style
// fork-join parallel region a guest requests. Each worker clones the
// parent's backend Context into the same compartment (fork-join workers
// execute within the already-bound compartment, never a new one) and
// receives its own private stack; which goroutine actually drives a given
// worker, and when, is the thread-pool scheduling policy this subsystem
// only feeds, never decides.
type Pool struct{}

// Fork allocates n worker ThreadContexts for parent, each with its own
// stack from alloc.
func (p *Pool) Fork(parent *Context, n int, alloc StackAllocator) ([]*Context, error) {
	if alloc == nil {
		return nil, errors.NilPointer(errors.PhaseExecute, []string{"alloc"}, "threadctx.StackAllocator")
	}

	workers := make([]*Context, 0, n)
	for i := 0; i < n; i++ {
		base, err := alloc()
		if err != nil {
			return nil, errors.MemoryError("allocate fork-join worker stack", err)
		}
		workers = append(workers, &Context{
			Backend: &compartment.Context{
				Compartment: parent.Backend.Compartment,
				Executing:   parent.Backend.Executing,
			},
			StackBase: base,
		})
	}
	return workers, nil
}
