// Package message defines the inbound invocation message and the module
// binding it is matched against. Both are plain data: the dispatcher that
// constructs and routes them is out of this subsystem's scope.
package message

// Binding is the per-ModuleInstance identity a message must match before
// execute is permitted to run: the owning user, the function name, and
// whether bindToFunction has already completed. Bound only ever flips
// false to true while bound; only teardown resets it, by replacing the
// whole Binding with its zero value so the ModuleInstance can be reused.
type Binding struct {
	User     string
	Function string
	Bound    bool
	// MemoryFD is an optional file descriptor backing this instance's
	// linear memory, used by clone to share memory pages via mmap(MAP_FIXED)
	// instead of copying them.
	MemoryFD int
}

// Message is one invocation request.
type Message struct {
	User      string
	Function  string
	InputData []byte

	// FuncPtr selects a table-indexed entry point instead of the module's
	// main export; zero means "use the main entry function".
	FuncPtr uint32

	// ReturnValue is written by execute once the call completes.
	ReturnValue int32

	// OMP fields describe a fork-join dispatch request analogous to
	// OpenMP's parallel regions; a zero OMPDepth means ordinary, single
	// threaded execution.
	OMPDepth        int32
	OMPEffDepth     int32
	OMPMaster       bool
	OMPNumThreads   int32
	OMPThreadNum    int32
	OMPFunctionArgs []int32
}
