package instance

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/cache"
	"github.com/wasmforge/modhost/engine"
	"github.com/wasmforge/modhost/internal/wasmbin"
	"github.com/wasmforge/modhost/message"
	"github.com/wasmforge/modhost/registry"
)

// Instruction bodies for the hand-assembled test subjects. Each includes
// its local-declaration vector and the terminating end opcode.
var (
	// i32.const 42
	bodyConst42 = []byte{0x00, 0x41, 0x2A, 0x0B}
	// i32.const 5
	bodyConst5 = []byte{0x00, 0x41, 0x05, 0x0B}
	// i32.const 9
	bodyConst9 = []byte{0x00, 0x41, 0x09, 0x0B}
	// i32.const 0
	bodyConst0 = []byte{0x00, 0x41, 0x00, 0x0B}
	// local.get 0; i32.const 2; i32.mul
	bodyDouble = []byte{0x00, 0x20, 0x00, 0x41, 0x02, 0x6C, 0x0B}
	// i32.const -1; i32.load  (traps: out of linear memory bounds)
	bodyLoadOOB = []byte{0x00, 0x41, 0x7F, 0x28, 0x02, 0x00, 0x0B}
	// i32.const 7; call 0 (proc_exit import); i32.const 0
	bodyExit7 = []byte{0x00, 0x41, 0x07, 0x10, 0x00, 0x41, 0x00, 0x0B}
)

var i32 = []api.ValueType{api.ValueTypeI32}

// buildMainWasm assembles a main-module-shaped subject: a leading local
// mutable stack-pointer global, an owned exported memory and indirect
// function table, and whatever entry bodies the caller adds on top.
func buildMainWasm(add func(b *wasmbin.ModuleBuilder)) []byte {
	b := wasmbin.NewModuleBuilder("")
	b.AddLocalGlobal("__stack_pointer", api.ValueTypeI32, true, 65536)
	b.DefineMemory(1, "memory")
	b.DefineTable(2, "__indirect_function_table")
	add(b)
	return b.Build()
}

func newBoundInstance(t *testing.T, user, function string, mainWasm []byte, executeZygote bool) (*ModuleInstance, *message.Message) {
	t.Helper()
	ctx := context.Background()

	mi := New(Config{
		Backend: engine.NewWazeroBackend(nil),
		Cache:   cache.New(),
		Loader: func(_, _, sharedPath string) ([]byte, error) {
			if sharedPath != "" {
				return os.ReadFile(sharedPath)
			}
			return mainWasm, nil
		},
		MaxMemoryBytes: 64 << 20,
	})

	msg := &message.Message{User: user, Function: function}
	if err := mi.BindToFunction(ctx, msg, executeZygote); err != nil {
		t.Fatalf("BindToFunction: %v", err)
	}
	t.Cleanup(func() { mi.TearDown(context.Background()) })
	return mi, msg
}

func writeModuleFile(t *testing.T, name string, raw []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestExecuteMainReturnValue(t *testing.T) {
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "fortytwo", main, false)

	ok, err := mi.Execute(context.Background(), msg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ok || msg.ReturnValue != 42 {
		t.Fatalf("Execute = (ok=%v, rv=%d), want (true, 42)", ok, msg.ReturnValue)
	}
}

func TestExecuteRunsZygote(t *testing.T) {
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
		b.AddRawFunc("zygote", nil, i32, bodyConst0)
	})
	mi, msg := newBoundInstance(t, "alice", "zyg", main, true)

	ok, err := mi.Execute(context.Background(), msg)
	if err != nil || !ok {
		t.Fatalf("Execute after zygote = (ok=%v, err=%v), want success", ok, err)
	}
}

func TestExecuteGuestExit(t *testing.T) {
	b := wasmbin.NewModuleBuilder("wasi_snapshot_preview1")
	b.AddLocalGlobal("__stack_pointer", api.ValueTypeI32, true, 65536)
	b.DefineMemory(1, "memory")
	b.DefineTable(2, "__indirect_function_table")
	b.AddFunc("proc_exit", i32, nil)
	b.AddRawFunc("_start", nil, i32, bodyExit7)
	main := b.Build()

	mi, msg := newBoundInstance(t, "alice", "exit7", main, false)

	ok, err := mi.Execute(context.Background(), msg)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ok || msg.ReturnValue != 7 {
		t.Fatalf("Execute = (ok=%v, rv=%d), want (false, 7) for exit(7)", ok, msg.ReturnValue)
	}
}

func TestExecuteTrapIsFailureOutcome(t *testing.T) {
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyLoadOOB)
	})
	mi, msg := newBoundInstance(t, "alice", "trap", main, false)

	ok, err := mi.Execute(context.Background(), msg)
	if err != nil {
		t.Fatalf("Execute should surface a trap as an outcome, not an error: %v", err)
	}
	if ok || msg.ReturnValue != 1 {
		t.Fatalf("Execute = (ok=%v, rv=%d), want (false, 1) for a trap", ok, msg.ReturnValue)
	}
}

func TestExecuteRejectsWrongBinding(t *testing.T) {
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, _ := newBoundInstance(t, "alice", "f", main, false)

	other := &message.Message{User: "mallory", Function: "f"}
	if _, err := mi.Execute(context.Background(), other); err == nil {
		t.Fatal("expected a binding error executing another user's message")
	}
}

func TestDoubleBindFails(t *testing.T) {
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "once", main, false)

	if err := mi.BindToFunction(context.Background(), msg, false); err == nil {
		t.Fatal("expected BindToFunction on an already-bound instance to fail")
	}
}

func TestDynamicLoadAndFuncPtr(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "dyn", main, false)

	so := wasmbin.NewModuleBuilder("")
	so.AddRawFunc("f", nil, i32, bodyConst5)
	path := writeModuleFile(t, "a.so", so.Build())

	h, err := mi.DynamicLoad(ctx, path)
	if err != nil {
		t.Fatalf("DynamicLoad: %v", err)
	}
	if h < 2 {
		t.Fatalf("handle = %d, want >= 2", h)
	}

	// Idempotence: a repeated load returns the same handle without a new
	// registry entry.
	again, err := mi.DynamicLoad(ctx, path)
	if err != nil || again != h {
		t.Fatalf("repeated DynamicLoad = (%d, %v), want (%d, nil)", again, err, h)
	}
	if n := mi.registry.Count(); n != 1 {
		t.Fatalf("registry count = %d after repeated load, want 1", n)
	}

	// The empty path means the main module; a missing path fails softly.
	if mh, err := mi.DynamicLoad(ctx, ""); err != nil || mh != registry.MainHandle {
		t.Fatalf("DynamicLoad(\"\") = (%d, %v), want (1, nil)", mh, err)
	}
	if bad, err := mi.DynamicLoad(ctx, filepath.Join(t.TempDir(), "missing.so")); err != nil || bad != registry.InvalidHandle {
		t.Fatalf("DynamicLoad(missing) = (%d, %v), want (0, nil)", bad, err)
	}

	idx, err := mi.GetDynamicModuleFunction(ctx, h, "f")
	if err != nil {
		t.Fatalf("GetDynamicModuleFunction: %v", err)
	}

	msg.FuncPtr = uint32(idx)
	ok, err := mi.Execute(ctx, msg)
	if err != nil {
		t.Fatalf("Execute(funcptr): %v", err)
	}
	if !ok || msg.ReturnValue != 5 {
		t.Fatalf("Execute(funcptr) = (ok=%v, rv=%d), want (true, 5)", ok, msg.ReturnValue)
	}
}

func TestFuncPtrWithArgument(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
		b.AddRawFunc("double", i32, i32, bodyDouble)
	})
	mi, msg := newBoundInstance(t, "alice", "double", main, false)

	idx, err := mi.GetDynamicModuleFunction(ctx, registry.MainHandle, "double")
	if err != nil {
		t.Fatalf("GetDynamicModuleFunction(main): %v", err)
	}

	msg.FuncPtr = uint32(idx)
	msg.InputData = []byte{21, 0, 0, 0}
	ok, err := mi.Execute(ctx, msg)
	if err != nil {
		t.Fatalf("Execute(funcptr with arg): %v", err)
	}
	if !ok || msg.ReturnValue != 42 {
		t.Fatalf("Execute = (ok=%v, rv=%d), want (true, 42)", ok, msg.ReturnValue)
	}
}

func TestMissingEntryPatchUp(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "patchup", main, false)

	// A imports g through GOT.func before anything defines it.
	modA := wasmbin.NewModuleBuilder("GOT.func")
	modA.AddGlobalImport("g", "", api.ValueTypeI32, false)
	pathA := writeModuleFile(t, "a.so", modA.Build())

	if _, err := mi.DynamicLoad(ctx, pathA); err != nil {
		t.Fatalf("DynamicLoad(A): %v", err)
	}
	if mi.got.MissingCount() != 1 {
		t.Fatalf("missing entries after loading A = %d, want 1", mi.got.MissingCount())
	}
	idx, ok := func() (uint32, bool) {
		for name, i := range mi.got.Missing() {
			if name == "g" {
				return i, true
			}
		}
		return 0, false
	}()
	if !ok {
		t.Fatal("expected g in missingEntries after loading A")
	}

	// B defines g; loading it patches the reserved slot.
	modB := wasmbin.NewModuleBuilder("")
	modB.AddRawFunc("g", nil, i32, bodyConst9)
	pathB := writeModuleFile(t, "b.so", modB.Build())

	if _, err := mi.DynamicLoad(ctx, pathB); err != nil {
		t.Fatalf("DynamicLoad(B): %v", err)
	}
	if mi.got.MissingCount() != 0 {
		t.Fatalf("missing entries after loading B = %d, want 0", mi.got.MissingCount())
	}
	patched, ok := mi.got.FunctionOffset("g")
	if !ok || patched != idx {
		t.Fatalf("functionOffsets[g] = (%d, %v), want the reserved slot %d", patched, ok, idx)
	}

	// The slot reserved while loading A now invokes B's g.
	msg.FuncPtr = idx
	okExec, err := mi.Execute(ctx, msg)
	if err != nil {
		t.Fatalf("Execute through patched slot: %v", err)
	}
	if !okExec || msg.ReturnValue != 9 {
		t.Fatalf("Execute = (ok=%v, rv=%d), want (true, 9)", okExec, msg.ReturnValue)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, _ := newBoundInstance(t, "alice", "snap", main, false)

	mem := mi.compartment.Main().Memory()
	if !mem.WriteUint32Le(1024, 0xCAFEBABE) {
		t.Fatal("write marker into source memory")
	}

	var buf bytes.Buffer
	if err := mi.Snapshot(ctx, &buf); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	clone, err := mi.Clone(ctx)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	t.Cleanup(func() { clone.TearDown(context.Background()) })

	cmem := clone.compartment.Main().Memory()
	if !cmem.WriteUint32Le(1024, 0) {
		t.Fatal("scrub marker in clone memory")
	}

	if err := clone.Restore(ctx, &buf); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	v, ok := cmem.ReadUint32Le(1024)
	if !ok || v != 0xCAFEBABE {
		t.Fatalf("restored word = %#x, want 0xCAFEBABE", v)
	}

	src, _ := mem.Read(0, mem.Size())
	dst, _ := cmem.Read(0, cmem.Size())
	if !bytes.Equal(src, dst) {
		t.Fatal("restored linear memory differs from the source")
	}
}

func TestClonePreservesDynamicLinkage(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "clone", main, false)

	so := wasmbin.NewModuleBuilder("")
	so.AddRawFunc("f", nil, i32, bodyConst5)
	path := writeModuleFile(t, "a.so", so.Build())

	h, err := mi.DynamicLoad(ctx, path)
	if err != nil {
		t.Fatalf("DynamicLoad: %v", err)
	}
	idx, err := mi.GetDynamicModuleFunction(ctx, h, "f")
	if err != nil {
		t.Fatalf("GetDynamicModuleFunction: %v", err)
	}

	clone, err := mi.Clone(ctx)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	t.Cleanup(func() { clone.TearDown(context.Background()) })

	if got, want := clone.registry.Count(), mi.registry.Count(); got != want {
		t.Fatalf("clone registry count = %d, want %d", got, want)
	}
	for name, i := range mi.got.Clone().Missing() {
		t.Fatalf("unexpected missing entry on source: %s=%d", name, i)
	}

	cloneMsg := *msg
	cloneMsg.FuncPtr = uint32(idx)
	ok, err := clone.Execute(ctx, &cloneMsg)
	if err != nil {
		t.Fatalf("Execute on clone: %v", err)
	}
	if !ok || cloneMsg.ReturnValue != 5 {
		t.Fatalf("clone Execute(funcptr) = (ok=%v, rv=%d), want (true, 5)", ok, cloneMsg.ReturnValue)
	}
}

func TestExecuteOMPForkJoin(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "omp", main, false)

	before := mi.backend.GetMemoryNumPages(mi.compartment.Main())

	msg.OMPDepth = 1
	msg.OMPNumThreads = 2
	ok, err := mi.Execute(ctx, msg)
	if err != nil {
		t.Fatalf("Execute(OMP): %v", err)
	}
	if !ok || msg.ReturnValue != 42 {
		t.Fatalf("Execute(OMP) = (ok=%v, rv=%d), want (true, 42)", ok, msg.ReturnValue)
	}

	after := mi.backend.GetMemoryNumPages(mi.compartment.Main())
	if after <= before {
		t.Fatalf("expected worker stacks to grow linear memory: %d -> %d pages", before, after)
	}
}

func TestTearDownClearsState(t *testing.T) {
	ctx := context.Background()
	main := buildMainWasm(func(b *wasmbin.ModuleBuilder) {
		b.AddRawFunc("_start", nil, i32, bodyConst42)
	})
	mi, msg := newBoundInstance(t, "alice", "teardown", main, false)

	so := wasmbin.NewModuleBuilder("")
	so.AddRawFunc("f", nil, i32, bodyConst5)
	path := writeModuleFile(t, "a.so", so.Build())
	if _, err := mi.DynamicLoad(ctx, path); err != nil {
		t.Fatalf("DynamicLoad: %v", err)
	}

	if !mi.TearDown(ctx) {
		t.Fatal("TearDown reported the compartment as leaked")
	}
	if mi.Bound() {
		t.Fatal("instance still bound after TearDown")
	}
	if mi.registry.Count() != 0 {
		t.Fatal("registry not empty after TearDown")
	}
	if mi.got.MissingCount() != 0 {
		t.Fatal("GOT missing entries not cleared after TearDown")
	}
	if _, err := mi.Execute(ctx, msg); err == nil {
		t.Fatal("Execute after TearDown should fail")
	}
}
