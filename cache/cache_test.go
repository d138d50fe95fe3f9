package cache

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wasmforge/modhost/internal/wasmbin"
)

// buildSharedObjectBytes returns a minimal module with a wasm-ld style
// "dylink.0" custom section declaring the given table/memory sizes, used
// to exercise TableSize/DataSize without a real wasm-ld toolchain.
func buildSharedObjectBytes(t *testing.T, tableSize, memSize uint32) []byte {
	t.Helper()
	mod := wasmbin.NewModuleBuilder("").Build()

	memInfo := append(append(append(
		wasmbin.EncodeULEB128(memSize),
		wasmbin.EncodeULEB128(1)...), // memory alignment
		wasmbin.EncodeULEB128(tableSize)...),
		wasmbin.EncodeULEB128(1)..., // table alignment
	)

	subsection := append([]byte{0x01}, wasmbin.EncodeULEB128(uint32(len(memInfo)))...)
	subsection = append(subsection, memInfo...)

	name := "dylink.0"
	body := append(wasmbin.EncodeULEB128(uint32(len(name))), []byte(name)...)
	body = append(body, subsection...)

	section := append([]byte{0x00}, wasmbin.EncodeULEB128(uint32(len(body)))...)
	section = append(section, body...)

	return append(mod, section...)
}

func buildTestModule(t *testing.T) []byte {
	t.Helper()
	b := wasmbin.NewModuleBuilder("")
	b.AddLocalGlobal("x", api.ValueTypeI32, false, 42)
	return b.Build()
}

func TestGetModuleCachesAcrossCalls(t *testing.T) {
	c := New()
	calls := 0
	load := func() ([]byte, error) {
		calls++
		return buildTestModule(t), nil
	}
	k := Key{User: "alice", Function: "f"}

	ir1, raw1, err := c.GetModule(k, load)
	if err != nil {
		t.Fatalf("GetModule: %v", err)
	}
	ir2, raw2, err := c.GetModule(k, load)
	if err != nil {
		t.Fatalf("GetModule (second): %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected load to run once, ran %d times", calls)
	}
	if ir1 != ir2 {
		t.Fatalf("expected the same *wasmbin.Module reference, got distinct pointers")
	}
	if &raw1[0] != &raw2[0] {
		t.Fatalf("expected the same backing array for raw bytes")
	}
}

func TestGetModuleDistinctKeys(t *testing.T) {
	c := New()
	load := func() ([]byte, error) { return buildTestModule(t), nil }

	ir1, _, _ := c.GetModule(Key{User: "a", Function: "f"}, load)
	ir2, _, _ := c.GetModule(Key{User: "b", Function: "f"}, load)
	if ir1 == ir2 {
		t.Fatalf("expected distinct entries for distinct keys")
	}
}

func TestGetModuleLoadErrorCached(t *testing.T) {
	c := New()
	calls := 0
	wantErr := errors.New("boom")
	load := func() ([]byte, error) {
		calls++
		return nil, wantErr
	}
	k := Key{User: "a", Function: "f"}

	if _, _, err := c.GetModule(k, load); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := c.GetModule(k, load); err == nil {
		t.Fatalf("expected cached error on second call")
	}
	if calls != 1 {
		t.Fatalf("expected load to run once even on error, ran %d times", calls)
	}
}

func TestGetCompiledModuleCompilesOnce(t *testing.T) {
	c := New()
	load := func() ([]byte, error) { return buildTestModule(t), nil }

	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	compileCalls := 0
	compile := func(ctx context.Context, wasmBytes []byte) (wazero.CompiledModule, error) {
		compileCalls++
		return rt.CompileModule(ctx, wasmBytes)
	}

	k := Key{User: "a", Function: "f"}
	m1, err := c.GetCompiledModule(ctx, k, load, compile)
	if err != nil {
		t.Fatalf("GetCompiledModule: %v", err)
	}
	m2, err := c.GetCompiledModule(ctx, k, load, compile)
	if err != nil {
		t.Fatalf("GetCompiledModule (second): %v", err)
	}
	if compileCalls != 1 {
		t.Fatalf("expected compile to run once, ran %d times", compileCalls)
	}
	if m1 != m2 {
		t.Fatalf("expected the same CompiledModule on repeated access")
	}
}

func TestTableSizeAndDataSizeReadDylinkSection(t *testing.T) {
	c := New()
	raw := buildSharedObjectBytes(t, 3, 128)
	load := func() ([]byte, error) { return raw, nil }
	k := Key{User: "a", Function: "f", SharedPath: "/lib/a.so"}

	ts, err := c.TableSize(k, load)
	if err != nil {
		t.Fatalf("TableSize: %v", err)
	}
	if ts != 3 {
		t.Fatalf("TableSize = %d, want 3", ts)
	}

	ds, err := c.DataSize(k, load)
	if err != nil {
		t.Fatalf("DataSize: %v", err)
	}
	if ds != 128 {
		t.Fatalf("DataSize = %d, want 128", ds)
	}
}

func TestFlushDropsEntries(t *testing.T) {
	c := New()
	load := func() ([]byte, error) { return buildTestModule(t), nil }
	k := Key{User: "a", Function: "f"}

	ir1, _, _ := c.GetModule(k, load)
	c.Flush()
	ir2, _, _ := c.GetModule(k, load)
	if ir1 == ir2 {
		t.Fatalf("expected a fresh entry after Flush")
	}
}
