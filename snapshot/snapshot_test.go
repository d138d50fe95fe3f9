package snapshot

import (
	"bytes"
	"testing"

	"github.com/wasmforge/modhost/layout"
)

func TestFromMemoryRejectsPartialPage(t *testing.T) {
	if _, err := FromMemory(make([]byte, layout.WasmPageSize+1)); err == nil {
		t.Fatal("expected error for non-page-aligned memory length")
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	mem := make([]byte, 2*layout.WasmPageSize)
	mem[0] = 0xCA
	mem[1] = 0xFE
	mem[len(mem)-1] = 0x42

	s, err := FromMemory(mem)
	if err != nil {
		t.Fatalf("FromMemory: %v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, s); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.PageCount != 2 {
		t.Fatalf("PageCount = %d, want 2", got.PageCount)
	}
	if !bytes.Equal(got.Pages, mem) {
		t.Fatal("round-tripped pages do not match original memory")
	}
}

func TestGrowDeltaAndApply(t *testing.T) {
	mem := make([]byte, 3*layout.WasmPageSize)
	mem[0] = 0x11
	s, err := FromMemory(mem)
	if err != nil {
		t.Fatalf("FromMemory: %v", err)
	}

	if d := GrowDelta(1, s); d != 2 {
		t.Fatalf("GrowDelta(1) = %d, want 2", d)
	}
	if d := GrowDelta(5, s); d != 0 {
		t.Fatalf("GrowDelta(5) = %d, want 0 (restore never shrinks)", d)
	}

	target := make([]byte, 3*layout.WasmPageSize)
	if err := Apply(target, s); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if target[0] != 0x11 {
		t.Fatal("Apply did not copy snapshot bytes into target")
	}

	if err := Apply(make([]byte, layout.WasmPageSize), s); err == nil {
		t.Fatal("expected error applying snapshot to undersized memory")
	}
}
