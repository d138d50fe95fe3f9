package memarena

import (
	goerrors "errors"
	"testing"

	"github.com/wasmforge/modhost/errors"
)

func TestArenaAllocateAndReallocate(t *testing.T) {
	a, err := NewArena(4 << 20) // 4MiB max
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Free()

	lm := a.Allocate(64*1024, 4<<20)
	mem := lm.Reallocate(64 * 1024)
	if len(mem) != 64*1024 {
		t.Fatalf("Reallocate returned %d bytes, want 65536", len(mem))
	}
	mem[0] = 0xAB
	mem[len(mem)-1] = 0xCD
	if mem[0] != 0xAB || mem[len(mem)-1] != 0xCD {
		t.Fatal("committed memory is not writable")
	}

	grown := lm.Reallocate(1 << 20)
	if len(grown) != 1<<20 {
		t.Fatalf("Reallocate returned %d bytes, want %d", len(grown), 1<<20)
	}
	if &grown[0] != &mem[0] {
		t.Fatal("backing address moved across Reallocate")
	}
	if grown[0] != 0xAB {
		t.Fatal("previously written bytes lost across Reallocate")
	}
	grown[len(grown)-1] = 0xEF
	if grown[len(grown)-1] != 0xEF {
		t.Fatal("grown memory is not writable")
	}
}

func TestArenaReallocateBeyondMaxFails(t *testing.T) {
	a, err := NewArena(64 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Free()

	lm := a.Allocate(64*1024, 64*1024)
	if got := lm.Reallocate(1 << 20); got != nil {
		t.Fatalf("Reallocate beyond max returned %d bytes, want nil", len(got))
	}
}

func TestArenaCommitDistinguishesOutOfMaxSize(t *testing.T) {
	a, err := NewArena(64 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Free()

	err = a.Commit(1 << 20)
	if err == nil {
		t.Fatal("expected Commit beyond the reservation to fail")
	}
	var e *errors.Error
	if !goerrors.As(err, &e) || e.Kind != errors.KindOutOfMaxSize {
		t.Fatalf("Commit error kind = %v, want KindOutOfMaxSize", err)
	}
}

func TestArenaCommitIsIdempotentBelowCommitted(t *testing.T) {
	a, err := NewArena(1 << 20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	defer a.Free()

	if err := a.Commit(128 * 1024); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := a.Commit(64 * 1024); err != nil {
		t.Fatalf("Commit to a smaller size should be a no-op, got %v", err)
	}
	if got := a.Committed(); got != 128*1024 {
		t.Fatalf("Committed = %d, want %d", got, 128*1024)
	}
}

func TestCreateMemoryGuardRegion(t *testing.T) {
	guard, err := CreateMemoryGuardRegion(64 * 1024)
	if err != nil {
		t.Fatalf("CreateMemoryGuardRegion: %v", err)
	}
	if len(guard) == 0 {
		t.Fatal("expected non-empty guard region")
	}
}
