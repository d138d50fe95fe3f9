package compartment

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero"

	"github.com/wasmforge/modhost/memarena"
)

func newTestCompartment(t *testing.T) *Compartment {
	t.Helper()
	arena, err := memarena.NewArena(2 * 1024 * 1024)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(arena.Free)
	return New(context.Background(), arena, nil)
}

func TestCompartmentEnsureEnvIsIdempotent(t *testing.T) {
	c := newTestCompartment(t)
	ctx := context.Background()

	calls := 0
	build := func(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
		calls++
		return b
	}

	mod1, err := c.EnsureEnv(ctx, build)
	if err != nil {
		t.Fatalf("EnsureEnv: %v", err)
	}
	mod2, err := c.EnsureEnv(ctx, build)
	if err != nil {
		t.Fatalf("EnsureEnv (second call): %v", err)
	}
	if mod1 != mod2 {
		t.Error("EnsureEnv returned different modules across calls")
	}
	if calls != 1 {
		t.Errorf("build callback invoked %d times, want 1", calls)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestCompartmentDynamicModuleBookkeeping(t *testing.T) {
	c := newTestCompartment(t)
	ctx := context.Background()

	if _, ok := c.Dynamic("/lib/foo.so"); ok {
		t.Fatal("Dynamic found entry before any was added")
	}

	mod, err := c.Runtime.NewHostModuleBuilder("test-dynamic").Instantiate(ctx)
	if err != nil {
		t.Fatalf("instantiate stand-in module: %v", err)
	}
	c.AddDynamic("/lib/foo.so", mod)

	got, ok := c.Dynamic("/lib/foo.so")
	if !ok || got != mod {
		t.Fatalf("Dynamic(/lib/foo.so) = (%v, %v), want the registered module", got, ok)
	}

	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
