package instance

import (
	"context"
	"io"

	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/snapshot"
)

// withGuardsLifted temporarily restores access to the compartment's guard
// bands so a whole-memory operation can touch every page, re-protecting
// them before returning. Guard bands are PROT_NONE; reading across one
// without this would fault the process.
func (mi *ModuleInstance) withGuardsLifted(fn func() error) error {
	arena := mi.compartment.Arena
	guards := arena.Guards()
	for _, g := range guards {
		if err := arena.UnprotectGuard(g.Offset, g.Length); err != nil {
			return err
		}
	}
	err := fn()
	for _, g := range guards {
		if perr := arena.ProtectGuard(g.Offset, g.Length); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// Snapshot serializes the main module's entire linear memory to w as
// {u64 pageCount}{pageCount * 65536 bytes}.
func (mi *ModuleInstance) Snapshot(ctx context.Context, w io.Writer) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.binding.Bound {
		return mi.fail(errors.NotInitialized(errors.PhaseExecute, "module instance"))
	}

	main := mi.compartment.Main()
	mem := main.Memory()
	if mem == nil {
		return mi.fail(errors.NilPointer(errors.PhaseMemory, []string{"memory"}, "api.Memory"))
	}

	var snap *snapshot.Snapshot
	err := mi.withGuardsLifted(func() error {
		buf, ok := mem.Read(0, mem.Size())
		if !ok {
			return errors.MemoryError("read full linear memory for snapshot", nil)
		}
		var err error
		snap, err = snapshot.FromMemory(buf)
		return err
	})
	if err != nil {
		return mi.fail(err)
	}

	if err := snapshot.Write(w, snap); err != nil {
		return mi.fail(err)
	}
	return nil
}

// Restore reads a Snapshot previously produced by Snapshot and applies it
// to the main module's linear memory, growing it first if the snapshot is
// larger than the current size. Restore only grows: a snapshot smaller
// than the current memory is copied in place without shrinking anything.
func (mi *ModuleInstance) Restore(ctx context.Context, r io.Reader) error {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	if !mi.binding.Bound {
		return mi.fail(errors.NotInitialized(errors.PhaseExecute, "module instance"))
	}

	snap, err := snapshot.Read(r)
	if err != nil {
		return mi.fail(err)
	}

	main := mi.compartment.Main()
	currentPages := uint64(mi.backend.GetMemoryNumPages(main))
	if delta := snapshot.GrowDelta(currentPages, snap); delta > 0 {
		if _, ok := mi.backend.GrowMemory(main, uint32(delta)); !ok {
			return mi.fail(errors.MemoryError("grow memory to fit restored snapshot", nil))
		}
	}

	mem := main.Memory()
	if mem == nil {
		return mi.fail(errors.NilPointer(errors.PhaseMemory, []string{"memory"}, "api.Memory"))
	}

	err = mi.withGuardsLifted(func() error {
		buf, ok := mem.Read(0, mem.Size())
		if !ok {
			return errors.MemoryError("read linear memory for restore", nil)
		}
		return snapshot.Apply(buf, snap)
	})
	if err != nil {
		return mi.fail(err)
	}
	return nil
}
