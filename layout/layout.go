package layout

import (
	"github.com/wasmforge/modhost/errors"
)

// WasmPageSize is the fixed WebAssembly linear-memory page size.
const WasmPageSize = 65536

// DefaultMemoryPages is the number of linear-memory pages reserved for a
// dynamic module's private region before any guard pages are added.
const DefaultMemoryPages = 30

// DefaultStackSize is the per-module stack reserved at the bottom of a
// dynamic module's memory region. It must leave room for data and heap
// inside the DefaultMemoryPages reservation.
const DefaultStackSize = 1024 * 1024 // 1MiB

// DefaultGuardPages is the number of PROT_NONE pages placed before and
// after a dynamic module's reserved memory region.
const DefaultGuardPages = 1

// Config parameterizes Compute. A zero Config is not valid; use
// DefaultConfig to obtain one with the default constants.
type Config struct {
	MemoryPages uint32
	StackSize   uint64
	GuardPages  uint32
}

// DefaultConfig returns the layout parameters used for ordinary dynamic
// module loads.
func DefaultConfig() Config {
	return Config{
		MemoryPages: DefaultMemoryPages,
		StackSize:   DefaultStackSize,
		GuardPages:  DefaultGuardPages,
	}
}

// Module is the immutable layout record for one loaded dynamic module.
// Invariant: MemoryBottom <= StackTop <= DataBottom <= DataTop == HeapBottom
// <= MemoryTop, and TableBottom < TableTop.
type Module struct {
	MemoryBottom uint64
	MemoryTop    uint64
	StackSize    uint64
	StackTop     uint64
	StackPointer uint64
	DataBottom   uint64
	DataTop      uint64
	HeapBottom   uint64
	TableBottom  uint32
	TableTop     uint32
}

// Compute derives a Module layout from the base address of a freshly
// reserved memory region, the dynamic module's static data size, and the
// table element range it will occupy once the shared table is grown for it.
//
// It fails with a LayoutError if dataSize does not fit between the stack
// top and the end of the reserved region, or if tableBottom does not
// precede tableTop.
func Compute(cfg Config, memoryBottom uint64, dataSize uint64, tableBottom, tableTop uint32) (*Module, error) {
	if tableBottom >= tableTop {
		return nil, errors.LayoutError("table range is empty or inverted")
	}

	memoryTop := memoryBottom + uint64(cfg.MemoryPages)*WasmPageSize
	stackTop := memoryBottom + cfg.StackSize
	if stackTop > memoryTop {
		return nil, errors.LayoutError("stack size exceeds reserved memory region")
	}

	available := memoryTop - stackTop
	if dataSize > available {
		return nil, errors.LayoutError("dynamic module data size exceeds available memory")
	}

	dataBottom := stackTop
	dataTop := dataBottom + dataSize

	m := &Module{
		MemoryBottom: memoryBottom,
		MemoryTop:    memoryTop,
		StackSize:    cfg.StackSize,
		StackTop:     stackTop,
		StackPointer: stackTop - 1,
		DataBottom:   dataBottom,
		DataTop:      dataTop,
		HeapBottom:   dataTop,
		TableBottom:  tableBottom,
		TableTop:     tableTop,
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate re-checks the invariants Compute is supposed to guarantee; it is
// exported so callers that reconstruct a Module (for example after a clone)
// can re-verify it cheaply.
func (m *Module) Validate() error {
	// dataBottom == stackTop by construction (data begins exactly where
	// the stack ends), so the ordering check is non-strict at that
	// boundary.
	if !(m.MemoryBottom <= m.StackTop && m.StackTop <= m.DataBottom && m.DataBottom <= m.DataTop && m.DataTop <= m.MemoryTop) {
		return errors.LayoutError("memory layout invariant violated")
	}
	if m.DataTop != m.HeapBottom {
		return errors.LayoutError("__heap_base != __data_end")
	}
	if m.TableBottom >= m.TableTop {
		return errors.LayoutError("table range is empty or inverted")
	}
	return nil
}
