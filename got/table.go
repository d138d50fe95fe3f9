package got

import "sync"

// DataSymbol is one entry of the GOT's data-offset map.
type DataSymbol struct {
	Offset  int32
	Mutable bool
}

// Table is the Global Offset Table for one ModuleInstance's compartment.
// It is not safe for use by multiple ModuleInstances - each instance owns
// exactly one Table for its lifetime - but its own methods are safe to call
// from the single thread that drives bindToFunction/dynamicLoad, guarded by
// a mutex only so that diagnostic reads (for example from a status
// endpoint) never race with a concurrent patch-up.
type Table struct {
	mu              sync.Mutex
	functionOffsets map[string]uint32
	dataOffsets     map[string]DataSymbol
	missingEntries  map[string]uint32
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		functionOffsets: make(map[string]uint32),
		dataOffsets:     make(map[string]DataSymbol),
		missingEntries:  make(map[string]uint32),
	}
}

// FunctionOffset returns the table index recorded for name, if any.
func (t *Table) FunctionOffset(name string) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.functionOffsets[name]
	return idx, ok
}

// SetFunctionOffset records a resolved function's table index. It is the
// caller's responsibility to ensure name is not simultaneously present in
// missingEntries; RecordMissing and PatchMissing maintain that invariant
// for the missing-entry path.
func (t *Table) SetFunctionOffset(name string, index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.functionOffsets[name] = index
}

// DataOffset returns the data symbol recorded for name, if any.
func (t *Table) DataOffset(name string) (DataSymbol, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sym, ok := t.dataOffsets[name]
	return sym, ok
}

// SetDataOffset records a data symbol.
func (t *Table) SetDataOffset(name string, offset int32, mutable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dataOffsets[name] = DataSymbol{Offset: offset, Mutable: mutable}
}

// RecordMissing records that index was reserved in the table for name, but
// no module loaded so far exports it. The slot is left in place so that a
// later PatchMissing can fill it in without re-growing the table.
func (t *Table) RecordMissing(name string, index uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missingEntries[name] = index
}

// Missing returns a snapshot of the currently unresolved entries, as a
// name-to-table-index map safe for the caller to range over without
// holding the Table's lock.
func (t *Table) Missing() map[string]uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]uint32, len(t.missingEntries))
	for k, v := range t.missingEntries {
		out[k] = v
	}
	return out
}

// Patch moves name from missingEntries to functionOffsets at its previously
// reserved index, called once the engine has located an export satisfying
// it. It is a no-op if name was not pending.
func (t *Table) Patch(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx, ok := t.missingEntries[name]
	if !ok {
		return
	}
	delete(t.missingEntries, name)
	t.functionOffsets[name] = idx
}

// MissingCount reports how many entries remain unresolved.
func (t *Table) MissingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.missingEntries)
}

// Clone returns a deep copy of t, used by ModuleInstance.Clone so the clone
// starts with an independent copy of the source's GOT state rather than a
// shared map a later load on either instance would corrupt for the other.
func (t *Table) Clone() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := New()
	for k, v := range t.functionOffsets {
		out.functionOffsets[k] = v
	}
	for k, v := range t.dataOffsets {
		out.dataOffsets[k] = v
	}
	for k, v := range t.missingEntries {
		out.missingEntries[k] = v
	}
	return out
}

// Clear empties every map, used by teardown.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.functionOffsets = make(map[string]uint32)
	t.dataOffsets = make(map[string]DataSymbol)
	t.missingEntries = make(map[string]uint32)
}
