package got

import "testing"

func TestTableFunctionOffsetRoundTrip(t *testing.T) {
	tbl := New()
	if _, ok := tbl.FunctionOffset("f"); ok {
		t.Fatal("expected no entry for f in a fresh table")
	}
	tbl.SetFunctionOffset("f", 7)
	idx, ok := tbl.FunctionOffset("f")
	if !ok || idx != 7 {
		t.Fatalf("FunctionOffset(f) = (%d, %v), want (7, true)", idx, ok)
	}
}

func TestTableDataOffsetRoundTrip(t *testing.T) {
	tbl := New()
	tbl.SetDataOffset("g_counter", 1024, true)
	sym, ok := tbl.DataOffset("g_counter")
	if !ok || sym.Offset != 1024 || !sym.Mutable {
		t.Fatalf("DataOffset(g_counter) = %+v, %v", sym, ok)
	}
}

func TestTableMissingPatchUp(t *testing.T) {
	tbl := New()
	tbl.RecordMissing("g", 3)

	if tbl.MissingCount() != 1 {
		t.Fatalf("MissingCount = %d, want 1", tbl.MissingCount())
	}
	if _, ok := tbl.FunctionOffset("g"); ok {
		t.Fatal("g should not be resolved yet")
	}

	tbl.Patch("g")

	if tbl.MissingCount() != 0 {
		t.Fatalf("MissingCount after patch = %d, want 0", tbl.MissingCount())
	}
	idx, ok := tbl.FunctionOffset("g")
	if !ok || idx != 3 {
		t.Fatalf("FunctionOffset(g) after patch = (%d, %v), want (3, true)", idx, ok)
	}
}

func TestTablePatchUnknownNameIsNoop(t *testing.T) {
	tbl := New()
	tbl.Patch("never-recorded")
	if tbl.MissingCount() != 0 {
		t.Fatal("patching an unknown name should not create entries")
	}
}

func TestTableClear(t *testing.T) {
	tbl := New()
	tbl.SetFunctionOffset("f", 1)
	tbl.SetDataOffset("d", 2, false)
	tbl.RecordMissing("m", 3)

	tbl.Clear()

	if _, ok := tbl.FunctionOffset("f"); ok {
		t.Error("functionOffsets not cleared")
	}
	if _, ok := tbl.DataOffset("d"); ok {
		t.Error("dataOffsets not cleared")
	}
	if tbl.MissingCount() != 0 {
		t.Error("missingEntries not cleared")
	}
}
