package snapshot

import (
	"encoding/binary"
	"io"

	"github.com/wasmforge/modhost/errors"
	"github.com/wasmforge/modhost/layout"
)

// Snapshot is a page count paired with that many pages of raw memory bytes.
type Snapshot struct {
	PageCount uint64
	Pages     []byte
}

// FromMemory builds a Snapshot from a linear memory's current bytes. The
// length of mem must be a whole number of WASM pages.
func FromMemory(mem []byte) (*Snapshot, error) {
	if len(mem)%layout.WasmPageSize != 0 {
		return nil, errors.InvalidData(errors.PhaseMemory, nil, "memory length is not a whole number of pages")
	}
	pages := make([]byte, len(mem))
	copy(pages, mem)
	return &Snapshot{PageCount: uint64(len(mem) / layout.WasmPageSize), Pages: pages}, nil
}

// Write serializes s as {u64 pageCount}{pageCount * 65536 bytes}.
func Write(w io.Writer, s *Snapshot) error {
	if err := binary.Write(w, binary.LittleEndian, s.PageCount); err != nil {
		return errors.MemoryError("write snapshot header", err)
	}
	if _, err := w.Write(s.Pages); err != nil {
		return errors.MemoryError("write snapshot pages", err)
	}
	return nil
}

// Read deserializes a Snapshot previously produced by Write.
func Read(r io.Reader) (*Snapshot, error) {
	var pageCount uint64
	if err := binary.Read(r, binary.LittleEndian, &pageCount); err != nil {
		return nil, errors.MemoryError("read snapshot header", err)
	}

	buf := make([]byte, pageCount*layout.WasmPageSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.MemoryError("read snapshot pages", err)
	}

	return &Snapshot{PageCount: pageCount, Pages: buf}, nil
}

// GrowDelta reports how many additional pages cur would need to accommodate
// s, or zero if cur is already large enough. Restore only grows memory: a
// snapshot smaller than the current size is applied in place without
// shrinking anything.
func GrowDelta(currentPages uint64, s *Snapshot) uint64 {
	if s.PageCount <= currentPages {
		return 0
	}
	return s.PageCount - currentPages
}

// Apply copies s's bytes into mem, which must already have been grown to at
// least s.PageCount pages (see GrowDelta).
func Apply(mem []byte, s *Snapshot) error {
	if uint64(len(mem)) < s.PageCount*layout.WasmPageSize {
		return errors.MemoryError("restore target memory is smaller than snapshot", nil)
	}
	copy(mem, s.Pages)
	return nil
}
