package memarena

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/tetratelabs/wazero/experimental"
	"golang.org/x/sys/unix"

	"github.com/wasmforge/modhost/errors"
)

// GuardPageSize is the size of the PROT_NONE region placed immediately
// before and after an arena's usable memory. A single OS page is enough to
// turn any one-past-the-end or one-before-the-start access into a trapped
// SIGSEGV instead of silently touching adjacent memory.
const GuardPageSize = 1 << 16 // 64KiB, matching the WASM page size

// mmapPages reserves n pages of anonymous memory with the given protection.
// It is the base primitive every other allocation in this package builds on.
func mmapPages(n int, prot int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	size := n * os.Getpagesize()
	b, err := unix.Mmap(-1, 0, size, prot, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.OutOfMemory(fmt.Sprintf("mmap %d pages", n), err)
	}
	return b, nil
}

// Arena reserves a single contiguous address range large enough for a
// module's linear memory to grow to its maximum size, with PROT_NONE guard
// pages immediately before and after the usable region. Only the prefix
// actually committed by Commit is readable/writable; the remainder stays
// reserved-but-inaccessible until grown into.
//
// Arena implements wazero's experimental.MemoryAllocator so a compartment's
// guest memory is backed by this mapping rather than a Go slice.
type Arena struct {
	mu        sync.Mutex
	region    []byte // guard | usable (capacity) | guard
	committed uint64 // bytes of the usable region currently PROT_READ|PROT_WRITE
	maxUsable uint64
	quota     *QuotaChecker
	guards    map[uint64]uint64 // offset -> length of in-memory guard bands
	closed    bool
}

// GuardRange is one PROT_NONE band inside the usable region, as recorded by
// ProtectGuard.
type GuardRange struct {
	Offset uint64
	Length uint64
}

// NewArena reserves maxUsable bytes of address space (rounded up to a page)
// flanked by guard pages, with none of it committed yet.
func NewArena(maxUsable uint64) (*Arena, error) {
	pageSize := uint64(os.Getpagesize())
	maxUsable = roundUp(maxUsable, pageSize)

	total := maxUsable + 2*GuardPageSize
	region, err := mmapPages(int(total)/os.Getpagesize(), unix.PROT_NONE)
	if err != nil {
		return nil, err
	}

	return &Arena{region: region, maxUsable: maxUsable, guards: make(map[uint64]uint64)}, nil
}

// SetQuota attaches a cgroup quota checker consulted before each commit, so
// exhausting the host's memory limit surfaces as a distinct OutOfQuota
// failure rather than a generic commit error.
func (a *Arena) SetQuota(q *QuotaChecker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quota = q
}

// Allocate implements experimental.MemoryAllocator. The arena itself is the
// single linear memory it backs; cap is advisory and max beyond the
// reserved capacity simply means later growth fails at the reservation
// boundary instead.
func (a *Arena) Allocate(cap, max uint64) experimental.LinearMemory {
	return &linearMemory{arena: a}
}

// linearMemory adapts one Arena to wazero's experimental.LinearMemory.
type linearMemory struct {
	arena *Arena
}

// Reallocate commits additional pages so the usable region is at least size
// bytes and returns it at its new length, or nil if the arena cannot grow
// that far. The backing address never moves.
func (m *linearMemory) Reallocate(size uint64) []byte {
	a := m.arena
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.commitLocked(size); err != nil {
		return nil
	}
	return a.usableLocked()[:size]
}

// Free implements experimental.LinearMemory by unmapping the whole arena.
func (m *linearMemory) Free() {
	m.arena.Free()
}

// Commit grows the committed prefix of the usable region to at least size
// bytes, distinguishing the linear-memory growth failure kinds:
// OutOfMaxSize past the reservation, OutOfQuota past the cgroup limit, and
// OutOfMemory when the kernel refuses the commit itself.
func (a *Arena) Commit(size uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitLocked(size)
}

// Free unmaps the entire reserved region including its guard pages.
func (a *Arena) Free() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.region == nil {
		return
	}
	_ = unix.Munmap(a.region)
	a.region = nil
	a.closed = true
}

func (a *Arena) commitLocked(size uint64) error {
	if a.closed {
		return errors.MemoryError("arena is closed", nil)
	}
	if size > a.maxUsable {
		return errors.OutOfMaxSize(fmt.Sprintf("grow to %d exceeds reserved max %d", size, a.maxUsable), nil)
	}
	if size <= a.committed {
		return nil
	}

	pageSize := uint64(os.Getpagesize())
	newCommitted := roundUp(size, pageSize)
	if newCommitted > a.maxUsable {
		newCommitted = a.maxUsable
	}

	if a.quota.WouldExceed(newCommitted - a.committed) {
		return errors.OutOfQuota(fmt.Sprintf("grow by %d bytes exceeds cgroup memory limit", newCommitted-a.committed), nil)
	}

	start := GuardPageSize + a.committed
	end := GuardPageSize + newCommitted
	if err := unix.Mprotect(a.region[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.OutOfMemory("mprotect grow", err)
	}
	a.committed = newCommitted
	return nil
}

func (a *Arena) usableLocked() []byte {
	return a.region[GuardPageSize : GuardPageSize+a.maxUsable]
}

// Committed reports how many bytes of the usable region are currently
// readable and writable.
func (a *Arena) Committed() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

// ProtectGuard marks the byte range [offset, offset+length) of the arena's
// usable region PROT_NONE, turning it into a trap band inside the single
// contiguous linear memory wazero requires. A dynamic module's layout
// reserves guard-sized gaps on either side of its data; once that range has
// been committed by a prior grow, ProtectGuard revokes access to just that
// sub-range so a stray access from a neighboring module's code still faults
// instead of silently reading/writing across the module boundary. offset
// and length must fall within [0, maxUsable) and be page-aligned; callers
// are expected to have already grown the arena to cover them.
func (a *Arena) ProtectGuard(offset, length uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.MemoryError("arena is closed", nil)
	}
	if offset+length > a.maxUsable {
		return errors.MemoryError(fmt.Sprintf("guard range [%d,%d) exceeds reserved max %d", offset, offset+length, a.maxUsable), nil)
	}
	if length == 0 {
		return nil
	}

	start := GuardPageSize + offset
	end := start + length
	if err := unix.Mprotect(a.region[start:end], unix.PROT_NONE); err != nil {
		return errors.MemoryError("mprotect guard region", err)
	}
	a.guards[offset] = length
	return nil
}

// Guards returns the currently protected guard bands, in no particular
// order. Whole-memory operations (snapshot, clone copy) lift these with
// UnprotectGuard for the duration of the copy and re-protect afterward.
func (a *Arena) Guards() []GuardRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]GuardRange, 0, len(a.guards))
	for off, l := range a.guards {
		out = append(out, GuardRange{Offset: off, Length: l})
	}
	return out
}

// UnprotectGuard restores read-write access to a range previously passed to
// ProtectGuard, used to lift guard bands for the duration of a
// whole-memory copy (snapshot, clone copy; see Guards).
func (a *Arena) UnprotectGuard(offset, length uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.MemoryError("arena is closed", nil)
	}
	if offset+length > a.maxUsable {
		return errors.MemoryError(fmt.Sprintf("guard range [%d,%d) exceeds reserved max %d", offset, offset+length, a.maxUsable), nil)
	}
	if length == 0 {
		return nil
	}

	start := GuardPageSize + offset
	end := start + length
	if err := unix.Mprotect(a.region[start:end], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return errors.MemoryError("mprotect unguard region", err)
	}
	delete(a.guards, offset)
	return nil
}

// MapFileFixed replaces the first length bytes of the usable region with a
// MAP_PRIVATE|MAP_FIXED mapping of fd, so a cloned instance's linear memory
// reads straight from a prepared snapshot file instead of copying its pages.
// MAP_FIXED guarantees the remapped pointer is exactly the pre-reserved
// native pointer or the call fails outright; on success the mapped prefix
// counts as committed.
func (a *Arena) MapFileFixed(fd int, length uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return errors.MemoryError("arena is closed", nil)
	}
	length = roundUp(length, uint64(os.Getpagesize()))
	if length > a.maxUsable {
		return errors.OutOfMaxSize(fmt.Sprintf("file mapping of %d bytes exceeds reserved max %d", length, a.maxUsable), nil)
	}
	if length == 0 {
		return nil
	}

	base := unsafe.Pointer(&a.usableLocked()[0])
	p, err := unix.MmapPtr(fd, 0, base, uintptr(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_FIXED)
	if err != nil {
		return errors.MemoryError("mmap file over linear memory base", err)
	}
	if p != base {
		return errors.MemoryError("file mapping landed at a different address than the reserved base", nil)
	}
	if a.committed < length {
		a.committed = length
	}
	return nil
}

// CreateMemoryGuardRegion reserves a PROT_NONE mapping of the given size,
// used to flank a dynamic module's statically sized memory region so that
// both underflow and overflow accesses trap rather than read or write
// adjacent module data.
func CreateMemoryGuardRegion(size uint64) ([]byte, error) {
	pageSize := os.Getpagesize()
	pages := (int(size) + pageSize - 1) / pageSize
	return mmapPages(pages, unix.PROT_NONE)
}

func roundUp(v, mult uint64) uint64 {
	if mult == 0 {
		return v
	}
	return (v + mult - 1) / mult * mult
}
