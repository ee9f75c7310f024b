package vmm

import (
	"sync/atomic"
	"unsafe"

	"vmkernel/kernel/mm"
)

// EntryState classifies a page table slot.
type EntryState uint8

const (
	// EntryInvalid is an empty slot.
	EntryInvalid EntryState = iota

	// EntryAllocated is a table descriptor whose table memory is reserved
	// but not yet initialised.
	EntryAllocated

	// EntryPresent is a valid descriptor or page mapping.
	EntryPresent

	// EntrySwapped is a not-present leaf whose address field holds the id
	// of the swapped out page contents.
	EntrySwapped
)

// Entry is the decoded form of a page table slot. Only the fields that match
// State carry meaning.
type Entry struct {
	State    EntryState
	PhysAddr uintptr
	Flags    Flag
	SwapID   mm.SwapID
}

// Frame returns the frame referenced by a present or allocated entry.
func (e Entry) Frame() mm.Frame {
	return mm.FrameFromAddress(e.PhysAddr)
}

// decodeEntry converts the hardware encoding of a slot at level into an
// Entry.
func decodeEntry(a Arch, level int, raw RawEntry) Entry {
	switch {
	case a.IsPresent(level, raw):
		return Entry{State: EntryPresent, PhysAddr: a.PhysAddr(level, raw), Flags: a.Flags(level, raw)}
	case a.IsAllocated(level, raw):
		return Entry{State: EntryAllocated, PhysAddr: a.PhysAddr(level, raw)}
	case level == 0 && a.PhysAddr(level, raw) != 0:
		return Entry{State: EntrySwapped, SwapID: mm.SwapID(a.PhysAddr(level, raw) >> mm.PageShift)}
	default:
		return Entry{State: EntryInvalid}
	}
}

// encodeEntry converts e into the hardware encoding for a slot at level.
func encodeEntry(a Arch, level int, e Entry) RawEntry {
	switch e.State {
	case EntryPresent:
		raw := a.SetPhysAddr(level, a.DefaultEntry(level), e.PhysAddr)
		return a.SetFlags(level, raw, e.Flags)
	case EntryAllocated:
		return a.MarkAllocated(level, a.SetPhysAddr(level, 0, e.PhysAddr))
	case EntrySwapped:
		return a.SetPhysAddr(level, a.Invalidate(level, 0), uintptr(e.SwapID)<<mm.PageShift)
	default:
		return a.Invalidate(level, 0)
	}
}

// entity references a single page table slot through the physical direct
// map. Slots are read and written with single atomic accesses since the
// simulated MMU walks tables without taking the address space lock.
type entity struct {
	ptr   unsafe.Pointer
	size  uintptr
	level int
}

func (e entity) valid() bool { return e.ptr != nil }

func (e entity) load() RawEntry {
	if e.size == 4 {
		return RawEntry(atomic.LoadUint32((*uint32)(e.ptr)))
	}
	return RawEntry(atomic.LoadUint64((*uint64)(e.ptr)))
}

func (e entity) store(raw RawEntry) {
	if e.size == 4 {
		atomic.StoreUint32((*uint32)(e.ptr), uint32(raw))
		return
	}
	atomic.StoreUint64((*uint64)(e.ptr), uint64(raw))
}
