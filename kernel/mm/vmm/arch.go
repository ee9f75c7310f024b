package vmm

import (
	"math/bits"

	"vmkernel/kernel/mm"
)

// Flag describes an architecture-neutral mapping attribute. Each Arch
// translates flags to and from its own page table entry encoding.
type Flag uint32

const (
	// FlagPermRead allows loads from the page.
	FlagPermRead Flag = 1 << iota

	// FlagPermWrite allows stores to the page.
	FlagPermWrite

	// FlagPermExec allows instruction fetches from the page.
	FlagPermExec

	// FlagNonPriv makes the page accessible from user mode.
	FlagNonPriv

	// FlagCOW marks a table descriptor whose tables are shared with
	// another address space until the next write.
	FlagCOW

	// FlagUncached disables caching for the page. It is used by device
	// mappings.
	FlagUncached
)

// FaultCause is the architecture-neutral classification of a page fault.
type FaultCause uint8

const (
	// FaultNotPresent is set when the translation for the faulting
	// address is missing at some level.
	FaultNotPresent FaultCause = 1 << iota

	// FaultWrite is set when the faulting access was a store.
	FaultWrite
)

// RawEntry holds a page table entry in its hardware encoding. Formats with
// 32-bit entries only use the low half.
type RawEntry uint64

// Arch describes the page table format of a processor family. Levels are
// numbered from 0 (the leaf tables that map pages) up to Levels()-1 (the top
// level directory). Every entry operation receives the level of the table
// that holds the entry since several formats encode table descriptors and
// page descriptors differently.
type Arch interface {
	// Name returns a short identifier for the format.
	Name() string

	// Levels returns the number of translation levels.
	Levels() int

	// EntryCount returns the number of entries in a table at level.
	EntryCount(level int) int

	// EntrySize returns the size of an entry in bytes.
	EntrySize() uintptr

	// KernelBase returns the first virtual address of the kernel half of
	// every address space.
	KernelBase() uintptr

	IsPresent(level int, e RawEntry) bool

	// IsAllocated returns true if e is a table descriptor that reserves a
	// table without being valid for the MMU yet.
	IsAllocated(level int, e RawEntry) bool

	// PhysAddr returns the physical address stored in e. For non-present
	// leaves this is the raw field that may carry a swap id.
	PhysAddr(level int, e RawEntry) uintptr
	SetPhysAddr(level int, e RawEntry, physAddr uintptr) RawEntry

	Flags(level int, e RawEntry) Flag
	SetFlags(level int, e RawEntry, flags Flag) RawEntry
	ClearFlags(level int, e RawEntry, flags Flag) RawEntry

	// DefaultEntry returns a present entry for level that carries only the
	// default attribute bits: no address and the most restrictive
	// permissions.
	DefaultEntry(level int) RawEntry

	// MarkAllocated turns e into an allocated-but-not-valid table
	// descriptor keeping its address.
	MarkAllocated(level int, e RawEntry) RawEntry

	Invalidate(level int, e RawEntry) RawEntry

	// ParseFaultInfo decodes the fault status reported by the MMU.
	ParseFaultInfo(info uint32) FaultCause

	// FaultInfo encodes cause the way the MMU reports it.
	FaultInfo(cause FaultCause) uint32
}

// topLevel returns the level of the page directory.
func topLevel(a Arch) int {
	return a.Levels() - 1
}

// levelShift returns the number of virtual address bits below the index of
// level.
func levelShift(a Arch, level int) uint {
	shift := uint(mm.PageShift)
	for l := 0; l < level; l++ {
		shift += uint(bits.TrailingZeros(uint(a.EntryCount(l))))
	}
	return shift
}

// entryIndex returns the index of the entry that translates virtAddr in a
// table at level.
func entryIndex(a Arch, virtAddr uintptr, level int) int {
	return int((virtAddr >> levelShift(a, level)) & uintptr(a.EntryCount(level)-1))
}

// tableSize returns the size in bytes of a table at level.
func tableSize(a Arch, level int) uintptr {
	return uintptr(a.EntryCount(level)) * a.EntrySize()
}

// tablesPerPage returns how many tables at level share a single page.
func tablesPerPage(a Arch, level int) int {
	if size := tableSize(a, level); size < mm.PageSize {
		return int(mm.PageSize / size)
	}
	return 1
}

// tableCoverage returns the size of the virtual range translated by a single
// table at level.
func tableCoverage(a Arch, level int) uintptr {
	return uintptr(a.EntryCount(level)) << levelShift(a, level)
}

// kernelTopIndex returns the index of the first top level entry that belongs
// to the kernel half.
func kernelTopIndex(a Arch) int {
	return entryIndex(a, a.KernelBase(), topLevel(a))
}

// isKernelAddr returns true if virtAddr lies in the kernel half.
func isKernelAddr(a Arch, virtAddr uintptr) bool {
	return virtAddr >= a.KernelBase()
}

// archByName maps the names accepted by ArchByName to their formats.
var archByName = map[string]Arch{
	ArchX86{}.Name():   ArchX86{},
	ArchAMD64{}.Name(): ArchAMD64{},
	ArchARM32{}.Name(): ArchARM32{},
	ArchARM64{}.Name(): ArchARM64{},
}

// ArchByName returns the page table format with the given name.
func ArchByName(name string) (Arch, bool) {
	a, ok := archByName[name]
	return a, ok
}
