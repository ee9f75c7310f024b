package vmm

// Page table entry bits shared by the i386 and amd64 formats.
const (
	x86Present      = RawEntry(1 << 0)
	x86Writable     = RawEntry(1 << 1)
	x86User         = RawEntry(1 << 2)
	x86WriteThrough = RawEntry(1 << 3)
	x86CacheDisable = RawEntry(1 << 4)

	// Bits 9-11 are available to software.
	x86CopyOnWrite = RawEntry(1 << 9)
	x86Allocated   = RawEntry(1 << 10)

	// x86NoExecute is only honoured by amd64.
	x86NoExecute = RawEntry(1 << 63)

	// Error code bits pushed by the page fault exception.
	x86FaultProtection = 1 << 0
	x86FaultWrite      = 1 << 1
)

// x86Format implements the entry operations of the i386 and amd64 page
// table formats which only differ in the width of the address field and
// in the availability of the no-execute bit.
type x86Format struct {
	addrMask RawEntry
	nx       bool
}

func (f x86Format) isPresent(e RawEntry) bool {
	return e&x86Present != 0
}

func (f x86Format) isAllocated(level int, e RawEntry) bool {
	return level > 0 && e&x86Present == 0 && e&x86Allocated != 0
}

func (f x86Format) physAddr(e RawEntry) uintptr {
	return uintptr(e & f.addrMask)
}

func (f x86Format) setPhysAddr(e RawEntry, physAddr uintptr) RawEntry {
	return (e &^ f.addrMask) | (RawEntry(physAddr) & f.addrMask)
}

func (f x86Format) flags(e RawEntry) Flag {
	if e&x86Present == 0 {
		return 0
	}

	flags := FlagPermRead
	if e&x86Writable != 0 {
		flags |= FlagPermWrite
	}
	if !f.nx || e&x86NoExecute == 0 {
		flags |= FlagPermExec
	}
	if e&x86User != 0 {
		flags |= FlagNonPriv
	}
	if e&x86CopyOnWrite != 0 {
		flags |= FlagCOW
	}
	if e&x86CacheDisable != 0 {
		flags |= FlagUncached
	}
	return flags
}

func (f x86Format) setFlags(e RawEntry, flags Flag) RawEntry {
	if flags&FlagPermWrite != 0 {
		e |= x86Writable
	}
	if flags&FlagPermExec != 0 && f.nx {
		e &^= x86NoExecute
	}
	if flags&FlagNonPriv != 0 {
		e |= x86User
	}
	if flags&FlagCOW != 0 {
		e |= x86CopyOnWrite
	}
	if flags&FlagUncached != 0 {
		e |= x86CacheDisable | x86WriteThrough
	}
	return e
}

func (f x86Format) clearFlags(e RawEntry, flags Flag) RawEntry {
	if flags&FlagPermWrite != 0 {
		e &^= x86Writable
	}
	if flags&FlagPermExec != 0 && f.nx {
		e |= x86NoExecute
	}
	if flags&FlagNonPriv != 0 {
		e &^= x86User
	}
	if flags&FlagCOW != 0 {
		e &^= x86CopyOnWrite
	}
	if flags&FlagUncached != 0 {
		e &^= x86CacheDisable | x86WriteThrough
	}
	return e
}

func (f x86Format) defaultEntry(level int) RawEntry {
	// Execution is controlled by the leaf entries only.
	if f.nx && level == 0 {
		return x86Present | x86NoExecute
	}
	return x86Present
}

func (f x86Format) markAllocated(e RawEntry) RawEntry {
	return (e & f.addrMask) | x86Allocated
}

func (f x86Format) parseFaultInfo(info uint32) FaultCause {
	var cause FaultCause
	if info&x86FaultProtection == 0 {
		cause |= FaultNotPresent
	}
	if info&x86FaultWrite != 0 {
		cause |= FaultWrite
	}
	return cause
}

func (f x86Format) faultInfo(cause FaultCause) uint32 {
	var info uint32
	if cause&FaultNotPresent == 0 {
		info |= x86FaultProtection
	}
	if cause&FaultWrite != 0 {
		info |= x86FaultWrite
	}
	return info
}

var (
	i386Format  = x86Format{addrMask: 0xfffff000}
	amd64Format = x86Format{addrMask: 0x000ffffffffff000, nx: true}
)

// ArchX86 is the classic two-level i386 format with 4 KiB pages: a page
// directory and page tables with 1024 32-bit entries each.
type ArchX86 struct{}

// Name implements Arch.
func (ArchX86) Name() string { return "x86" }

// Levels implements Arch.
func (ArchX86) Levels() int { return 2 }

// EntryCount implements Arch.
func (ArchX86) EntryCount(int) int { return 1024 }

// EntrySize implements Arch.
func (ArchX86) EntrySize() uintptr { return 4 }

// KernelBase implements Arch.
func (ArchX86) KernelBase() uintptr { return 0xc0000000 }

// IsPresent implements Arch.
func (ArchX86) IsPresent(_ int, e RawEntry) bool { return i386Format.isPresent(e) }

// IsAllocated implements Arch.
func (ArchX86) IsAllocated(level int, e RawEntry) bool { return i386Format.isAllocated(level, e) }

// PhysAddr implements Arch.
func (ArchX86) PhysAddr(_ int, e RawEntry) uintptr { return i386Format.physAddr(e) }

// SetPhysAddr implements Arch.
func (ArchX86) SetPhysAddr(_ int, e RawEntry, physAddr uintptr) RawEntry {
	return i386Format.setPhysAddr(e, physAddr)
}

// Flags implements Arch.
func (ArchX86) Flags(_ int, e RawEntry) Flag { return i386Format.flags(e) }

// SetFlags implements Arch.
func (ArchX86) SetFlags(_ int, e RawEntry, flags Flag) RawEntry { return i386Format.setFlags(e, flags) }

// ClearFlags implements Arch.
func (ArchX86) ClearFlags(_ int, e RawEntry, flags Flag) RawEntry {
	return i386Format.clearFlags(e, flags)
}

// DefaultEntry implements Arch.
func (ArchX86) DefaultEntry(level int) RawEntry { return i386Format.defaultEntry(level) }

// MarkAllocated implements Arch.
func (ArchX86) MarkAllocated(_ int, e RawEntry) RawEntry { return i386Format.markAllocated(e) }

// Invalidate implements Arch.
func (ArchX86) Invalidate(int, RawEntry) RawEntry { return 0 }

// ParseFaultInfo implements Arch.
func (ArchX86) ParseFaultInfo(info uint32) FaultCause { return i386Format.parseFaultInfo(info) }

// FaultInfo implements Arch.
func (ArchX86) FaultInfo(cause FaultCause) uint32 { return i386Format.faultInfo(cause) }

// ArchAMD64 is the four-level long mode format with 4 KiB pages and 512
// 64-bit entries per table.
type ArchAMD64 struct{}

// Name implements Arch.
func (ArchAMD64) Name() string { return "amd64" }

// Levels implements Arch.
func (ArchAMD64) Levels() int { return 4 }

// EntryCount implements Arch.
func (ArchAMD64) EntryCount(int) int { return 512 }

// EntrySize implements Arch.
func (ArchAMD64) EntrySize() uintptr { return 8 }

// KernelBase implements Arch.
func (ArchAMD64) KernelBase() uintptr { return 0xffff800000000000 }

// IsPresent implements Arch.
func (ArchAMD64) IsPresent(_ int, e RawEntry) bool { return amd64Format.isPresent(e) }

// IsAllocated implements Arch.
func (ArchAMD64) IsAllocated(level int, e RawEntry) bool { return amd64Format.isAllocated(level, e) }

// PhysAddr implements Arch.
func (ArchAMD64) PhysAddr(_ int, e RawEntry) uintptr { return amd64Format.physAddr(e) }

// SetPhysAddr implements Arch.
func (ArchAMD64) SetPhysAddr(_ int, e RawEntry, physAddr uintptr) RawEntry {
	return amd64Format.setPhysAddr(e, physAddr)
}

// Flags implements Arch.
func (ArchAMD64) Flags(_ int, e RawEntry) Flag { return amd64Format.flags(e) }

// SetFlags implements Arch.
func (ArchAMD64) SetFlags(_ int, e RawEntry, flags Flag) RawEntry {
	return amd64Format.setFlags(e, flags)
}

// ClearFlags implements Arch.
func (ArchAMD64) ClearFlags(_ int, e RawEntry, flags Flag) RawEntry {
	return amd64Format.clearFlags(e, flags)
}

// DefaultEntry implements Arch.
func (ArchAMD64) DefaultEntry(level int) RawEntry { return amd64Format.defaultEntry(level) }

// MarkAllocated implements Arch.
func (ArchAMD64) MarkAllocated(_ int, e RawEntry) RawEntry { return amd64Format.markAllocated(e) }

// Invalidate implements Arch.
func (ArchAMD64) Invalidate(int, RawEntry) RawEntry { return 0 }

// ParseFaultInfo implements Arch.
func (ArchAMD64) ParseFaultInfo(info uint32) FaultCause { return amd64Format.parseFaultInfo(info) }

// FaultInfo implements Arch.
func (ArchAMD64) FaultInfo(cause FaultCause) uint32 { return amd64Format.faultInfo(cause) }
