package vmm

// ARMv7 short-descriptor format.
const (
	// First level (top) descriptors. Only coarse page table descriptors
	// are used.
	arm32L1TypeMask  = RawEntry(0x3)
	arm32L1TypeTable = RawEntry(0x1)
	arm32L1AddrMask  = RawEntry(0xfffffc00)

	// Bit 4 must be zero in a valid descriptor and is ignored by the MMU
	// in a fault descriptor so it can mark allocated tables. Bit 9 is
	// implementation defined and carries the copy-on-write state.
	arm32L1Allocated   = RawEntry(1 << 4)
	arm32L1CopyOnWrite = RawEntry(1 << 9)

	// Second level small page descriptors.
	arm32L2ExecNever  = RawEntry(1 << 0)
	arm32L2SmallPage  = RawEntry(1 << 1)
	arm32L2Bufferable = RawEntry(1 << 2)
	arm32L2Cacheable  = RawEntry(1 << 3)
	arm32L2AP0        = RawEntry(1 << 4)
	arm32L2AP1        = RawEntry(1 << 5)
	arm32L2AP2        = RawEntry(1 << 9)
	arm32L2Shareable  = RawEntry(1 << 10)
	arm32L2AddrMask   = RawEntry(0xfffff000)
	arm32L2PermMask   = arm32L2AP0 | arm32L2AP1 | arm32L2AP2

	// Data fault status register fields.
	arm32FSRStatusLow       = 0xf
	arm32FSRStatusHigh      = 1 << 10
	arm32FSRWrite           = 1 << 11
	arm32FSRTranslationSect = 0x5
	arm32FSRTranslationPage = 0x7
	arm32FSRPermissionPage  = 0xf
)

// ArchARM32 is the ARMv7 short-descriptor format: a 16 KiB first level
// table with 4096 entries and 1 KiB second level tables with 256 entries.
// Four second level tables share a single page.
type ArchARM32 struct{}

// Name implements Arch.
func (ArchARM32) Name() string { return "arm32" }

// Levels implements Arch.
func (ArchARM32) Levels() int { return 2 }

// EntryCount implements Arch.
func (ArchARM32) EntryCount(level int) int {
	if level == 0 {
		return 256
	}
	return 4096
}

// EntrySize implements Arch.
func (ArchARM32) EntrySize() uintptr { return 4 }

// KernelBase implements Arch.
func (ArchARM32) KernelBase() uintptr { return 0xc0000000 }

// IsPresent implements Arch.
func (ArchARM32) IsPresent(level int, e RawEntry) bool {
	if level == 0 {
		return e&arm32L2SmallPage != 0
	}
	return e&arm32L1TypeMask == arm32L1TypeTable
}

// IsAllocated implements Arch.
func (ArchARM32) IsAllocated(level int, e RawEntry) bool {
	return level > 0 && e&arm32L1TypeMask == 0 && e&arm32L1Allocated != 0
}

// PhysAddr implements Arch.
func (ArchARM32) PhysAddr(level int, e RawEntry) uintptr {
	if level == 0 {
		return uintptr(e & arm32L2AddrMask)
	}
	return uintptr(e & arm32L1AddrMask)
}

// SetPhysAddr implements Arch.
func (ArchARM32) SetPhysAddr(level int, e RawEntry, physAddr uintptr) RawEntry {
	mask := arm32L1AddrMask
	if level == 0 {
		mask = arm32L2AddrMask
	}
	return (e &^ mask) | (RawEntry(physAddr) & mask)
}

// Flags implements Arch.
func (a ArchARM32) Flags(level int, e RawEntry) Flag {
	if !a.IsPresent(level, e) {
		return 0
	}

	if level > 0 {
		// Short descriptors carry no permissions at the first level.
		flags := FlagPermRead | FlagPermWrite | FlagPermExec | FlagNonPriv
		if e&arm32L1CopyOnWrite != 0 {
			flags |= FlagCOW
		}
		return flags
	}

	flags := FlagPermRead
	switch e & arm32L2PermMask {
	case arm32L2AP0:
		flags |= FlagPermWrite
	case arm32L2AP0 | arm32L2AP1:
		flags |= FlagPermWrite | FlagNonPriv
	case arm32L2AP2 | arm32L2AP0 | arm32L2AP1:
		flags |= FlagNonPriv
	}
	if e&arm32L2ExecNever == 0 {
		flags |= FlagPermExec
	}
	if e&(arm32L2Cacheable|arm32L2Bufferable) == 0 {
		flags |= FlagUncached
	}
	return flags
}

// SetFlags implements Arch.
func (a ArchARM32) SetFlags(level int, e RawEntry, flags Flag) RawEntry {
	if level > 0 {
		if flags&FlagCOW != 0 {
			e |= arm32L1CopyOnWrite
		}
		return e
	}
	return arm32EncodeL2(e, a.Flags(level, e)|flags)
}

// ClearFlags implements Arch.
func (a ArchARM32) ClearFlags(level int, e RawEntry, flags Flag) RawEntry {
	if level > 0 {
		if flags&FlagCOW != 0 {
			e &^= arm32L1CopyOnWrite
		}
		return e
	}
	return arm32EncodeL2(e, a.Flags(level, e)&^flags)
}

// arm32EncodeL2 rewrites the attribute bits of a small page descriptor so
// they match flags.
func arm32EncodeL2(e RawEntry, flags Flag) RawEntry {
	e &^= arm32L2PermMask | arm32L2ExecNever | arm32L2Cacheable | arm32L2Bufferable

	switch {
	case flags&FlagPermWrite != 0 && flags&FlagNonPriv != 0:
		e |= arm32L2AP0 | arm32L2AP1
	case flags&FlagPermWrite != 0:
		e |= arm32L2AP0
	case flags&FlagNonPriv != 0:
		e |= arm32L2AP2 | arm32L2AP0 | arm32L2AP1
	default:
		e |= arm32L2AP2 | arm32L2AP0
	}

	if flags&FlagPermExec == 0 {
		e |= arm32L2ExecNever
	}
	if flags&FlagUncached == 0 {
		e |= arm32L2Cacheable | arm32L2Bufferable
	}
	return e
}

// DefaultEntry implements Arch.
func (ArchARM32) DefaultEntry(level int) RawEntry {
	if level > 0 {
		return arm32L1TypeTable
	}
	return arm32L2SmallPage | arm32L2Shareable | arm32L2Cacheable | arm32L2Bufferable |
		arm32L2AP2 | arm32L2AP0 | arm32L2ExecNever
}

// MarkAllocated implements Arch.
func (ArchARM32) MarkAllocated(_ int, e RawEntry) RawEntry {
	return (e & arm32L1AddrMask) | arm32L1Allocated
}

// Invalidate implements Arch.
func (ArchARM32) Invalidate(int, RawEntry) RawEntry { return 0 }

// ParseFaultInfo implements Arch.
func (ArchARM32) ParseFaultInfo(info uint32) FaultCause {
	var cause FaultCause

	status := info & arm32FSRStatusLow
	if info&arm32FSRStatusHigh != 0 {
		status |= 0x10
	}
	if status == arm32FSRTranslationSect || status == arm32FSRTranslationPage {
		cause |= FaultNotPresent
	}
	if info&arm32FSRWrite != 0 {
		cause |= FaultWrite
	}
	return cause
}

// FaultInfo implements Arch.
func (ArchARM32) FaultInfo(cause FaultCause) uint32 {
	info := uint32(arm32FSRPermissionPage)
	if cause&FaultNotPresent != 0 {
		info = arm32FSRTranslationPage
	}
	if cause&FaultWrite != 0 {
		info |= arm32FSRWrite
	}
	return info
}

// ARMv8 VMSA with a 4 KiB granule and 48-bit virtual addresses.
const (
	arm64Valid    = RawEntry(1 << 0)
	arm64Table    = RawEntry(1 << 1)
	arm64AddrMask = RawEntry(0x0000fffffffff000)

	arm64AttrDevice  = RawEntry(1 << 2)
	arm64APUser      = RawEntry(1 << 6)
	arm64APReadOnly  = RawEntry(1 << 7)
	arm64ShInner     = RawEntry(3 << 8)
	arm64AccessFlag  = RawEntry(1 << 10)
	arm64PrivXN      = RawEntry(1 << 53)
	arm64UserXN      = RawEntry(1 << 54)
	arm64CopyOnWrite = RawEntry(1 << 55)
	arm64Allocated   = RawEntry(1 << 56)

	// Data abort syndrome fields.
	arm64ESRDataAbort   = 0x25 << 26
	arm64ESRWrite       = 1 << 6
	arm64DFSCMask       = 0x3c
	arm64DFSCTranslate  = 0x04
	arm64DFSCPermission = 0x0c
	arm64DFSCLevel3     = 0x03
)

// ArchARM64 is the ARMv8 four-level format with a 4 KiB granule and 512
// 64-bit entries per table.
type ArchARM64 struct{}

// Name implements Arch.
func (ArchARM64) Name() string { return "arm64" }

// Levels implements Arch.
func (ArchARM64) Levels() int { return 4 }

// EntryCount implements Arch.
func (ArchARM64) EntryCount(int) int { return 512 }

// EntrySize implements Arch.
func (ArchARM64) EntrySize() uintptr { return 8 }

// KernelBase implements Arch.
func (ArchARM64) KernelBase() uintptr { return 0xffff800000000000 }

// IsPresent implements Arch.
func (ArchARM64) IsPresent(_ int, e RawEntry) bool {
	return e&(arm64Valid|arm64Table) == arm64Valid|arm64Table
}

// IsAllocated implements Arch.
func (ArchARM64) IsAllocated(level int, e RawEntry) bool {
	return level > 0 && e&arm64Valid == 0 && e&arm64Allocated != 0
}

// PhysAddr implements Arch.
func (ArchARM64) PhysAddr(_ int, e RawEntry) uintptr { return uintptr(e & arm64AddrMask) }

// SetPhysAddr implements Arch.
func (ArchARM64) SetPhysAddr(_ int, e RawEntry, physAddr uintptr) RawEntry {
	return (e &^ arm64AddrMask) | (RawEntry(physAddr) & arm64AddrMask)
}

// Flags implements Arch.
func (a ArchARM64) Flags(level int, e RawEntry) Flag {
	if !a.IsPresent(level, e) {
		return 0
	}

	var flags Flag
	if e&arm64CopyOnWrite != 0 {
		flags |= FlagCOW
	}

	if level > 0 {
		// Hierarchical permission controls are left clear.
		return flags | FlagPermRead | FlagPermWrite | FlagPermExec | FlagNonPriv
	}

	flags |= FlagPermRead
	if e&arm64APReadOnly == 0 {
		flags |= FlagPermWrite
	}
	if e&arm64APUser != 0 {
		flags |= FlagNonPriv
	}
	if e&(arm64UserXN|arm64PrivXN) == 0 {
		flags |= FlagPermExec
	}
	if e&arm64AttrDevice != 0 {
		flags |= FlagUncached
	}
	return flags
}

// SetFlags implements Arch.
func (ArchARM64) SetFlags(level int, e RawEntry, flags Flag) RawEntry {
	if flags&FlagCOW != 0 {
		e |= arm64CopyOnWrite
	}
	if level > 0 {
		return e
	}

	if flags&FlagPermWrite != 0 {
		e &^= arm64APReadOnly
	}
	if flags&FlagNonPriv != 0 {
		e |= arm64APUser
	}
	if flags&FlagPermExec != 0 {
		e &^= arm64UserXN | arm64PrivXN
	}
	if flags&FlagUncached != 0 {
		e |= arm64AttrDevice
	}
	return e
}

// ClearFlags implements Arch.
func (ArchARM64) ClearFlags(level int, e RawEntry, flags Flag) RawEntry {
	if flags&FlagCOW != 0 {
		e &^= arm64CopyOnWrite
	}
	if level > 0 {
		return e
	}

	if flags&FlagPermWrite != 0 {
		e |= arm64APReadOnly
	}
	if flags&FlagNonPriv != 0 {
		e &^= arm64APUser
	}
	if flags&FlagPermExec != 0 {
		e |= arm64UserXN | arm64PrivXN
	}
	if flags&FlagUncached != 0 {
		e &^= arm64AttrDevice
	}
	return e
}

// DefaultEntry implements Arch.
func (ArchARM64) DefaultEntry(level int) RawEntry {
	if level > 0 {
		return arm64Valid | arm64Table
	}
	return arm64Valid | arm64Table | arm64AccessFlag | arm64ShInner |
		arm64APReadOnly | arm64UserXN | arm64PrivXN
}

// MarkAllocated implements Arch.
func (ArchARM64) MarkAllocated(_ int, e RawEntry) RawEntry {
	return (e & arm64AddrMask) | arm64Allocated
}

// Invalidate implements Arch.
func (ArchARM64) Invalidate(int, RawEntry) RawEntry { return 0 }

// ParseFaultInfo implements Arch.
func (ArchARM64) ParseFaultInfo(info uint32) FaultCause {
	var cause FaultCause
	if info&arm64DFSCMask == arm64DFSCTranslate {
		cause |= FaultNotPresent
	}
	if info&arm64ESRWrite != 0 {
		cause |= FaultWrite
	}
	return cause
}

// FaultInfo implements Arch.
func (ArchARM64) FaultInfo(cause FaultCause) uint32 {
	info := uint32(arm64ESRDataAbort | arm64DFSCPermission | arm64DFSCLevel3)
	if cause&FaultNotPresent != 0 {
		info = arm64ESRDataAbort | arm64DFSCTranslate | arm64DFSCLevel3
	}
	if cause&FaultWrite != 0 {
		info |= arm64ESRWrite
	}
	return info
}
