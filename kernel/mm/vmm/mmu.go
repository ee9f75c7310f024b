package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/mm"
)

// maxFaultRetries bounds the number of faults a single access may raise
// before the access is aborted.
const maxFaultRetries = 4

var errFaultLoop = &kernel.Error{Module: "vmm", Message: "page fault handler made no progress", Code: kernel.EFAULT}

type accessMode uint8

const (
	accessWrite accessMode = 1 << iota
	accessUser
)

// Read performs a user mode load of len(buf) bytes at vaddr. Faults raised
// by the access are handled and the access is retried.
func (c *Context) Read(vaddr uintptr, buf []byte) *kernel.Error {
	return c.access(vaddr, buf, accessUser)
}

// Write performs a user mode store of data at vaddr.
func (c *Context) Write(vaddr uintptr, data []byte) *kernel.Error {
	return c.access(vaddr, data, accessUser|accessWrite)
}

// KernelRead performs a supervisor load of len(buf) bytes at vaddr.
func (c *Context) KernelRead(vaddr uintptr, buf []byte) *kernel.Error {
	return c.access(vaddr, buf, 0)
}

// KernelWrite performs a supervisor store of data at vaddr. Supervisor
// stores ignore page write protection; callers that write to user pages must
// use EnsureWritableRange first.
func (c *Context) KernelWrite(vaddr uintptr, data []byte) *kernel.Error {
	return c.access(vaddr, data, accessWrite)
}

func (c *Context) access(vaddr uintptr, buf []byte, mode accessMode) *kernel.Error {
	if c.ActiveAddressSpace() == nil {
		return ErrNoAddressSpace
	}

	for len(buf) > 0 {
		off := vaddr & (mm.PageSize - 1)
		n := mm.PageSize - off
		if n > uintptr(len(buf)) {
			n = uintptr(len(buf))
		}

		phys, err := c.translateAccess(vaddr, mode)
		if err != nil {
			return err
		}

		page := c.m.memory.FrameBytes(mm.FrameFromAddress(phys))
		if mode&accessWrite != 0 {
			copy(page[off:off+n], buf[:n])
		} else {
			copy(buf[:n], page[off:off+n])
		}

		vaddr += n
		buf = buf[n:]
	}
	return nil
}

// translateAccess returns the frame address that the MMU uses for an access
// to vaddr, raising page faults until the access is allowed.
func (c *Context) translateAccess(vaddr uintptr, mode accessMode) (uintptr, *kernel.Error) {
	for attempt := 0; attempt <= maxFaultRetries; attempt++ {
		phys, cause, ok := c.mmuLookup(vaddr, mode)
		if ok {
			if !c.m.memory.Contains(phys, mm.PageSize) {
				return 0, ErrFault
			}
			return phys, nil
		}

		// The translation that caused the fault is dropped before the
		// handler runs.
		c.core.FlushTLBEntry(vaddr)
		if err := c.HandlePageFault(c.m.arch.FaultInfo(cause), vaddr); err != nil {
			return 0, err
		}
	}
	return 0, errFaultLoop
}

// mmuLookup translates vaddr the way the MMU does: a TLB lookup followed by
// a walk of the active tables that fills the TLB. Permissions are the
// intersection of the permissions found at every level.
func (c *Context) mmuLookup(vaddr uintptr, mode accessMode) (uintptr, FaultCause, bool) {
	var (
		write = mode&accessWrite != 0
		user  = mode&accessUser != 0
		cause FaultCause
	)

	if write {
		cause = FaultWrite
	}

	entry, hit := c.core.LookupTLB(vaddr)
	if !hit {
		var ok bool
		if entry, ok = c.walk(vaddr); !ok {
			return 0, cause | FaultNotPresent, false
		}
		c.core.FillTLB(vaddr, entry)
	}

	// Supervisor stores ignore write protection.
	if user && (!entry.User || write && !entry.Writable) {
		return 0, cause, false
	}
	return entry.PhysAddr, 0, true
}

// walk performs a hardware table walk of the tables installed on the core.
func (c *Context) walk(vaddr uintptr) (cpu.TLBEntry, bool) {
	var (
		a     = c.m.arch
		table = c.core.ActivePDT()
		entry = cpu.TLBEntry{Writable: true, User: true}
	)

	if table == 0 {
		return entry, false
	}

	for level := topLevel(a); level >= 0; level-- {
		raw := c.m.slot(table, level, entryIndex(a, vaddr, level)).load()
		if !a.IsPresent(level, raw) {
			return entry, false
		}

		flags := a.Flags(level, raw)
		entry.Writable = entry.Writable && flags&FlagPermWrite != 0
		entry.User = entry.User && flags&FlagNonPriv != 0
		table = a.PhysAddr(level, raw)
	}

	entry.PhysAddr = table
	return entry, true
}
