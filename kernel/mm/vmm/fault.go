package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// HandlePageFault services a page fault raised by the core of the context.
// info holds the fault status bits reported by the MMU. Missing pages are
// handled first, then writes to pages shared copy-on-write. Writes to pages
// that are read-only for any other reason return ErrProtection so the trap
// layer can signal the faulting thread.
func (c *Context) HandlePageFault(info uint32, vaddr uintptr) *kernel.Error {
	cause := c.m.arch.ParseFaultInfo(info)
	vaddr = mm.PageAlignDown(vaddr)

	if cause&FaultNotPresent != 0 {
		if err := c.withLock(func(l *locked) *kernel.Error {
			return l.handleNotPresent(vaddr)
		}); err != nil {
			return err
		}
	}

	if cause&FaultWrite != 0 {
		return c.withLock(func(l *locked) *kernel.Error {
			return l.handleWrite(vaddr)
		})
	}

	if cause&FaultNotPresent == 0 {
		return ErrProtection
	}
	return nil
}

// handleNotPresent populates the page at vaddr.
func (l *locked) handleNotPresent(vaddr uintptr) *kernel.Error {
	if _, e, ok := l.leaf(vaddr); ok && e.State == EntryPresent {
		return nil
	}

	// Kernel ranges are always backed so no zone lookup is needed.
	if isKernelAddr(l.m.arch, vaddr) {
		return l.allocPage(vaddr, FlagPermRead|FlagPermWrite|FlagPermExec)
	}

	zone := l.as.zones.Find(vaddr)
	if zone == nil {
		return ErrFault
	}

	if l.isCOW(vaddr) {
		if err := l.ensureResolved(vaddr); err != nil {
			return err
		}
	}

	_, e, ok := l.leaf(vaddr)
	switch {
	case ok && e.State == EntryPresent:
		return nil
	case ok && e.State == EntrySwapped:
		return l.restore(vaddr)
	}

	if err := l.ensureTables(vaddr); err != nil {
		return err
	}

	frame, err := l.allocFrame()
	if err != nil {
		return err
	}

	page := l.m.memory.FrameBytes(frame)
	clear(page)
	if err = zone.ops().LoadPageContent(zone, vaddr, page); err != nil {
		l.m.freeFrame(frame)
		return err
	}

	l.setLeaf(vaddr, Entry{State: EntryPresent, PhysAddr: frame.Address(), Flags: zone.Flags | FlagPermRead})
	return nil
}

// handleWrite resolves a write to a page shared copy-on-write.
func (l *locked) handleWrite(vaddr uintptr) *kernel.Error {
	if l.isCOW(vaddr) {
		if err := l.ensureResolved(vaddr); err != nil {
			return err
		}
	}

	if _, e, ok := l.leaf(vaddr); ok && e.State == EntryPresent && e.Flags&FlagPermWrite != 0 {
		return nil
	}
	return ErrProtection
}
