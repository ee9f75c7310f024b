package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// MapPage maps the frame at paddr at vaddr in the active address space.
// Missing tables are allocated on the way. It fails with ErrBusy if vaddr
// is shared copy-on-write.
func (c *Context) MapPage(vaddr, paddr uintptr, flags Flag) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		return l.mapPage(vaddr, paddr, flags)
	})
}

// UnmapPage removes the mapping of vaddr. The frame is not released. It
// fails with ErrNotPresent if vaddr is not mapped.
func (c *Context) UnmapPage(vaddr uintptr) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		return l.unmapPage(vaddr)
	})
}

// MapPages maps size bytes of physical memory starting at paddr to vaddr.
// The first error aborts the operation; pages mapped before it stay mapped.
func (c *Context) MapPages(vaddr, paddr, size uintptr, flags Flag) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		for off := uintptr(0); off < size; off += mm.PageSize {
			if err := l.mapPage(vaddr+off, paddr+off, flags); err != nil {
				return err
			}
		}
		return nil
	})
}

// UnmapPages unmaps size bytes starting at vaddr. Every page is visited; the
// first error is returned.
func (c *Context) UnmapPages(vaddr, size uintptr) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		var first *kernel.Error
		for off := uintptr(0); off < size; off += mm.PageSize {
			if err := l.unmapPage(vaddr + off); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// AllocPage maps a zero-filled frame at vaddr. It fails with
// ErrAlreadyMapped if vaddr is mapped.
func (c *Context) AllocPage(vaddr uintptr, flags Flag) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		return l.allocPage(vaddr, flags)
	})
}

// TunePage changes the permissions of the page at vaddr. A swapped out page
// is restored first and a page that is not mapped yet is allocated.
func (c *Context) TunePage(vaddr uintptr, flags Flag) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		return l.tunePage(vaddr, flags)
	})
}

// TunePages applies TunePage to every page of [vaddr, vaddr+size).
func (c *Context) TunePages(vaddr, size uintptr, flags Flag) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		for off := uintptr(0); off < size; off += mm.PageSize {
			if err := l.tunePage(vaddr+off, flags); err != nil {
				return err
			}
		}
		return nil
	})
}

// Translate returns the physical address that vaddr maps to in the active
// address space.
func (c *Context) Translate(vaddr uintptr) (uintptr, *kernel.Error) {
	var phys uintptr
	err := c.withLock(func(l *locked) *kernel.Error {
		var err *kernel.Error
		phys, err = l.translate(vaddr)
		return err
	})
	return phys, err
}
