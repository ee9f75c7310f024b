package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// EnsureWritableRange makes every page of [vaddr, vaddr+size) present,
// private and writable in the active address space so that a bulk copy into
// it cannot fault. Pages shared copy-on-write are resolved, swapped pages are
// restored and missing pages are allocated.
func (c *Context) EnsureWritableRange(vaddr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	return c.withLock(func(l *locked) *kernel.Error {
		last := mm.PageAlignDown(vaddr + size - 1)
		for page := mm.PageAlignDown(vaddr); ; page += mm.PageSize {
			if err := l.ensureWritable(page); err != nil {
				return err
			}
			if page == last {
				return nil
			}
		}
	})
}

func (l *locked) ensureWritable(vaddr uintptr) *kernel.Error {
	if err := l.ensureResolved(vaddr); err != nil {
		return err
	}

	if err := l.handleNotPresent(vaddr); err != nil {
		return err
	}

	if _, e, _ := l.leaf(vaddr); e.Flags&FlagPermWrite == 0 {
		return ErrProtection
	}
	return nil
}

// CopyToAddressSpace copies src to dstVaddr in dst. The copy runs on the
// core of the context which temporarily switches to dst.
func (c *Context) CopyToAddressSpace(dst *AddressSpace, src []byte, dstVaddr uintptr) *kernel.Error {
	if prev := c.ActiveAddressSpace(); prev != nil && prev != dst {
		defer c.SwitchAddressSpace(prev)
	}
	c.SwitchAddressSpace(dst)

	if err := c.EnsureWritableRange(dstVaddr, uintptr(len(src))); err != nil {
		return err
	}
	return c.KernelWrite(dstVaddr, src)
}

// CopyBetweenAddressSpaces copies size bytes at srcVaddr in the active
// address space to dstVaddr in dst.
func (c *Context) CopyBetweenAddressSpaces(dst *AddressSpace, srcVaddr, dstVaddr, size uintptr) *kernel.Error {
	buf := make([]byte, size)
	if err := c.KernelRead(srcVaddr, buf); err != nil {
		return err
	}
	return c.CopyToAddressSpace(dst, buf, dstVaddr)
}
