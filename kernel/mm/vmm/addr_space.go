package vmm

import (
	"sync/atomic"

	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

// AddressSpace is a page directory together with the zones mapped in it.
// Threads of a process share a single address space through its reference
// count.
type AddressSpace struct {
	lock sync.Spinlock

	// pdir is the physical address of the top level table.
	pdir uintptr

	refs  atomic.Int32
	zones ZoneSet
}

// PDir returns the physical address of the page directory.
func (as *AddressSpace) PDir() uintptr { return as.pdir }

// Get adds a reference to the address space.
func (as *AddressSpace) Get() int32 { return as.refs.Add(1) }

// Put drops a reference and returns the remaining count.
func (as *AddressSpace) Put() int32 { return as.refs.Add(-1) }

// Refs returns the current reference count.
func (as *AddressSpace) Refs() int32 { return as.refs.Load() }

// AddZone registers a zone with the address space.
func (as *AddressSpace) AddZone(z *Zone) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.zones.Insert(z)
}

// FindZone returns the zone covering vaddr or nil.
func (as *AddressSpace) FindZone(vaddr uintptr) *Zone {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.zones.Find(vaddr)
}

// RemoveZone unregisters the zone starting at start. Pages mapped inside
// the zone are left untouched.
func (as *AddressSpace) RemoveZone(start uintptr) *Zone {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.zones.Remove(start)
}

// Zones returns a snapshot of the zones of the address space.
func (as *AddressSpace) Zones() []*Zone {
	as.lock.Acquire()
	defer as.lock.Release()
	return append([]*Zone(nil), as.zones.Zones()...)
}

// NewAddressSpace creates an address space with no user mappings. The
// kernel half is shared with every other address space. The call sleeps
// until memory for the page directory becomes available.
func (m *Manager) NewAddressSpace() *AddressSpace {
	a := m.arch
	size := tableSize(a, topLevel(a))

	for {
		token := m.frames.ReclaimToken()
		frame, err := m.frames.AllocAligned(size, size)
		if err == nil {
			as := &AddressSpace{pdir: frame.Address()}
			m.initPDir(as.pdir)
			return as
		}
		<-token
	}
}

// initPDir clears the user half of the directory at pdir and links the
// kernel tables into its kernel half.
func (m *Manager) initPDir(pdir uintptr) {
	var (
		a     = m.arch
		top   = topLevel(a)
		first = uintptr(kernelTopIndex(a)) * a.EntrySize()
	)

	m.zeroRange(pdir, first)
	m.copyRange(pdir+first, m.kernel.pdir+first, tableSize(a, top)-first)
}

// FreeAddressSpace releases the tables and frames owned by as. The address
// space must no longer be referenced. Cores still running it are switched to
// the kernel address space first.
func (m *Manager) FreeAddressSpace(as *AddressSpace) *kernel.Error {
	switch {
	case as == m.kernel:
		return ErrKernelSpace
	case as.Refs() != 0:
		return ErrSpaceInUse
	}

	for i := range m.active {
		if m.active[i].CompareAndSwap(as, m.kernel) {
			m.machine.Core(i).SwitchPDT(m.kernel.pdir)
		}
	}

	as.lock.Acquire()
	defer as.lock.Release()

	a := m.arch
	top := topLevel(a)
	m.freeTables(as, as.pdir, top, kernelTopIndex(a), 0)

	for off := uintptr(0); off < tableSize(a, top); off += mm.PageSize {
		m.freeFrame(mm.FrameFromAddress(as.pdir + off))
	}
	as.pdir = 0
	return nil
}

// freeTables releases the tables below the first limit entries of the table
// at level. base is the first virtual address translated by the table.
func (m *Manager) freeTables(as *AddressSpace, table uintptr, level, limit int, base uintptr) {
	a := m.arch
	if level == 1 {
		m.freeLeafTables(as, table, limit, base)
		return
	}

	span := uintptr(1) << levelShift(a, level)
	for i := 0; i < limit; i++ {
		raw := m.slot(table, level, i).load()
		if !a.IsPresent(level, raw) {
			continue
		}

		child := a.PhysAddr(level, raw)
		m.freeTables(as, child, level-1, a.EntryCount(level-1), base+uintptr(i)*span)
		m.freeFrame(mm.FrameFromAddress(child))
	}
}

// freeLeafTables releases the leaf tables referenced by the first limit
// descriptors of a level 1 table. A group of leaf tables that is still
// shared with another address space only loses a reference; otherwise the
// frames it maps are released too.
func (m *Manager) freeLeafTables(as *AddressSpace, table uintptr, limit int, base uintptr) {
	a := m.arch
	span := uintptr(1) << levelShift(a, 1)
	_, count := groupBounds(a, 0, 0)

	for first := 0; first < limit; first += count {
		var group uintptr
		for i := first; i < first+count; i++ {
			raw := m.slot(table, 1, i).load()
			if a.IsPresent(1, raw) || a.IsAllocated(1, raw) {
				group = mm.PageAlignDown(a.PhysAddr(1, raw))
				break
			}
		}
		if group == 0 {
			continue
		}

		if m.frames.RefCount(mm.FrameFromAddress(group)) == 1 {
			for i := first; i < first+count; i++ {
				raw := m.slot(table, 1, i).load()
				if a.IsPresent(1, raw) {
					m.freeLeaves(as, a.PhysAddr(1, raw), base+uintptr(i)*span)
				}
			}
		}
		m.freeFrame(mm.FrameFromAddress(group))
	}
}

// freeLeaves releases the frames and swap slots referenced by a leaf table.
// Device frames belong to the device and are skipped.
func (m *Manager) freeLeaves(as *AddressSpace, table, base uintptr) {
	a := m.arch
	for i := 0; i < a.EntryCount(0); i++ {
		vaddr := base + uintptr(i)<<mm.PageShift
		e := decodeEntry(a, 0, m.slot(table, 0, i).load())

		switch e.State {
		case EntrySwapped:
			m.releaseSwap(e.SwapID)
		case EntryPresent:
			if z := as.zones.Find(vaddr); z != nil && z.Type&ZoneDevice != 0 {
				continue
			}
			if !m.memory.Contains(e.PhysAddr, mm.PageSize) {
				continue
			}
			m.freeFrame(e.Frame())
		}
	}
}

// NewForkedAddressSpace creates a copy-on-write clone of the active address
// space. Both spaces share the leaf tables and the frames they map until one
// of them writes to a page.
func (c *Context) NewForkedAddressSpace() (*AddressSpace, *kernel.Error) {
	var child *AddressSpace
	err := c.withLock(func(l *locked) *kernel.Error {
		if l.as == c.m.kernel {
			return ErrKernelSpace
		}

		var err *kernel.Error
		child, err = l.fork()
		return err
	})
	return child, err
}

// fork clones the locked address space. Every frame needed for the clone is
// reserved before any table is touched.
func (l *locked) fork() (*AddressSpace, *kernel.Error) {
	var (
		a     = l.m.arch
		top   = topLevel(a)
		limit = kernelTopIndex(a)
		size  = tableSize(a, top)
	)

	if err := l.reserveFrames(l.countForkTables(l.as.pdir, top, limit)); err != nil {
		return nil, err
	}

	token := l.m.frames.ReclaimToken()
	frame, err := l.m.frames.AllocAligned(size, size)
	if err != nil {
		l.waitForMemory(token)
		return nil, errRestart
	}

	child := &AddressSpace{pdir: frame.Address()}
	l.m.copyRange(child.pdir, l.as.pdir, size)
	l.forkTable(l.as.pdir, child.pdir, top, limit)
	child.zones = l.as.zones.clone()

	l.flushAll()
	return child, nil
}

// countForkTables returns the number of tables above level 1 that fork
// duplicates below the first limit entries of table.
func (l *locked) countForkTables(table uintptr, level, limit int) int {
	a := l.m.arch
	if level <= 1 {
		return 0
	}

	var n int
	for i := 0; i < limit; i++ {
		raw := l.m.slot(table, level, i).load()
		if a.IsPresent(level, raw) {
			n += 1 + l.countForkTables(a.PhysAddr(level, raw), level-1, a.EntryCount(level-1))
		}
	}
	return n
}

// forkTable fills dst, a copy of the table src at level, with private copies
// of the tables below it down to level 1. Leaf tables are shared.
func (l *locked) forkTable(src, dst uintptr, level, limit int) {
	a := l.m.arch
	if level == 1 {
		l.shareLeafTables(src, dst, limit)
		return
	}

	for i := 0; i < limit; i++ {
		raw := l.m.slot(src, level, i).load()
		if !a.IsPresent(level, raw) {
			continue
		}

		frame, _ := l.allocFrame()
		srcChild := a.PhysAddr(level, raw)
		dstChild := frame.Address()

		l.m.copyRange(dstChild, srcChild, tableSize(a, level-1))
		l.forkTable(srcChild, dstChild, level-1, a.EntryCount(level-1))
		l.m.slot(dst, level, i).store(a.SetPhysAddr(level, raw, dstChild))
	}
}

// shareLeafTables marks the leaf tables referenced by the first limit
// descriptors of the level 1 tables src and dst as copy-on-write and write
// protects the pages they map. dst must hold a copy of src. Each shared
// group of leaf tables gains a reference for the new owner.
func (l *locked) shareLeafTables(src, dst uintptr, limit int) {
	a := l.m.arch
	_, count := groupBounds(a, 0, 0)

	for first := 0; first < limit; first += count {
		var group uintptr
		for i := first; i < first+count; i++ {
			srcDesc := l.m.slot(src, 1, i)
			raw := srcDesc.load()
			if !a.IsPresent(1, raw) {
				continue
			}

			if group == 0 {
				group = mm.PageAlignDown(a.PhysAddr(1, raw))
			}

			raw = a.SetFlags(1, raw, FlagCOW)
			srcDesc.store(raw)
			l.m.slot(dst, 1, i).store(raw)
			l.writeProtect(a.PhysAddr(1, raw))
		}

		if group != 0 {
			if err := l.m.frames.Ref(mm.FrameFromAddress(group)); err != nil {
				kfmt.Panic(err)
			}
		}
	}
}

// writeProtect clears the write permission of every present leaf of table.
func (l *locked) writeProtect(table uintptr) {
	a := l.m.arch
	for i := 0; i < a.EntryCount(0); i++ {
		leaf := l.m.slot(table, 0, i)
		if raw := leaf.load(); a.IsPresent(0, raw) {
			leaf.store(a.ClearFlags(0, raw, FlagPermWrite))
		}
	}
}

// SwitchAddressSpace installs as on the core of the context. Interrupts are
// disabled while the root register is updated.
func (c *Context) SwitchAddressSpace(as *AddressSpace) {
	size := tableSize(c.m.arch, topLevel(c.m.arch))
	if as.pdir == 0 || as.pdir&(size-1) != 0 {
		kfmt.Panic(errMisalignedPDT)
	}

	if c.ActiveAddressSpace() == as && c.core.ActivePDT() == as.pdir {
		return
	}

	enabled := c.core.InterruptsEnabled()
	c.core.DisableInterrupts()
	c.m.active[c.core.ID()].Store(as)
	c.core.SwitchPDT(as.pdir)
	if enabled {
		c.core.EnableInterrupts()
	}
}
