package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// getEntity returns the slot at level that translates vaddr in the locked
// address space.
func (l *locked) getEntity(vaddr uintptr, level int) (entity, bool) {
	return l.m.getEntity(l.as.pdir, vaddr, level)
}

// leaf returns the leaf slot for vaddr together with its decoded value. ok
// is false if the tables covering vaddr do not exist.
func (l *locked) leaf(vaddr uintptr) (entity, Entry, bool) {
	e, ok := l.getEntity(vaddr, 0)
	if !ok {
		return entity{}, Entry{}, false
	}
	return e, decodeEntry(l.m.arch, 0, e.load()), true
}

// groupBounds returns the index of the first descriptor at level+1 of the
// group of tables that share a page with the table at level reached
// through index, and the number of tables in the group.
func groupBounds(a Arch, level, index int) (first, count int) {
	count = tablesPerPage(a, level)
	return index &^ (count - 1), count
}

// isCOW returns true if vaddr is translated by a table shared copy-on-write
// with another address space. Tables packed in the same page are shared as
// a group so every descriptor of the group is checked.
func (l *locked) isCOW(vaddr uintptr) bool {
	a := l.m.arch
	if isKernelAddr(a, vaddr) {
		return false
	}

	table, ok := l.m.tableAt(l.as.pdir, vaddr, 1)
	if !ok {
		return false
	}

	first, count := groupBounds(a, 0, entryIndex(a, vaddr, 1))
	for i := first; i < first+count; i++ {
		if a.Flags(1, l.m.slot(table, 1, i).load())&FlagCOW != 0 {
			return true
		}
	}
	return false
}

// ensureTables allocates every missing table on the path to the leaf that
// translates vaddr.
func (l *locked) ensureTables(vaddr uintptr) *kernel.Error {
	for level := topLevel(l.m.arch) - 1; level >= 0; level-- {
		if err := l.allocateTable(vaddr, level); err != nil {
			return err
		}
	}
	return nil
}

// allocateTable makes sure the table at level that translates vaddr exists.
// The parent table must already exist. When several tables share a page the
// whole page is reserved at once and every descriptor of the group is
// stamped as allocated so that later calls only need to initialise their
// table.
func (l *locked) allocateTable(vaddr uintptr, level int) *kernel.Error {
	a := l.m.arch

	parent, ok := l.m.tableAt(l.as.pdir, vaddr, level+1)
	if !ok {
		return errMissingTable
	}

	index := entryIndex(a, vaddr, level+1)
	desc := l.m.slot(parent, level+1, index)
	raw := desc.load()

	switch {
	case a.IsPresent(level+1, raw):
		return nil
	case !a.IsAllocated(level+1, raw):
		frame, err := l.allocFrame()
		if err != nil {
			return err
		}

		l.stampGroup(parent, level, index, frame.Address())
		raw = desc.load()
	}

	l.initTable(desc, vaddr, a.PhysAddr(level+1, raw))
	return nil
}

// forceAllocateTable replaces the group of tables at level that contains the
// table translating vaddr with a fresh page. Only the table for vaddr is
// initialised; its siblings are left allocated.
func (l *locked) forceAllocateTable(vaddr uintptr, level int) *kernel.Error {
	a := l.m.arch

	parent, ok := l.m.tableAt(l.as.pdir, vaddr, level+1)
	if !ok {
		return errMissingTable
	}

	frame, err := l.allocFrame()
	if err != nil {
		return err
	}

	index := entryIndex(a, vaddr, level+1)
	first, count := groupBounds(a, level, index)
	for i := first; i < first+count; i++ {
		desc := l.m.slot(parent, level+1, i)
		desc.store(a.Invalidate(level+1, desc.load()))
	}

	l.stampGroup(parent, level, index, frame.Address())
	desc := l.m.slot(parent, level+1, index)
	l.initTable(desc, vaddr, a.PhysAddr(level+1, desc.load()))
	return nil
}

// stampGroup marks every descriptor of the group containing index as
// allocated, pointing at consecutive tables inside page.
func (l *locked) stampGroup(parent uintptr, level, index int, page uintptr) {
	a := l.m.arch
	first, count := groupBounds(a, level, index)
	for i := 0; i < count; i++ {
		l.m.slot(parent, level+1, first+i).store(encodeEntry(a, level+1, Entry{
			State:    EntryAllocated,
			PhysAddr: page + uintptr(i)*tableSize(a, level),
		}))
	}
}

// initTable clears the table at tablePhys and makes desc point to it.
func (l *locked) initTable(desc entity, vaddr, tablePhys uintptr) {
	a := l.m.arch
	l.m.zeroRange(tablePhys, tableSize(a, desc.level-1))

	flags := FlagPermRead | FlagPermWrite | FlagPermExec
	if !isKernelAddr(a, vaddr) {
		flags |= FlagNonPriv
	}

	desc.store(encodeEntry(a, desc.level, Entry{State: EntryPresent, PhysAddr: tablePhys, Flags: flags}))
}

// setLeaf stores e into the leaf slot of vaddr and flushes the old
// translation. The tables covering vaddr must exist. The entry is built in
// the order default attributes, frame, caller flags and written with a
// single store.
func (l *locked) setLeaf(vaddr uintptr, e Entry) {
	leaf, ok := l.getEntity(vaddr, 0)
	if !ok {
		return
	}

	leaf.store(encodeEntry(l.m.arch, 0, e))
	l.flush(vaddr)
}

// mapPage maps the frame at paddr at vaddr. FlagPermRead is always added to
// flags. A swapped out page that gets replaced drops its swap reference.
func (l *locked) mapPage(vaddr, paddr uintptr, flags Flag) *kernel.Error {
	vaddr = mm.PageAlignDown(vaddr)
	if l.isCOW(vaddr) {
		return ErrBusy
	}

	entered := l.enterKernel(vaddr)
	defer l.leaveKernel(entered)

	if err := l.ensureTables(vaddr); err != nil {
		return err
	}

	_, old, _ := l.leaf(vaddr)
	l.setLeaf(vaddr, Entry{State: EntryPresent, PhysAddr: mm.PageAlignDown(paddr), Flags: flags | FlagPermRead})
	if old.State == EntrySwapped {
		l.m.releaseSwap(old.SwapID)
	}
	return nil
}

// unmapPage removes the mapping of vaddr. The mapped frame is not released.
// A swapped out page drops its swap reference.
func (l *locked) unmapPage(vaddr uintptr) *kernel.Error {
	vaddr = mm.PageAlignDown(vaddr)
	if l.isCOW(vaddr) {
		return ErrBusy
	}

	entered := l.enterKernel(vaddr)
	defer l.leaveKernel(entered)

	leaf, e, ok := l.leaf(vaddr)
	if !ok {
		return ErrNotPresent
	}

	switch e.State {
	case EntryPresent:
		leaf.store(l.m.arch.Invalidate(0, leaf.load()))
		l.flush(vaddr)
	case EntrySwapped:
		leaf.store(l.m.arch.Invalidate(0, leaf.load()))
		l.m.releaseSwap(e.SwapID)
	default:
		return ErrNotPresent
	}
	return nil
}

// allocPage maps a zero-filled frame at vaddr.
func (l *locked) allocPage(vaddr uintptr, flags Flag) *kernel.Error {
	vaddr = mm.PageAlignDown(vaddr)
	if l.isCOW(vaddr) {
		return ErrBusy
	}

	entered := l.enterKernel(vaddr)
	defer l.leaveKernel(entered)

	if _, e, ok := l.leaf(vaddr); ok && e.State != EntryInvalid {
		return ErrAlreadyMapped
	}

	if err := l.ensureTables(vaddr); err != nil {
		return err
	}

	frame, err := l.allocFrame()
	if err != nil {
		return err
	}

	clear(l.m.memory.FrameBytes(frame))
	l.setLeaf(vaddr, Entry{State: EntryPresent, PhysAddr: frame.Address(), Flags: flags | FlagPermRead})
	return nil
}

// tunePage changes the permissions of the page at vaddr keeping its frame.
// Swapped out pages are read back first. Pages that are not mapped get a
// fresh zero-filled frame.
func (l *locked) tunePage(vaddr uintptr, flags Flag) *kernel.Error {
	vaddr = mm.PageAlignDown(vaddr)
	if l.isCOW(vaddr) {
		return ErrBusy
	}

	_, e, ok := l.leaf(vaddr)
	if ok && e.State == EntrySwapped {
		if err := l.restore(vaddr); err != nil {
			return err
		}
		_, e, ok = l.leaf(vaddr)
	}
	if !ok || e.State != EntryPresent {
		return l.allocPage(vaddr, flags)
	}

	entered := l.enterKernel(vaddr)
	defer l.leaveKernel(entered)

	l.setLeaf(vaddr, Entry{State: EntryPresent, PhysAddr: e.PhysAddr, Flags: flags | FlagPermRead})
	return nil
}

// translate returns the physical address that vaddr maps to.
func (l *locked) translate(vaddr uintptr) (uintptr, *kernel.Error) {
	_, e, ok := l.leaf(vaddr)
	if !ok || e.State != EntryPresent {
		return 0, ErrNotPresent
	}
	return e.PhysAddr + vaddr&(mm.PageSize-1), nil
}

// mapScratch maps frame at a scratch kernel address. The tables covering the
// scratch window are allocated at boot so this never waits for memory.
func (l *locked) mapScratch(frame mm.Frame, flags Flag) (KernelZone, *kernel.Error) {
	zone, err := l.m.kmem.acquire(mm.PageSize)
	if err != nil {
		return KernelZone{}, err
	}

	entered := l.enterKernel(zone.Start)
	l.setLeaf(zone.Start, Entry{State: EntryPresent, PhysAddr: frame.Address(), Flags: flags | FlagPermRead})
	l.leaveKernel(entered)
	return zone, nil
}

// unmapScratch removes a mapping installed by mapScratch and returns its
// address range to the pool.
func (l *locked) unmapScratch(zone KernelZone) {
	entered := l.enterKernel(zone.Start)
	l.setLeaf(zone.Start, Entry{State: EntryInvalid})
	l.leaveKernel(entered)
	l.m.kmem.release(zone)
}

// pageBytes returns the contents of the page that the kernel sees at vaddr.
func (l *locked) pageBytes(vaddr uintptr) []byte {
	e, ok := l.getEntity(vaddr, 0)
	if !ok {
		return nil
	}

	entry := decodeEntry(l.m.arch, 0, e.load())
	if entry.State != EntryPresent {
		return nil
	}
	return l.m.memory.FrameBytes(entry.Frame())
}
