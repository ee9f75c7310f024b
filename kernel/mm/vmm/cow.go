package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
)

// IsCopyOnWrite returns true if vaddr lies under tables that the active
// address space shares copy-on-write with another one.
func (c *Context) IsCopyOnWrite(vaddr uintptr) bool {
	var cow bool
	_ = c.withLock(func(l *locked) *kernel.Error {
		cow = l.isCOW(vaddr)
		return nil
	})
	return cow
}

// EnsureResolved gives the active address space private copies of the
// tables and pages shared copy-on-write around vaddr. It is a no-op if vaddr
// is not shared.
func (c *Context) EnsureResolved(vaddr uintptr) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		return l.ensureResolved(vaddr)
	})
}

// ensureResolved resolves the group of leaf tables that translates vaddr.
// If no other address space references the group any more it is made
// private in place. Otherwise fresh tables are allocated and every present
// page is copied, except for device and shared file pages which keep their
// frame. Swapped pages only gain a swap reference.
func (l *locked) ensureResolved(vaddr uintptr) *kernel.Error {
	if !l.isCOW(vaddr) {
		return nil
	}

	a := l.m.arch
	parent, _ := l.m.tableAt(l.as.pdir, vaddr, 1)
	first, count := groupBounds(a, 0, entryIndex(a, vaddr, 1))
	groupStart := mm.PageAlignDown(vaddr) &^ (uintptr(count)*tableCoverage(a, 0) - 1)

	// Snapshot the group descriptors and locate the shared page.
	snapshot := make([]RawEntry, count)
	var group uintptr
	for i := range snapshot {
		snapshot[i] = l.m.slot(parent, 1, first+i).load()
		if group == 0 && a.IsPresent(1, snapshot[i]) {
			group = mm.PageAlignDown(a.PhysAddr(1, snapshot[i]))
		}
	}

	if l.m.frames.RefCount(mm.FrameFromAddress(group)) == 1 {
		l.makePrivate(parent, first, snapshot, groupStart)
		return nil
	}

	// Reserve the new table page and one frame per page that needs a
	// private copy before changing anything.
	need := 1
	for i, raw := range snapshot {
		if !a.IsPresent(1, raw) {
			continue
		}
		base := groupStart + uintptr(i)*tableCoverage(a, 0)
		need += l.countCopies(a.PhysAddr(1, raw), base)
	}
	if err := l.reserveFrames(need); err != nil {
		return err
	}

	if err := l.forceAllocateTable(groupStart, 0); err != nil {
		return err
	}

	for i, raw := range snapshot {
		if !a.IsPresent(1, raw) {
			continue
		}

		base := groupStart + uintptr(i)*tableCoverage(a, 0)
		if err := l.allocateTable(base, 0); err != nil {
			return err
		}

		newTable, _ := l.m.tableAt(l.as.pdir, base, 0)
		l.copyLeaves(a.PhysAddr(1, raw), newTable, base)
	}

	l.flushAll()
	l.m.freeFrame(mm.FrameFromAddress(group))
	return nil
}

// makePrivate drops the copy-on-write state of a group that is no longer
// shared and restores write access to its pages where the zone allows it.
func (l *locked) makePrivate(parent uintptr, first int, snapshot []RawEntry, groupStart uintptr) {
	a := l.m.arch
	for i, raw := range snapshot {
		if !a.IsPresent(1, raw) {
			continue
		}

		table := a.PhysAddr(1, raw)
		base := groupStart + uintptr(i)*tableCoverage(a, 0)
		for j := 0; j < a.EntryCount(0); j++ {
			leaf := l.m.slot(table, 0, j)
			if e := leaf.load(); a.IsPresent(0, e) {
				leaf.store(l.restoreWrite(base+uintptr(j)<<mm.PageShift, e))
			}
		}

		l.m.slot(parent, 1, first+i).store(a.ClearFlags(1, raw, FlagCOW))
	}

	l.flushAll()
}

// countCopies returns the number of pages of a shared leaf table that need
// a private frame.
func (l *locked) countCopies(table, base uintptr) int {
	a := l.m.arch
	var n int
	for j := 0; j < a.EntryCount(0); j++ {
		if !a.IsPresent(0, l.m.slot(table, 0, j).load()) {
			continue
		}
		if z := l.as.zones.Find(base + uintptr(j)<<mm.PageShift); z == nil || !z.isShared() {
			n++
		}
	}
	return n
}

// copyLeaves fills the private leaf table dst from the shared table src.
func (l *locked) copyLeaves(src, dst, base uintptr) {
	a := l.m.arch
	for j := 0; j < a.EntryCount(0); j++ {
		vaddr := base + uintptr(j)<<mm.PageShift
		raw := l.m.slot(src, 0, j).load()

		switch e := decodeEntry(a, 0, raw); e.State {
		case EntrySwapped:
			if err := l.m.NewSwapReference(e.SwapID); err != nil {
				kfmt.Panic(err)
			}
		case EntryPresent:
			raw = l.copyPage(vaddr, raw)
		default:
			continue
		}

		l.m.slot(dst, 0, j).store(raw)
	}
}

// copyPage returns the private version of the shared leaf raw mapping
// vaddr. Device and shared file pages keep their frame.
func (l *locked) copyPage(vaddr uintptr, raw RawEntry) RawEntry {
	a := l.m.arch
	zone := l.as.zones.Find(vaddr)
	if zone == nil {
		kfmt.Panic(errCOWNoZone)
	}

	old := mm.FrameFromAddress(a.PhysAddr(0, raw))
	switch {
	case zone.Type&ZoneDevice != 0:
		return l.restoreWrite(vaddr, raw)
	case zone.Type&ZoneMappedFileShared != 0:
		if err := l.m.frames.Ref(old); err != nil {
			kfmt.Panic(err)
		}
		return l.restoreWrite(vaddr, raw)
	}

	frame, _ := l.allocFrame()
	scratch, err := l.mapScratch(old, 0)
	if err != nil {
		kfmt.Panic(err)
	}
	copy(l.m.memory.FrameBytes(frame), l.pageBytes(scratch.Start))
	l.unmapScratch(scratch)

	return l.restoreWrite(vaddr, a.SetPhysAddr(0, raw, frame.Address()))
}

// restoreWrite grants write access to the leaf raw mapping vaddr if its zone
// allows writes.
func (l *locked) restoreWrite(vaddr uintptr, raw RawEntry) RawEntry {
	zone := l.as.zones.Find(vaddr)
	if zone == nil {
		kfmt.Panic(errCOWNoZone)
	}

	if zone.Flags&FlagPermWrite != 0 {
		return l.m.arch.SetFlags(0, raw, FlagPermWrite)
	}
	return raw
}
