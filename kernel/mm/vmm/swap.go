package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
)

// EvictStatus tells what happened to an evicted page.
type EvictStatus uint8

const (
	// EvictSwapped means the page was written to the backing store.
	EvictSwapped EvictStatus = iota + 1

	// EvictDiscarded means the page was dropped and will be reloaded by
	// its zone.
	EvictDiscarded
)

// Evict releases the frame behind the page at vaddr of the active address
// space. Depending on the zone policy the contents are written to the
// backing store or discarded.
func (c *Context) Evict(zone *Zone, vaddr uintptr) (EvictStatus, *kernel.Error) {
	var status EvictStatus
	err := c.withLock(func(l *locked) *kernel.Error {
		var err *kernel.Error
		status, err = l.evict(zone, vaddr)
		return err
	})
	return status, err
}

func (l *locked) evict(zone *Zone, vaddr uintptr) (EvictStatus, *kernel.Error) {
	vaddr = mm.PageAlignDown(vaddr)
	switch {
	case zone == nil || !zone.Contains(vaddr):
		return 0, ErrInvalidZone
	case l.isCOW(vaddr):
		return 0, ErrBusy
	}

	leaf, e, ok := l.leaf(vaddr)
	switch {
	case !ok || e.State != EntryPresent:
		return 0, ErrNotPresent
	case !l.m.memory.Contains(e.PhysAddr, mm.PageSize):
		return 0, ErrSwapNotAllowed
	}

	var (
		status = EvictDiscarded
		raw    = l.m.arch.Invalidate(0, leaf.load())
	)

	switch zone.ops().SwapPageMode(zone, vaddr) {
	case SwapNotAllowed:
		return 0, ErrSwapNotAllowed
	case SwapToDev:
		if l.m.swap == nil {
			return 0, ErrSwapNotAllowed
		}

		scratch, err := l.mapScratch(e.Frame(), 0)
		if err != nil {
			return 0, err
		}
		id, storeErr := l.m.swap.Store(l.pageBytes(scratch.Start))
		l.unmapScratch(scratch)

		if storeErr != nil {
			kfmt.Fprintf(l.m.log, "evict 0x%x: %s\n", vaddr, storeErr.Error())
			return 0, ErrSwapIO
		}

		status = EvictSwapped
		raw = encodeEntry(l.m.arch, 0, Entry{State: EntrySwapped, SwapID: id})
	}

	// The frame is reused as soon as it is freed so every core must drop
	// its translation first.
	leaf.store(raw)
	l.broadcast(vaddr)
	l.m.freeFrame(e.Frame())
	return status, nil
}

// Restore reads the swapped page at vaddr back from the backing store.
func (c *Context) Restore(vaddr uintptr) *kernel.Error {
	return c.withLock(func(l *locked) *kernel.Error {
		if l.isCOW(vaddr) {
			return ErrBusy
		}
		return l.restore(vaddr)
	})
}

func (l *locked) restore(vaddr uintptr) *kernel.Error {
	vaddr = mm.PageAlignDown(vaddr)

	zone := l.as.zones.Find(vaddr)
	if zone == nil {
		return ErrFault
	}

	leaf, e, ok := l.leaf(vaddr)
	if !ok || e.State != EntrySwapped {
		return ErrNotPresent
	}
	if l.m.swap == nil {
		return ErrSwapNotAllowed
	}

	frame, err := l.allocFrame()
	if err != nil {
		return err
	}

	if loadErr := l.m.swap.Load(e.SwapID, l.m.memory.FrameBytes(frame)); loadErr != nil {
		kfmt.Fprintf(l.m.log, "restore 0x%x: %s\n", vaddr, loadErr.Error())
		l.m.freeFrame(frame)
		return ErrSwapIO
	}

	leaf.store(encodeEntry(l.m.arch, 0, Entry{State: EntryPresent, PhysAddr: frame.Address(), Flags: zone.Flags | FlagPermRead}))
	l.m.releaseSwap(e.SwapID)
	l.broadcast(vaddr)

	return zone.ops().RestoreSwappedPage(zone, vaddr)
}
