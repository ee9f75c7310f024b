// Package cpu models the processor features that the memory management code
// drives: the page directory root register, interrupt masking, the TLB and
// inter-processor TLB shootdowns.
//
// The kernel runs hosted, so each Core keeps this state in software. The
// semantics mirror the hardware closely enough for the vmm code to be written
// as it would be for a real MMU: a stale TLB entry keeps translating until it
// is explicitly flushed.
package cpu

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

var (
	// ErrHalted is the value that unwinds the calling task when Halt is
	// invoked.
	ErrHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}
)

// TLBEntry describes a cached translation for a single virtual page.
type TLBEntry struct {
	// PhysAddr is the physical address of the page frame.
	PhysAddr uintptr

	// Writable is set if the cached translation allows writes.
	Writable bool

	// User is set if the cached translation is accessible from user mode.
	User bool
}

// Core describes a single processor.
type Core struct {
	id      int
	machine *Machine

	// lock protects the fields below. It is acquired by the owning core
	// and by remote cores delivering shootdown requests.
	lock              sync.Spinlock
	rootPDT           uintptr
	interruptsEnabled bool
	tlb               map[uintptr]TLBEntry
	localFlushes      uint64
	remoteFlushes     uint64
}

// ID returns the index of this core in its machine.
func (c *Core) ID() int { return c.id }

// Machine returns the machine that owns this core.
func (c *Core) Machine() *Machine { return c.machine }

// EnableInterrupts enables interrupt handling.
func (c *Core) EnableInterrupts() {
	c.lock.Acquire()
	c.interruptsEnabled = true
	c.lock.Release()
}

// DisableInterrupts disables interrupt handling.
func (c *Core) DisableInterrupts() {
	c.lock.Acquire()
	c.interruptsEnabled = false
	c.lock.Release()
}

// InterruptsEnabled returns true if the core currently accepts interrupts.
func (c *Core) InterruptsEnabled() bool {
	c.lock.Acquire()
	enabled := c.interruptsEnabled
	c.lock.Release()
	return enabled
}

// Halt stops instruction execution on this core. The calling task never
// returns from this call.
func (c *Core) Halt() {
	c.DisableInterrupts()
	Halt()
}

// Halt unwinds the calling task with ErrHalted. It is the target used by
// kernel panics which are not tied to a particular core.
func Halt() {
	panic(ErrHalted)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *Core) SwitchPDT(pdtPhysAddr uintptr) {
	c.lock.Acquire()
	c.rootPDT = pdtPhysAddr
	c.flushAllLocked()
	c.lock.Release()
}

// ActivePDT returns the physical address of the currently active page table.
func (c *Core) ActivePDT() uintptr {
	c.lock.Acquire()
	pdt := c.rootPDT
	c.lock.Release()
	return pdt
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *Core) FlushTLBEntry(virtAddr uintptr) {
	c.lock.Acquire()
	delete(c.tlb, pageOf(virtAddr))
	c.localFlushes++
	c.lock.Release()
}

// FlushTLB flushes all cached translations.
func (c *Core) FlushTLB() {
	c.lock.Acquire()
	c.flushAllLocked()
	c.lock.Release()
}

// LookupTLB returns the cached translation for the page containing virtAddr.
func (c *Core) LookupTLB(virtAddr uintptr) (TLBEntry, bool) {
	c.lock.Acquire()
	entry, ok := c.tlb[pageOf(virtAddr)]
	c.lock.Release()
	return entry, ok
}

// FillTLB caches a translation for the page containing virtAddr. It is
// invoked by the page walker after a successful table walk.
func (c *Core) FillTLB(virtAddr uintptr, entry TLBEntry) {
	c.lock.Acquire()
	c.tlb[pageOf(virtAddr)] = entry
	c.lock.Release()
}

// TLBSize returns the number of cached translations.
func (c *Core) TLBSize() int {
	c.lock.Acquire()
	n := len(c.tlb)
	c.lock.Release()
	return n
}

// FlushCounts returns the number of single-entry flushes issued locally and
// the number of flushes delivered by remote cores.
func (c *Core) FlushCounts() (local, remote uint64) {
	c.lock.Acquire()
	local, remote = c.localFlushes, c.remoteFlushes
	c.lock.Release()
	return local, remote
}

func (c *Core) flushAllLocked() {
	for page := range c.tlb {
		delete(c.tlb, page)
	}
}

func pageOf(virtAddr uintptr) uintptr {
	return virtAddr &^ (mm.PageSize - 1)
}
