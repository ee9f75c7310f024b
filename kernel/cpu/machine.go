package cpu

import "vmkernel/kernel/sync"

// Machine groups the cores of a symmetric multiprocessing system.
type Machine struct {
	cores []*Core

	ipiLock  sync.Spinlock
	ipiCount uint64
}

// NewMachine creates a machine with numCores cores. Every core starts with
// interrupts enabled, an empty TLB and a zero root register.
func NewMachine(numCores int) *Machine {
	if numCores < 1 {
		numCores = 1
	}

	m := &Machine{cores: make([]*Core, numCores)}
	for i := range m.cores {
		m.cores[i] = &Core{
			id:                i,
			machine:           m,
			interruptsEnabled: true,
			tlb:               make(map[uintptr]TLBEntry),
		}
	}

	return m
}

// NumCores returns the number of cores in the machine.
func (m *Machine) NumCores() int { return len(m.cores) }

// Core returns the core with the given index.
func (m *Machine) Core(index int) *Core { return m.cores[index] }

// ShootdownTLBEntry flushes the translation for virtAddr on the sender and
// sends an inter-processor flush request to every other core for which
// target returns true. A nil target selects all cores. The call returns after
// all recipients have acknowledged the request.
func (m *Machine) ShootdownTLBEntry(sender *Core, virtAddr uintptr, target func(*Core) bool) {
	if sender != nil {
		sender.FlushTLBEntry(virtAddr)
	}

	for _, core := range m.cores {
		if core == sender || (target != nil && !target(core)) {
			continue
		}

		core.lock.Acquire()
		delete(core.tlb, pageOf(virtAddr))
		core.remoteFlushes++
		core.lock.Release()

		m.ipiLock.Acquire()
		m.ipiCount++
		m.ipiLock.Release()
	}
}

// ShootdownTLB flushes every cached translation on the sender and on every
// other core for which target returns true. A nil target selects all cores.
func (m *Machine) ShootdownTLB(sender *Core, target func(*Core) bool) {
	if sender != nil {
		sender.FlushTLB()
	}

	for _, core := range m.cores {
		if core == sender || (target != nil && !target(core)) {
			continue
		}

		core.lock.Acquire()
		core.flushAllLocked()
		core.remoteFlushes++
		core.lock.Release()

		m.ipiLock.Acquire()
		m.ipiCount++
		m.ipiLock.Release()
	}
}

// IPICount returns the number of inter-processor flush requests delivered
// so far.
func (m *Machine) IPICount() uint64 {
	m.ipiLock.Acquire()
	count := m.ipiCount
	m.ipiLock.Release()
	return count
}
