// Package vmm implements the virtual memory manager: address spaces built on
// multi-level page tables, demand paging, copy-on-write fork and swapping.
//
// The page table engine only manipulates table memory through the physical
// direct map and the root register, TLB and interrupt controls of the cpu
// package, so the same code drives every supported table format.
package vmm

import (
	"io"
	"sync/atomic"
	"unsafe"

	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

var (
	// ErrNoAddressSpace is returned when the calling core has no active
	// address space.
	ErrNoAddressSpace = &kernel.Error{Module: "vmm", Message: "no active address space", Code: kernel.EACCES}

	// ErrKernelSpace is returned by operations that are illegal on the
	// kernel address space.
	ErrKernelSpace = &kernel.Error{Module: "vmm", Message: "operation not permitted on the kernel address space", Code: kernel.EACCES}

	// ErrNotPresent is returned when the target page is not mapped.
	ErrNotPresent = &kernel.Error{Module: "vmm", Message: "page not present", Code: kernel.EACCES}

	// ErrBusy is returned when the target page lies under a copy-on-write
	// table group that must be resolved first.
	ErrBusy = &kernel.Error{Module: "vmm", Message: "page is shared copy-on-write", Code: kernel.EBUSY}

	// ErrSpaceInUse is returned when freeing a referenced address space.
	ErrSpaceInUse = &kernel.Error{Module: "vmm", Message: "address space is still referenced", Code: kernel.EBUSY}

	// ErrFault is returned when no zone covers a faulting user address.
	ErrFault = &kernel.Error{Module: "vmm", Message: "no zone covers the faulting address", Code: kernel.EFAULT}

	// ErrProtection is returned for accesses that violate the permissions
	// of a present page.
	ErrProtection = &kernel.Error{Module: "vmm", Message: "page protection violation", Code: kernel.EFAULT}

	// ErrAlreadyMapped is returned by AllocPage for mapped pages.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped", Code: kernel.EALREADY}

	// ErrSwapNotAllowed is returned when the zone policy vetoes an
	// eviction or no backing store is attached.
	ErrSwapNotAllowed = &kernel.Error{Module: "vmm", Message: "zone does not allow swapping", Code: kernel.EPERM}

	// ErrSwapIO is returned when the backing store fails.
	ErrSwapIO = &kernel.Error{Module: "vmm", Message: "backing store I/O error", Code: kernel.EIO}

	// ErrZoneOverlap is returned when a zone overlaps an existing one.
	ErrZoneOverlap = &kernel.Error{Module: "vmm", Message: "zone overlaps an existing zone", Code: kernel.EINVAL}

	// ErrInvalidZone is returned for malformed or missing zones.
	ErrInvalidZone = &kernel.Error{Module: "vmm", Message: "invalid zone", Code: kernel.EINVAL}

	errInvalidConfig  = &kernel.Error{Module: "vmm", Message: "no page table format configured", Code: kernel.EINVAL}
	errBootAllocation = &kernel.Error{Module: "vmm", Message: "out of memory while allocating kernel page tables"}
	errIdleAllocation = &kernel.Error{Module: "vmm", Message: "idle context ran out of memory"}
	errCOWNoZone      = &kernel.Error{Module: "vmm", Message: "copy-on-write page is not covered by any zone"}
	errMisalignedPDT  = &kernel.Error{Module: "vmm", Message: "page directory is not aligned to its size"}
	errMissingTable   = &kernel.Error{Module: "vmm", Message: "parent page table is missing"}

	// errRestart is returned by steps that dropped the address space lock
	// while waiting for memory. The operation is retried from scratch.
	errRestart = &kernel.Error{Module: "vmm", Message: "restart"}
)

// PhysicalMemory gives the vmm access to RAM through the direct map.
type PhysicalMemory interface {
	// FrameBytes returns the contents of a frame backed by RAM.
	FrameBytes(mm.Frame) []byte

	// Contains returns true if [physAddr, physAddr+size) is RAM.
	Contains(physAddr, size uintptr) bool
}

// FrameAllocator is the physical frame allocator used by the vmm. Frames
// are reference counted so that table pages shared by forked address spaces
// are released by their last owner.
type FrameAllocator interface {
	mm.FrameAllocator

	Ref(mm.Frame) *kernel.Error
	RefCount(mm.Frame) int

	// ReclaimToken returns a channel that is closed the next time a frame
	// is released.
	ReclaimToken() <-chan struct{}
}

// BackingStore keeps the contents of evicted pages.
type BackingStore interface {
	Store(page []byte) (mm.SwapID, error)
	Load(id mm.SwapID, page []byte) error
	AddReference(id mm.SwapID) error
	Release(id mm.SwapID) error
}

// Config describes a vmm instance.
type Config struct {
	// Arch selects the page table format.
	Arch Arch

	// KernelZoneOffset is the offset from Arch.KernelBase of the window
	// used for scratch kernel mappings and KernelZoneSize its size.
	KernelZoneOffset uintptr
	KernelZoneSize   uintptr

	// Swap receives evicted pages. Eviction to the backing store fails
	// with ErrSwapNotAllowed if it is nil.
	Swap BackingStore
}

// DefaultConfig returns the configuration used when no overrides are given.
func DefaultConfig() Config {
	return Config{
		Arch:             ArchAMD64{},
		KernelZoneOffset: uintptr(128 * mm.Mb),
		KernelZoneSize:   uintptr(1 * mm.Mb),
	}
}

// Manager owns the kernel address space and the per-core view of the active
// address space.
type Manager struct {
	arch    Arch
	machine *cpu.Machine
	memory  PhysicalMemory
	frames  FrameAllocator
	swap    BackingStore

	kernel *AddressSpace
	kmem   *kmemzonePool

	// active is indexed by core id.
	active []atomic.Pointer[AddressSpace]

	// bootLock protects the creation of the kernel page directory.
	bootLock sync.Spinlock

	log io.Writer
}

// New creates the kernel address space and switches every core of machine to
// it. Running out of memory while building the kernel tables is fatal.
func New(cfg Config, machine *cpu.Machine, memory PhysicalMemory, frames FrameAllocator) (*Manager, *kernel.Error) {
	if cfg.Arch == nil {
		return nil, errInvalidConfig
	}

	m := &Manager{
		arch:    cfg.Arch,
		machine: machine,
		memory:  memory,
		frames:  frames,
		swap:    cfg.Swap,
		kmem:    newKmemzonePool(cfg.Arch.KernelBase()+cfg.KernelZoneOffset, cfg.KernelZoneSize),
		active:  make([]atomic.Pointer[AddressSpace], machine.NumCores()),
		log:     kfmt.ModuleWriter("vmm"),
	}

	m.initKernelSpace()
	return m, nil
}

// Arch returns the page table format.
func (m *Manager) Arch() Arch { return m.arch }

// Machine returns the machine whose cores the manager drives.
func (m *Manager) Machine() *cpu.Machine { return m.machine }

// KernelSpace returns the kernel address space.
func (m *Manager) KernelSpace() *AddressSpace { return m.kernel }

// initKernelSpace builds the kernel page directory. The tables directly
// below the directory that cover the kernel half are allocated up front and
// linked into every address space, so kernel mappings added later are
// visible everywhere.
func (m *Manager) initKernelSpace() {
	m.bootLock.Acquire()
	defer m.bootLock.Release()

	var (
		a     = m.arch
		top   = topLevel(a)
		first = kernelTopIndex(a)
		count = a.EntryCount(top) - first
	)

	pdir := m.bootAlloc(tableSize(a, top), tableSize(a, top))
	m.kernel = &AddressSpace{pdir: pdir}
	m.kernel.refs.Store(1)

	tables := m.bootAlloc(uintptr(count)*tableSize(a, top-1), mm.PageSize)
	for i := 0; i < count; i++ {
		m.slot(pdir, top, first+i).store(encodeEntry(a, top, Entry{
			State:    EntryPresent,
			PhysAddr: tables + uintptr(i)*tableSize(a, top-1),
			Flags:    FlagPermRead | FlagPermWrite | FlagPermExec,
		}))
	}

	// Scratch mappings must never allocate so the tables covering the
	// kernel zone window are populated now.
	l := &locked{ctx: &Context{m: m, core: m.machine.Core(0), mode: modeBoot}, m: m, as: m.kernel}
	l.as.lock.Acquire()
	start, end := m.kmem.window()
	for vaddr := start; vaddr < end; vaddr += tableCoverage(a, 0) {
		if err := l.ensureTables(vaddr); err != nil {
			kfmt.Panic(err)
		}
	}
	l.unlock()

	for i := range m.active {
		m.active[i].Store(m.kernel)
		m.machine.Core(i).SwitchPDT(pdir)
	}

	kfmt.Fprintf(m.log, "%s: kernel page directory at 0x%x, %d shared kernel tables\n", a.Name(), pdir, count)
}

// bootAlloc reserves zeroed physical memory for the kernel page tables.
func (m *Manager) bootAlloc(size, align uintptr) uintptr {
	frame, err := m.frames.AllocAligned(size, align)
	if err != nil {
		kfmt.Panic(errBootAllocation)
	}

	m.zeroRange(frame.Address(), size)
	return frame.Address()
}

// Context returns the execution context of a task running on core.
func (m *Manager) Context(core int) *Context {
	return &Context{m: m, core: m.machine.Core(core)}
}

// IdleContext returns the execution context of the idle task of core. The
// idle task must never wait for memory.
func (m *Manager) IdleContext(core int) *Context {
	return &Context{m: m, core: m.machine.Core(core), mode: modeIdle}
}

// NewSwapReference adds a reference to a swapped page on behalf of a new
// owner.
func (m *Manager) NewSwapReference(id mm.SwapID) *kernel.Error {
	if m.swap == nil {
		return ErrSwapNotAllowed
	}

	if err := m.swap.AddReference(id); err != nil {
		kfmt.Fprintf(m.log, "swap id %d: add reference failed: %s\n", uint32(id), err.Error())
		return ErrSwapIO
	}
	return nil
}

// releaseSwap drops a reference to a swapped page.
func (m *Manager) releaseSwap(id mm.SwapID) {
	if m.swap == nil {
		return
	}

	if err := m.swap.Release(id); err != nil {
		kfmt.Fprintf(m.log, "swap id %d: release failed: %s\n", uint32(id), err.Error())
	}
}

// freeFrame drops a reference to frame and logs allocator errors since
// callers cannot recover from them.
func (m *Manager) freeFrame(frame mm.Frame) {
	if err := m.frames.FreeFrame(frame); err != nil {
		kfmt.Fprintf(m.log, "free frame 0x%x: %s\n", frame.Address(), err.Message)
	}
}

// onCores returns a shootdown target that selects the cores running as.
// Kernel mappings are shared by every address space so all cores are
// selected for kernel addresses.
func (m *Manager) onCores(as *AddressSpace, vaddr uintptr) func(*cpu.Core) bool {
	if isKernelAddr(m.arch, vaddr) || as == m.kernel {
		return nil
	}

	return func(core *cpu.Core) bool {
		return m.active[core.ID()].Load() == as
	}
}

// slot returns the entry at index of the table at physical address table.
func (m *Manager) slot(table uintptr, level, index int) entity {
	phys := table + uintptr(index)*m.arch.EntrySize()
	page := m.memory.FrameBytes(mm.FrameFromAddress(phys))
	return entity{
		ptr:   unsafe.Pointer(&page[phys&(mm.PageSize-1)]),
		size:  m.arch.EntrySize(),
		level: level,
	}
}

// tableAt returns the physical address of the table at level that
// translates vaddr in the address space rooted at pdir.
func (m *Manager) tableAt(pdir, vaddr uintptr, level int) (uintptr, bool) {
	table := pdir
	for lvl := topLevel(m.arch); lvl > level; lvl-- {
		raw := m.slot(table, lvl, entryIndex(m.arch, vaddr, lvl)).load()
		if !m.arch.IsPresent(lvl, raw) {
			return 0, false
		}
		table = m.arch.PhysAddr(lvl, raw)
	}
	return table, true
}

// getEntity returns the slot at level that translates vaddr. It fails if a
// table above level is missing.
func (m *Manager) getEntity(pdir, vaddr uintptr, level int) (entity, bool) {
	table, ok := m.tableAt(pdir, vaddr, level)
	if !ok {
		return entity{}, false
	}
	return m.slot(table, level, entryIndex(m.arch, vaddr, level)), true
}

// zeroRange clears size bytes of physical memory at phys.
func (m *Manager) zeroRange(phys, size uintptr) {
	for size > 0 {
		off := phys & (mm.PageSize - 1)
		n := mm.PageSize - off
		if n > size {
			n = size
		}

		clear(m.memory.FrameBytes(mm.FrameFromAddress(phys))[off : off+n])
		phys, size = phys+n, size-n
	}
}

// copyRange copies size bytes of physical memory from src to dst. Both
// ranges must start at the same offset within a page.
func (m *Manager) copyRange(dst, src, size uintptr) {
	for size > 0 {
		off := src & (mm.PageSize - 1)
		n := mm.PageSize - off
		if n > size {
			n = size
		}

		copy(
			m.memory.FrameBytes(mm.FrameFromAddress(dst))[off:off+n],
			m.memory.FrameBytes(mm.FrameFromAddress(src))[off:off+n],
		)
		dst, src, size = dst+n, src+n, size-n
	}
}
