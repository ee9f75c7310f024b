// Package pmm implements the physical memory manager: the RAM arena that
// backs physical addresses and the frame allocator that hands out its pages.
package pmm

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

var (
	errMemoryInvalidBase = &kernel.Error{Module: "pmm", Message: "physical memory base must be page-aligned and non-zero", Code: kernel.EINVAL}
	errMemoryInvalidSize = &kernel.Error{Module: "pmm", Message: "physical memory size must be a non-zero multiple of the page size", Code: kernel.EINVAL}
)

// Memory models the machine's RAM. It owns an anonymous host mapping whose
// first byte corresponds to physical address Base. Kernel code reaches RAM
// through the direct map exposed by HostAddr, in the same way a kernel
// running on hardware accesses physical memory through a linear mapping.
type Memory struct {
	base uintptr
	data []byte
}

// NewMemory reserves size bytes of RAM starting at physical address base.
func NewMemory(base uintptr, size mm.Size) (*Memory, error) {
	if base == 0 || base&(mm.PageSize-1) != 0 {
		return nil, errMemoryInvalidBase
	}
	if size == 0 || uintptr(size)&(mm.PageSize-1) != 0 {
		return nil, errMemoryInvalidSize
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "pmm: map %d bytes of physical memory", size)
	}

	return &Memory{base: base, data: data}, nil
}

// Close releases the host mapping. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil
	return errors.Wrap(err, "pmm: unmap physical memory")
}

// Base returns the physical address of the first byte of RAM.
func (m *Memory) Base() uintptr { return m.base }

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() mm.Size { return mm.Size(len(m.data)) }

// StartFrame returns the first frame backed by RAM.
func (m *Memory) StartFrame() mm.Frame { return mm.FrameFromAddress(m.base) }

// EndFrame returns the last frame backed by RAM.
func (m *Memory) EndFrame() mm.Frame {
	return mm.FrameFromAddress(m.base + uintptr(len(m.data)) - 1)
}

// Contains returns true if the physical range [physAddr, physAddr+size) is
// backed by RAM.
func (m *Memory) Contains(physAddr, size uintptr) bool {
	return physAddr >= m.base && size <= uintptr(len(m.data)) && physAddr-m.base <= uintptr(len(m.data))-size
}

// HostAddr translates a physical address into the host address that the
// direct map associates with it. It returns 0 if physAddr is not RAM.
func (m *Memory) HostAddr(physAddr uintptr) uintptr {
	if !m.Contains(physAddr, 1) {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[physAddr-m.base]))
}

// FrameBytes returns a byte slice overlaying the contents of frame.
func (m *Memory) FrameBytes(frame mm.Frame) []byte {
	off := frame.Address() - m.base
	return m.data[off : off+mm.PageSize : off+mm.PageSize]
}

// Discard tells the host that the contents of frame are no longer needed.
// The frame reads back as zeroes afterwards.
func (m *Memory) Discard(frame mm.Frame) {
	_ = unix.Madvise(m.FrameBytes(frame), unix.MADV_DONTNEED)
}
