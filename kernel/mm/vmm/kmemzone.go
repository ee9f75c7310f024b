package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

var errKernelZoneNoSpace = &kernel.Error{Module: "kmemzone", Message: "remaining kernel zone window not large enough to satisfy reservation request", Code: kernel.ENOMEM}

// KernelZone is a range of kernel virtual addresses reserved for scratch
// mappings.
type KernelZone struct {
	Start uintptr
	Size  uintptr
}

// kmemzonePool hands out kernel virtual ranges from a fixed window. Ranges
// are carved from the end of the window and released ranges are kept on a
// free list for reuse.
type kmemzonePool struct {
	lock sync.Spinlock

	start uintptr
	end   uintptr

	// lastUsed tracks the start of the most recent reservation. It is
	// decreased after each request that cannot be served by the free list.
	lastUsed uintptr

	free []KernelZone
}

func newKmemzonePool(start, size uintptr) *kmemzonePool {
	size = mm.PageAlignUp(size)
	return &kmemzonePool{start: start, end: start + size, lastUsed: start + size}
}

// acquire reserves a page-aligned range of at least size bytes.
func (p *kmemzonePool) acquire(size uintptr) (KernelZone, *kernel.Error) {
	size = mm.PageAlignUp(size)

	p.lock.Acquire()
	defer p.lock.Release()

	for i, z := range p.free {
		if z.Size == size {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return z, nil
		}
	}

	// reserving a region of the requested size would underflow the window
	if size == 0 || size > p.lastUsed-p.start {
		return KernelZone{}, errKernelZoneNoSpace
	}

	p.lastUsed -= size
	return KernelZone{Start: p.lastUsed, Size: size}, nil
}

// release returns z to the pool.
func (p *kmemzonePool) release(z KernelZone) {
	p.lock.Acquire()
	p.free = append(p.free, z)
	p.lock.Release()
}

// window returns the range managed by the pool.
func (p *kmemzonePool) window() (start, end uintptr) {
	return p.start, p.end
}
