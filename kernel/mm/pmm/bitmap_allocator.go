package pmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Code: kernel.ENOMEM}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator", Code: kernel.EINVAL}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free", Code: kernel.EINVAL}
	errBitmapAllocBadAlignment    = &kernel.Error{Module: "bitmap_alloc", Message: "alignment must be a power of two multiple of the page size", Code: kernel.EINVAL}
	errBitmapAllocRefOverflow     = &kernel.Error{Module: "bitmap_alloc", Message: "frame reference count overflow", Code: kernel.EINVAL}
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) - 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap []uint64

	// refCount tracks the number of owners of each reserved frame.
	refCount []uint16
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps. Reserved
// frames carry a reference count so that page tables shared between address
// spaces are only released by their last owner.
//
// The allocator is shared by all cores; its methods are safe for concurrent
// use.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool

	// memory is notified about released frames; it may be nil.
	memory *Memory

	// reclaimed is signalled whenever a frame is returned to the pool.
	reclaimed sync.WaitQueue
}

// NewBitmapAllocator creates an allocator that manages every frame of the
// supplied RAM arena.
func NewBitmapAllocator(memory *Memory) *BitmapAllocator {
	alloc := &BitmapAllocator{memory: memory}
	alloc.addPool(memory.StartFrame(), memory.EndFrame())
	return alloc
}

// addPool registers the frame range [start, end] with the allocator.
func (alloc *BitmapAllocator) addPool(start, end mm.Frame) {
	pageCount := uint32(end - start + 1)

	// To represent the free page bitmap we need pageCount bits. Since our
	// slice uses uint64 for storing the bitmap we need to round up the
	// required bits so they are a multiple of 64 bits
	alloc.pools = append(alloc.pools, framePool{
		startFrame: start,
		endFrame:   end,
		freeCount:  pageCount,
		freeBitmap: make([]uint64, (pageCount+63)>>6),
		refCount:   make([]uint16, pageCount),
	})
	alloc.totalPages += pageCount
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-ending representation we need to set the bit at index: 63 - offset
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// isReserved returns true if frame is marked as reserved in pool poolIndex.
func (alloc *BitmapAllocator) isReserved(poolIndex int, frame mm.Frame) bool {
	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return alloc.pools[poolIndex].freeBitmap[block]&mask != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves and returns a physical memory frame with a reference
// count of one. An error will be returned if no more memory can be allocated.
// The frame contents are not cleared.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocAligned(mm.PageSize, mm.PageSize)
}

// AllocAligned reserves a contiguous block of frames that can hold size
// bytes and whose physical address is a multiple of align. It returns the
// first frame of the block; every frame in the block starts with a
// reference count of one.
func (alloc *BitmapAllocator) AllocAligned(size, align uintptr) (mm.Frame, *kernel.Error) {
	if align < mm.PageSize || align&(align-1) != 0 {
		return mm.InvalidFrame, errBitmapAllocBadAlignment
	}

	var (
		frameCount = mm.Frame(mm.PageAlignUp(size) >> mm.PageShift)
		step       = mm.Frame(align >> mm.PageShift)
	)

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex, pool := range alloc.pools {
		if mm.Frame(pool.freeCount) < frameCount {
			continue
		}

		// Round the pool start up to the requested alignment
		first := (pool.startFrame + step - 1) &^ (step - 1)
	nextCandidate:
		for ; first+frameCount-1 <= pool.endFrame; first += step {
			for frame := first; frame < first+frameCount; frame++ {
				if alloc.isReserved(poolIndex, frame) {
					continue nextCandidate
				}
			}

			for frame := first; frame < first+frameCount; frame++ {
				alloc.markFrame(poolIndex, frame, markReserved)
				alloc.pools[poolIndex].refCount[frame-pool.startFrame] = 1
			}
			return first, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame drops a reference to frame. Once the last reference is dropped
// the frame is released and tasks waiting for memory are woken up.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		alloc.lock.Release()
		return errBitmapAllocFrameNotManaged
	}

	if !alloc.isReserved(poolIndex, frame) {
		alloc.lock.Release()
		return errBitmapAllocDoubleFree
	}

	pool := &alloc.pools[poolIndex]
	relFrame := frame - pool.startFrame
	if pool.refCount[relFrame]--; pool.refCount[relFrame] > 0 {
		alloc.lock.Release()
		return nil
	}

	// Drop the contents before the frame becomes visible to other
	// allocations.
	if alloc.memory != nil {
		alloc.memory.Discard(frame)
	}
	alloc.markFrame(poolIndex, frame, markFree)
	alloc.lock.Release()

	alloc.reclaimed.Broadcast()
	return nil
}

// Ref adds a reference to an already reserved frame.
func (alloc *BitmapAllocator) Ref(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	switch {
	case poolIndex == -1:
		return errBitmapAllocFrameNotManaged
	case !alloc.isReserved(poolIndex, frame):
		return errBitmapAllocDoubleFree
	}

	pool := &alloc.pools[poolIndex]
	relFrame := frame - pool.startFrame
	if pool.refCount[relFrame] == ^uint16(0) {
		return errBitmapAllocRefOverflow
	}
	pool.refCount[relFrame]++
	return nil
}

// RefCount returns the number of references to frame. Free or unmanaged
// frames report zero references.
func (alloc *BitmapAllocator) RefCount(frame mm.Frame) int {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex == -1 {
		return 0
	}
	return int(alloc.pools[poolIndex].refCount[frame-alloc.pools[poolIndex].startFrame])
}

// ReclaimToken returns a channel that is closed the next time a frame is
// released. Callers obtain the token before attempting an allocation so that
// a release racing with the failed attempt still wakes them up.
func (alloc *BitmapAllocator) ReclaimToken() <-chan struct{} {
	return alloc.reclaimed.Token()
}

// FreeFrames returns the number of frames that are currently available.
func (alloc *BitmapAllocator) FreeFrames() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages - alloc.reservedPages
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uint32 {
	return alloc.totalPages
}
