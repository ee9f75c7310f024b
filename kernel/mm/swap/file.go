// Package swap provides the backing store that receives pages evicted by the
// virtual memory manager.
package swap

import (
	"os"

	"github.com/pkg/errors"

	"vmkernel/kernel/mm"
	"vmkernel/kernel/sync"
)

var (
	// ErrFull is returned by Store when every slot of the swap file holds
	// a page.
	ErrFull = errors.New("swap: no free slots")

	// ErrBadID is returned when an operation references a slot that is
	// out of range or not in use.
	ErrBadID = errors.New("swap: invalid swap id")

	// ErrBadPageSize is returned when a page buffer is not exactly one
	// page long.
	ErrBadPageSize = errors.New("swap: page buffer must be exactly one page")
)

// File is a swap area kept in a host file. The file is divided into
// page-sized slots; each slot is reference counted since copy-on-write
// address spaces may share a swapped page.
type File struct {
	file *os.File

	// lock guards the slot bookkeeping. I/O runs outside the lock on slots
	// that are already reserved by the caller.
	lock      sync.Spinlock
	slotCount uint32
	freeCount uint32
	usedMap   []uint64
	refCount  []uint32

	// nextSlot is where the search for a free slot begins.
	nextSlot uint32
}

// Open creates (or truncates) the file at path and sizes it to hold slots
// pages.
func Open(path string, slots uint32) (*File, error) {
	if slots == 0 {
		return nil, errors.Errorf("swap: invalid slot count %d", slots)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "swap: open %s", path)
	}

	if err = f.Truncate(int64(slots) * int64(mm.PageSize)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "swap: size %s", path)
	}

	return &File{
		file:      f,
		slotCount: slots,
		freeCount: slots,
		usedMap:   make([]uint64, (slots+63)>>6),
		refCount:  make([]uint32, slots),
	}, nil
}

// Close releases the underlying host file.
func (s *File) Close() error {
	if err := s.file.Close(); err != nil {
		return errors.Wrap(err, "swap: close")
	}
	return nil
}

// Slots returns the total number of slots in the swap area.
func (s *File) Slots() uint32 {
	return s.slotCount
}

// InUse returns the number of slots that currently hold a page.
func (s *File) InUse() uint32 {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.slotCount - s.freeCount
}

// RefCount returns the number of references to the page stored under id. It
// returns 0 for ids that are not in use.
func (s *File) RefCount(id mm.SwapID) uint32 {
	s.lock.Acquire()
	defer s.lock.Release()

	slot, ok := s.slotFor(id)
	if !ok {
		return 0
	}
	return s.refCount[slot]
}

// Store writes page to a free slot and returns its id. The stored page starts
// with a single reference.
func (s *File) Store(page []byte) (mm.SwapID, error) {
	if uintptr(len(page)) != mm.PageSize {
		return mm.InvalidSwapID, ErrBadPageSize
	}

	s.lock.Acquire()
	slot, ok := s.reserveSlot()
	s.lock.Release()
	if !ok {
		return mm.InvalidSwapID, ErrFull
	}

	if _, err := s.file.WriteAt(page, slotOffset(slot)); err != nil {
		s.lock.Acquire()
		s.freeSlot(slot)
		s.lock.Release()
		return mm.InvalidSwapID, errors.Wrapf(err, "swap: write slot %d", slot)
	}

	return mm.SwapID(slot + 1), nil
}

// Load reads the page stored under id into page. The slot keeps its
// references; callers drop theirs with Release.
func (s *File) Load(id mm.SwapID, page []byte) error {
	if uintptr(len(page)) != mm.PageSize {
		return ErrBadPageSize
	}

	s.lock.Acquire()
	slot, ok := s.slotFor(id)
	s.lock.Release()
	if !ok {
		return errors.Wrapf(ErrBadID, "load id %d", id)
	}

	if _, err := s.file.ReadAt(page, slotOffset(slot)); err != nil {
		return errors.Wrapf(err, "swap: read slot %d", slot)
	}
	return nil
}

// AddReference registers an extra owner for the page stored under id.
func (s *File) AddReference(id mm.SwapID) error {
	s.lock.Acquire()
	defer s.lock.Release()

	slot, ok := s.slotFor(id)
	if !ok {
		return errors.Wrapf(ErrBadID, "reference id %d", id)
	}
	s.refCount[slot]++
	return nil
}

// Release drops a reference to the page stored under id. The slot becomes
// free when its last reference is dropped.
func (s *File) Release(id mm.SwapID) error {
	s.lock.Acquire()
	defer s.lock.Release()

	slot, ok := s.slotFor(id)
	if !ok {
		return errors.Wrapf(ErrBadID, "release id %d", id)
	}

	s.refCount[slot]--
	if s.refCount[slot] == 0 {
		s.freeSlot(slot)
	}
	return nil
}

// slotFor maps id to a slot index. It must be called with the lock held.
func (s *File) slotFor(id mm.SwapID) (uint32, bool) {
	if id == mm.InvalidSwapID || uint32(id) > s.slotCount {
		return 0, false
	}

	slot := uint32(id) - 1
	if s.usedMap[slot>>6]&(1<<(slot&63)) == 0 {
		return 0, false
	}
	return slot, true
}

// reserveSlot finds a free slot, marks it used and gives it one reference.
// It must be called with the lock held.
func (s *File) reserveSlot() (uint32, bool) {
	if s.freeCount == 0 {
		return 0, false
	}

	for i := uint32(0); i < s.slotCount; i++ {
		slot := (s.nextSlot + i) % s.slotCount
		if s.usedMap[slot>>6]&(1<<(slot&63)) != 0 {
			continue
		}

		s.usedMap[slot>>6] |= 1 << (slot & 63)
		s.refCount[slot] = 1
		s.freeCount--
		s.nextSlot = (slot + 1) % s.slotCount
		return slot, true
	}

	return 0, false
}

func (s *File) freeSlot(slot uint32) {
	s.usedMap[slot>>6] &^= 1 << (slot & 63)
	s.refCount[slot] = 0
	s.freeCount++
}

func slotOffset(slot uint32) int64 {
	return int64(slot) * int64(mm.PageSize)
}
