package vmm

import (
	"io"
	"sort"

	"vmkernel/kernel"
	"vmkernel/kernel/mm"
)

// ZoneType describes what a zone is used for. A zero ZoneType is the null
// zone.
type ZoneType uint16

const (
	ZoneCode ZoneType = 1 << iota
	ZoneData
	ZoneBss
	ZoneStack
	ZoneDevice
	ZoneMappedFile

	// ZoneMappedFileShared maps a file whose pages are shared with every
	// address space that maps it. Writes are never copied.
	ZoneMappedFileShared
)

// SwapMode tells the swap engine what to do with an evicted page.
type SwapMode uint8

const (
	// SwapToDev writes the page to the backing store.
	SwapToDev SwapMode = iota

	// SwapDiscard drops the page. Its contents are reloaded by the zone on
	// the next fault.
	SwapDiscard

	// SwapNotAllowed vetoes the eviction.
	SwapNotAllowed
)

// ZoneOps implements the per-zone policy used by the fault and swap paths.
type ZoneOps interface {
	// LoadPageContent fills page with the initial contents of the page at
	// vaddr. page is already zeroed.
	LoadPageContent(zone *Zone, vaddr uintptr, page []byte) *kernel.Error

	// SwapPageMode returns how the page at vaddr can be evicted.
	SwapPageMode(zone *Zone, vaddr uintptr) SwapMode

	// RestoreSwappedPage is invoked after the page at vaddr has been read
	// back from the backing store.
	RestoreSwappedPage(zone *Zone, vaddr uintptr) *kernel.Error
}

// Zone is a page-aligned virtual range [Start, End) with a uniform policy.
type Zone struct {
	Start uintptr
	End   uintptr
	Type  ZoneType

	// Flags are the permissions of the pages mapped by the fault handler.
	Flags Flag

	// File, FileOffset and FileSize describe the backing file of mapped
	// file zones. Page contents past FileSize read as zero.
	File       io.ReaderAt
	FileOffset int64
	FileSize   uintptr

	// Ops overrides the default policy: zero filled pages swapped to the
	// backing store.
	Ops ZoneOps
}

// Contains returns true if vaddr lies inside the zone.
func (z *Zone) Contains(vaddr uintptr) bool {
	return vaddr >= z.Start && vaddr < z.End
}

// Size returns the length of the zone in bytes.
func (z *Zone) Size() uintptr { return z.End - z.Start }

// isShared returns true for zones whose frames are never copied on write.
func (z *Zone) isShared() bool {
	return z.Type&(ZoneDevice|ZoneMappedFileShared) != 0
}

func (z *Zone) ops() ZoneOps {
	switch {
	case z.Ops != nil:
		return z.Ops
	case z.Type&ZoneDevice != 0:
		return DeviceOps{}
	case z.Type&(ZoneMappedFile|ZoneMappedFileShared) != 0:
		return FileBackedOps{}
	default:
		return anonymousOps{}
	}
}

// anonymousOps is the policy of zones without explicit operations.
type anonymousOps struct{}

func (anonymousOps) LoadPageContent(*Zone, uintptr, []byte) *kernel.Error { return nil }

func (anonymousOps) SwapPageMode(*Zone, uintptr) SwapMode { return SwapToDev }

func (anonymousOps) RestoreSwappedPage(*Zone, uintptr) *kernel.Error { return nil }

// FileBackedOps loads page contents from the zone's file. Read-only pages
// are discarded on eviction since they can be read again; pages of shared
// mappings are never evicted.
type FileBackedOps struct{}

var errZoneFileRead = &kernel.Error{Module: "vmm", Message: "could not read zone backing file", Code: kernel.EIO}

// LoadPageContent implements ZoneOps.
func (FileBackedOps) LoadPageContent(zone *Zone, vaddr uintptr, page []byte) *kernel.Error {
	if zone.File == nil {
		return nil
	}

	offset := mm.PageAlignDown(vaddr) - zone.Start
	if offset >= zone.FileSize {
		return nil
	}

	n := zone.FileSize - offset
	if n > mm.PageSize {
		n = mm.PageSize
	}

	if _, err := zone.File.ReadAt(page[:n], zone.FileOffset+int64(offset)); err != nil && err != io.EOF {
		return errZoneFileRead
	}
	return nil
}

// SwapPageMode implements ZoneOps.
func (FileBackedOps) SwapPageMode(zone *Zone, _ uintptr) SwapMode {
	switch {
	case zone.Type&ZoneMappedFileShared != 0:
		return SwapNotAllowed
	case zone.Flags&FlagPermWrite == 0:
		return SwapDiscard
	default:
		return SwapToDev
	}
}

// RestoreSwappedPage implements ZoneOps.
func (FileBackedOps) RestoreSwappedPage(*Zone, uintptr) *kernel.Error { return nil }

// DeviceOps is the policy of memory mapped device zones. Device pages are
// never evicted and have no initial contents.
type DeviceOps struct{}

// LoadPageContent implements ZoneOps.
func (DeviceOps) LoadPageContent(*Zone, uintptr, []byte) *kernel.Error { return nil }

// SwapPageMode implements ZoneOps.
func (DeviceOps) SwapPageMode(*Zone, uintptr) SwapMode { return SwapNotAllowed }

// RestoreSwappedPage implements ZoneOps.
func (DeviceOps) RestoreSwappedPage(*Zone, uintptr) *kernel.Error { return nil }

// ZoneSet keeps the zones of an address space sorted by start address.
type ZoneSet struct {
	zones []*Zone
}

// Len returns the number of zones in the set.
func (s *ZoneSet) Len() int { return len(s.zones) }

// search returns the index of the first zone that ends after vaddr.
func (s *ZoneSet) search(vaddr uintptr) int {
	return sort.Search(len(s.zones), func(i int) bool { return s.zones[i].End > vaddr })
}

// Insert adds z to the set. Zones must be non-empty, page aligned and must
// not overlap an existing zone.
func (s *ZoneSet) Insert(z *Zone) *kernel.Error {
	if z == nil || z.End <= z.Start || z.Start&(mm.PageSize-1) != 0 || z.End&(mm.PageSize-1) != 0 {
		return ErrInvalidZone
	}

	i := s.search(z.Start)
	if i < len(s.zones) && s.zones[i].Start < z.End {
		return ErrZoneOverlap
	}

	s.zones = append(s.zones, nil)
	copy(s.zones[i+1:], s.zones[i:])
	s.zones[i] = z
	return nil
}

// Find returns the zone containing vaddr or nil.
func (s *ZoneSet) Find(vaddr uintptr) *Zone {
	if i := s.search(vaddr); i < len(s.zones) && s.zones[i].Contains(vaddr) {
		return s.zones[i]
	}
	return nil
}

// Remove deletes the zone that starts at start and returns it.
func (s *ZoneSet) Remove(start uintptr) *Zone {
	i := s.search(start)
	if i == len(s.zones) || s.zones[i].Start != start {
		return nil
	}

	z := s.zones[i]
	s.zones = append(s.zones[:i], s.zones[i+1:]...)
	return z
}

// Zones returns the zones in address order.
func (s *ZoneSet) Zones() []*Zone {
	return s.zones
}

// clone returns a copy of the set for a forked address space. Zone
// descriptors are duplicated so the copies can be changed independently;
// backing files and operations are shared.
func (s *ZoneSet) clone() ZoneSet {
	out := ZoneSet{zones: make([]*Zone, len(s.zones))}
	for i, z := range s.zones {
		dup := *z
		out.zones[i] = &dup
	}
	return out
}
