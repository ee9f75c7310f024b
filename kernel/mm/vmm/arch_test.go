package vmm

import (
	"testing"

	"vmkernel/kernel/mm"
)

func TestArchGeometry(t *testing.T) {
	specs := []struct {
		arch          Arch
		levels        int
		topShift      uint
		leafPerPage   int
		kernelTopIdx  int
		leafCoverage  uintptr
		topTableBytes uintptr
	}{
		{ArchX86{}, 2, 22, 1, 768, 4 * uintptr(mm.Mb), 4096},
		{ArchAMD64{}, 4, 39, 1, 256, 2 * uintptr(mm.Mb), 4096},
		{ArchARM32{}, 2, 20, 4, 3072, 1 * uintptr(mm.Mb), 16384},
		{ArchARM64{}, 4, 39, 1, 256, 2 * uintptr(mm.Mb), 4096},
	}

	for _, spec := range specs {
		a := spec.arch
		t.Run(a.Name(), func(t *testing.T) {
			if got := a.Levels(); got != spec.levels {
				t.Errorf("expected %d levels; got %d", spec.levels, got)
			}
			if got := levelShift(a, topLevel(a)); got != spec.topShift {
				t.Errorf("expected top level shift %d; got %d", spec.topShift, got)
			}
			if got := tablesPerPage(a, 0); got != spec.leafPerPage {
				t.Errorf("expected %d leaf tables per page; got %d", spec.leafPerPage, got)
			}
			if got := kernelTopIndex(a); got != spec.kernelTopIdx {
				t.Errorf("expected kernel top index %d; got %d", spec.kernelTopIdx, got)
			}
			if got := tableCoverage(a, 0); got != spec.leafCoverage {
				t.Errorf("expected a leaf table to cover 0x%x bytes; got 0x%x", spec.leafCoverage, got)
			}
			if got := tableSize(a, topLevel(a)); got != spec.topTableBytes {
				t.Errorf("expected a top level table of %d bytes; got %d", spec.topTableBytes, got)
			}
		})
	}
}

func TestArchByName(t *testing.T) {
	for _, a := range testArchs {
		got, ok := ArchByName(a.Name())
		if !ok || got != a {
			t.Errorf("expected ArchByName(%q) to return %T", a.Name(), a)
		}
	}

	if _, ok := ArchByName("pdp11"); ok {
		t.Error("expected lookup of unknown format to fail")
	}
}

func TestArchDefaultEntry(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		for level := 0; level < a.Levels(); level++ {
			e := a.DefaultEntry(level)
			if !a.IsPresent(level, e) {
				t.Fatalf("level %d: expected default entry to be present", level)
			}
			if a.PhysAddr(level, e) != 0 {
				t.Fatalf("level %d: expected default entry to carry no address", level)
			}
		}

		flags := a.Flags(0, a.DefaultEntry(0))
		if flags&FlagPermRead == 0 {
			t.Error("expected default leaf to be readable")
		}
		if flags&(FlagPermWrite|FlagNonPriv|FlagCOW|FlagUncached) != 0 {
			t.Errorf("expected default leaf to be kernel read-only; got flags 0x%x", flags)
		}
	})
}

func TestArchPhysAddr(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		for level := 0; level < a.Levels(); level++ {
			for _, addr := range []uintptr{0x1000, 0x123000, 0x7fff000} {
				e := a.SetPhysAddr(level, a.DefaultEntry(level), addr)
				if got := a.PhysAddr(level, e); got != addr {
					t.Errorf("level %d: expected address 0x%x; got 0x%x", level, addr, got)
				}
				if !a.IsPresent(level, e) {
					t.Errorf("level %d: expected setting the address to keep the entry present", level)
				}
			}
		}
	})
}

func TestArchLeafFlags(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		base := a.SetPhysAddr(0, a.DefaultEntry(0), 0x5000)

		for _, flag := range []Flag{FlagPermWrite, FlagNonPriv, FlagUncached} {
			e := a.SetFlags(0, base, flag)
			if a.Flags(0, e)&flag == 0 {
				t.Errorf("flag 0x%x: expected flag to be set", flag)
			}
			if a.PhysAddr(0, e) != 0x5000 {
				t.Errorf("flag 0x%x: expected address to be preserved", flag)
			}

			e = a.ClearFlags(0, e, flag)
			if a.Flags(0, e)&flag != 0 {
				t.Errorf("flag 0x%x: expected flag to be cleared", flag)
			}
		}

		// User read-write and user read-only must stay distinguishable.
		rw := a.SetFlags(0, base, FlagPermWrite|FlagNonPriv)
		if got := a.Flags(0, rw) & (FlagPermWrite | FlagNonPriv); got != FlagPermWrite|FlagNonPriv {
			t.Errorf("expected user read-write; got flags 0x%x", got)
		}
		ro := a.ClearFlags(0, rw, FlagPermWrite)
		if got := a.Flags(0, ro) & (FlagPermWrite | FlagNonPriv); got != FlagNonPriv {
			t.Errorf("expected user read-only; got flags 0x%x", got)
		}

		// Formats without an execute-never bit always report exec.
		if _, ok := a.(ArchX86); ok {
			return
		}
		e := a.SetFlags(0, base, FlagPermExec)
		if a.Flags(0, e)&FlagPermExec == 0 {
			t.Error("expected page to be executable")
		}
		if a.Flags(0, a.ClearFlags(0, e, FlagPermExec))&FlagPermExec != 0 {
			t.Error("expected page to be execute-never")
		}
	})
}

func TestArchTableDescriptors(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		desc := a.SetPhysAddr(1, a.DefaultEntry(1), 0x9000)

		cow := a.SetFlags(1, desc, FlagCOW)
		if a.Flags(1, cow)&FlagCOW == 0 {
			t.Fatal("expected descriptor to be copy-on-write")
		}
		if a.Flags(1, a.ClearFlags(1, cow, FlagCOW))&FlagCOW != 0 {
			t.Fatal("expected copy-on-write to be cleared")
		}

		alloc := a.MarkAllocated(1, desc)
		if a.IsPresent(1, alloc) || !a.IsAllocated(1, alloc) {
			t.Fatal("expected an allocated, not present descriptor")
		}
		if got := a.PhysAddr(1, alloc); got != 0x9000 {
			t.Fatalf("expected allocated descriptor to keep address 0x9000; got 0x%x", got)
		}
		if a.Flags(1, alloc) != 0 {
			t.Fatal("expected allocated descriptor to carry no flags")
		}

		if inv := a.Invalidate(1, alloc); a.IsPresent(1, inv) || a.IsAllocated(1, inv) {
			t.Fatal("expected invalidated descriptor to be empty")
		}

		if a.IsAllocated(0, a.MarkAllocated(0, 0)) {
			t.Fatal("expected leaves to never be reported as allocated")
		}
	})
}

func TestArchFaultInfo(t *testing.T) {
	causes := []FaultCause{0, FaultNotPresent, FaultWrite, FaultNotPresent | FaultWrite}

	forEachArch(t, func(t *testing.T, a Arch) {
		for _, cause := range causes {
			if got := a.ParseFaultInfo(a.FaultInfo(cause)); got != cause {
				t.Errorf("expected cause %d to survive encoding; got %d", cause, got)
			}
		}
	})
}

func TestArchFaultInfoEncoding(t *testing.T) {
	specs := []struct {
		arch  Arch
		info  uint32
		cause FaultCause
	}{
		// x86 error code: P=0 not present, W/R=1 write.
		{ArchX86{}, 0x0, FaultNotPresent},
		{ArchAMD64{}, 0x2, FaultNotPresent | FaultWrite},
		{ArchAMD64{}, 0x7, FaultWrite},
		// ARMv7 DFSR: page translation fault, WnR.
		{ArchARM32{}, 0x7, FaultNotPresent},
		{ArchARM32{}, 0x5 | 1<<11, FaultNotPresent | FaultWrite},
		{ArchARM32{}, 0xf | 1<<11, FaultWrite},
		// ARMv8 ESR_EL1 data abort: DFSC translation level 3, WnR.
		{ArchARM64{}, 0x25<<26 | 0x07, FaultNotPresent},
		{ArchARM64{}, 0x25<<26 | 0x06 | 1<<6, FaultNotPresent | FaultWrite},
		{ArchARM64{}, 0x25<<26 | 0x0f | 1<<6, FaultWrite},
	}

	for specIndex, spec := range specs {
		if got := spec.arch.ParseFaultInfo(spec.info); got != spec.cause {
			t.Errorf("[spec %d] %s: expected cause %d for info 0x%x; got %d", specIndex, spec.arch.Name(), spec.cause, spec.info, got)
		}
	}
}

func TestEntryEncoding(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		specs := []Entry{
			{State: EntryInvalid},
			{State: EntryPresent, PhysAddr: 0x42000, Flags: userRW},
			{State: EntrySwapped, SwapID: 17},
		}

		for specIndex, spec := range specs {
			got := decodeEntry(a, 0, encodeEntry(a, 0, spec))
			if got.State != spec.State {
				t.Errorf("[spec %d] expected state %d; got %d", specIndex, spec.State, got.State)
				continue
			}

			switch spec.State {
			case EntryPresent:
				if got.PhysAddr != spec.PhysAddr || got.Flags&spec.Flags != spec.Flags {
					t.Errorf("[spec %d] expected %+v; got %+v", specIndex, spec, got)
				}
			case EntrySwapped:
				if got.SwapID != spec.SwapID {
					t.Errorf("[spec %d] expected swap id %d; got %d", specIndex, spec.SwapID, got.SwapID)
				}
			}
		}

		desc := decodeEntry(a, 1, encodeEntry(a, 1, Entry{State: EntryAllocated, PhysAddr: 0x8000}))
		if desc.State != EntryAllocated || desc.PhysAddr != 0x8000 {
			t.Errorf("expected allocated descriptor at 0x8000; got %+v", desc)
		}

		// Swap ids are only meaningful in leaves.
		if got := decodeEntry(a, 1, encodeEntry(a, 0, Entry{State: EntrySwapped, SwapID: 3})); got.State == EntrySwapped {
			t.Error("expected table descriptors to never decode as swapped")
		}
	})
}
