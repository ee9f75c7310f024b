package vmm

import (
	"bytes"
	"testing"

	"vmkernel/kernel/mm"
)

func TestMapUnmapTranslate(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		env := newTestEnv(t, a, 1, 16*mm.Mb, nil)
		ctx := env.m.Context(0)
		env.newProcess(t, ctx)

		frame, err := env.frames.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		vaddr := testUserBase + 0x3000
		if err = ctx.MapPage(vaddr, frame.Address(), FlagPermWrite|FlagNonPriv); err != nil {
			t.Fatal(err)
		}

		phys, err := ctx.Translate(vaddr + 0x123)
		if err != nil {
			t.Fatal(err)
		}
		if exp := frame.Address() + 0x123; phys != exp {
			t.Fatalf("expected translation 0x%x; got 0x%x", exp, phys)
		}

		copy(env.mem.FrameBytes(frame), "hello")
		buf := make([]byte, 5)
		if err = ctx.Read(vaddr, buf); err != nil {
			t.Fatal(err)
		}
		if string(buf) != "hello" {
			t.Fatalf("expected to read the mapped frame; got %q", buf)
		}

		if err = ctx.UnmapPage(vaddr); err != nil {
			t.Fatal(err)
		}
		if _, err = ctx.Translate(vaddr); err != ErrNotPresent {
			t.Fatalf("expected ErrNotPresent after unmapping; got %v", err)
		}
		if env.frames.RefCount(frame) != 1 {
			t.Fatal("expected unmapping to leave the frame allocated")
		}
	})
}

func TestUnmapNeverMapped(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		env := newTestEnv(t, a, 1, 16*mm.Mb, nil)
		ctx := env.m.Context(0)
		env.newProcess(t, ctx)

		frame, _ := env.frames.AllocFrame()
		if err := ctx.MapPage(testUserBase, frame.Address(), FlagNonPriv); err != nil {
			t.Fatal(err)
		}

		// Same leaf table, then a range without any tables.
		for _, vaddr := range []uintptr{testUserBase + mm.PageSize, 0x40000000} {
			if err := ctx.UnmapPage(vaddr); err != ErrNotPresent {
				t.Fatalf("expected ErrNotPresent for 0x%x; got %v", vaddr, err)
			}
		}

		if phys, err := ctx.Translate(testUserBase); err != nil || phys != frame.Address() {
			t.Fatalf("expected other mappings to be unchanged; got 0x%x, %v", phys, err)
		}
	})
}

func TestMapPagesUnmapPages(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		env := newTestEnv(t, a, 1, 16*mm.Mb, nil)
		ctx := env.m.Context(0)
		env.newProcess(t, ctx)

		const pages = 4
		frame, err := env.frames.AllocAligned(pages*mm.PageSize, mm.PageSize)
		if err != nil {
			t.Fatal(err)
		}

		// The range crosses a leaf table boundary.
		vaddr := testUserBase + tableCoverage(a, 0) - 2*mm.PageSize
		if err = ctx.MapPages(vaddr, frame.Address(), pages*mm.PageSize, FlagNonPriv); err != nil {
			t.Fatal(err)
		}

		for i := uintptr(0); i < pages; i++ {
			phys, err := ctx.Translate(vaddr + i*mm.PageSize)
			if err != nil {
				t.Fatal(err)
			}
			if exp := frame.Address() + i*mm.PageSize; phys != exp {
				t.Errorf("page %d: expected 0x%x; got 0x%x", i, exp, phys)
			}
		}

		// Every page is visited even if some of them are not mapped.
		if err = ctx.UnmapPages(vaddr-mm.PageSize, (pages+1)*mm.PageSize); err != ErrNotPresent {
			t.Fatalf("expected ErrNotPresent; got %v", err)
		}
		for i := uintptr(0); i < pages; i++ {
			if _, err := ctx.Translate(vaddr + i*mm.PageSize); err != ErrNotPresent {
				t.Errorf("page %d: expected page to be unmapped; got %v", i, err)
			}
		}
	})
}

func TestAllocPage(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		env := newTestEnv(t, a, 1, 16*mm.Mb, nil)
		ctx := env.m.Context(0)
		env.newProcess(t, ctx)

		if err := ctx.AllocPage(testUserBase, userRW); err != nil {
			t.Fatal(err)
		}

		buf := make([]byte, mm.PageSize)
		if err := ctx.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, make([]byte, mm.PageSize)) {
			t.Fatal("expected a zero filled page")
		}

		if err := ctx.AllocPage(testUserBase, userRW); err != ErrAlreadyMapped {
			t.Fatalf("expected ErrAlreadyMapped; got %v", err)
		}
	})
}

func TestTunePage(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		env := newTestEnv(t, a, 1, 16*mm.Mb, nil)
		ctx := env.m.Context(0)
		env.newProcess(t, ctx)

		if err := ctx.AllocPage(testUserBase, userRW); err != nil {
			t.Fatal(err)
		}
		if err := ctx.Write(testUserBase, []byte{1, 2, 3}); err != nil {
			t.Fatal(err)
		}
		before, _ := ctx.Translate(testUserBase)

		if err := ctx.TunePage(testUserBase, FlagNonPriv); err != nil {
			t.Fatal(err)
		}
		if after, _ := ctx.Translate(testUserBase); after != before {
			t.Fatal("expected TunePage to keep the frame")
		}
		if err := ctx.Write(testUserBase, []byte{4}); err != ErrProtection {
			t.Fatalf("expected write to a read-only page to fail with ErrProtection; got %v", err)
		}

		buf := make([]byte, 3)
		if err := ctx.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, []byte{1, 2, 3}) {
			t.Fatalf("expected contents to survive; got %v", buf)
		}

		// Pages that are not mapped yet get a fresh frame.
		if err := ctx.TunePages(testUserBase+mm.PageSize, 2*mm.PageSize, userRW); err != nil {
			t.Fatal(err)
		}
		if err := ctx.Write(testUserBase+2*mm.PageSize, []byte{9}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestNoAddressSpace(t *testing.T) {
	env := newTestEnv(t, ArchX86{}, 1, 16*mm.Mb, nil)
	ctx := env.m.Context(0)
	env.m.active[0].Store(nil)

	if err := ctx.MapPage(testUserBase, testMemBase, 0); err != ErrNoAddressSpace {
		t.Fatalf("expected ErrNoAddressSpace; got %v", err)
	}
	if err := ctx.Read(testUserBase, make([]byte, 1)); err != ErrNoAddressSpace {
		t.Fatalf("expected ErrNoAddressSpace; got %v", err)
	}
}

func TestPackedLeafTables(t *testing.T) {
	env := newTestEnv(t, ArchARM32{}, 1, 16*mm.Mb, nil)
	ctx := env.m.Context(0)
	as := env.newProcess(t, ctx)
	a := env.m.Arch()

	frame, _ := env.frames.AllocFrame()
	if err := ctx.MapPage(testUserBase, frame.Address(), FlagNonPriv); err != nil {
		t.Fatal(err)
	}

	index := entryIndex(a, testUserBase, 1)
	first, count := groupBounds(a, 0, index)
	group := mm.PageAlignDown(a.PhysAddr(1, env.m.slot(as.PDir(), 1, index).load()))

	for i := first; i < first+count; i++ {
		e := decodeEntry(a, 1, env.m.slot(as.PDir(), 1, i).load())
		exp := EntryAllocated
		if i == index {
			exp = EntryPresent
		}
		if e.State != exp {
			t.Fatalf("descriptor %d: expected state %d; got %d", i, exp, e.State)
		}
		if mm.PageAlignDown(e.PhysAddr) != group {
			t.Fatalf("descriptor %d: expected table inside the group page 0x%x; got 0x%x", i, group, e.PhysAddr)
		}
	}

	// Mapping into a sibling reuses the reserved page.
	free := env.frames.FreeFrames()
	sibling := testUserBase + tableCoverage(a, 0)
	if err := ctx.MapPage(sibling, frame.Address(), FlagNonPriv); err != nil {
		t.Fatal(err)
	}
	if got := env.frames.FreeFrames(); got != free {
		t.Fatalf("expected no frame to be allocated for a sibling table; free frames %d, want %d", got, free)
	}
	if e := decodeEntry(a, 1, env.m.slot(as.PDir(), 1, index+1).load()); e.State != EntryPresent {
		t.Fatal("expected sibling table to be present")
	}
}

func TestTLBShootdown(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		env := newTestEnv(t, a, 3, 16*mm.Mb, nil)
		ctx0, ctx1, ctx2 := env.m.Context(0), env.m.Context(1), env.m.Context(2)
		as := env.newProcess(t, ctx0, dataZone(testUserBase, testUserSize))
		ctx1.SwitchAddressSpace(as)
		env.newProcess(t, ctx2)

		if err := ctx0.Write(testUserBase, []byte{1}); err != nil {
			t.Fatal(err)
		}
		if err := ctx1.Read(testUserBase, make([]byte, 1)); err != nil {
			t.Fatal(err)
		}
		if _, hit := ctx1.Core().LookupTLB(testUserBase); !hit {
			t.Fatal("expected core 1 to cache the translation")
		}

		ipis := env.m.Machine().IPICount()
		_, remote2 := ctx2.Core().FlushCounts()

		if err := ctx0.UnmapPage(testUserBase); err != nil {
			t.Fatal(err)
		}

		if _, hit := ctx1.Core().LookupTLB(testUserBase); hit {
			t.Fatal("expected the stale translation to be shot down on core 1")
		}
		if got := env.m.Machine().IPICount() - ipis; got != 1 {
			t.Fatalf("expected a single shootdown request; got %d", got)
		}
		if _, got := ctx2.Core().FlushCounts(); got != remote2 {
			t.Fatal("expected core running another address space to be left alone")
		}
	})
}
