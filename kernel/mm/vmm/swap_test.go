package vmm

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"vmkernel/kernel"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/swap"
)

func newSwapFile(t *testing.T, slots uint32) *swap.File {
	t.Helper()

	f, err := swap.Open(filepath.Join(t.TempDir(), "swap"), slots)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

// countingOps records the zone callbacks invoked by the vmm.
type countingOps struct {
	FileBackedOps
	loads    int
	restores int
}

func (o *countingOps) LoadPageContent(zone *Zone, vaddr uintptr, page []byte) *kernel.Error {
	o.loads++
	return o.FileBackedOps.LoadPageContent(zone, vaddr, page)
}

func (o *countingOps) RestoreSwappedPage(*Zone, uintptr) *kernel.Error {
	o.restores++
	return nil
}

type failingStore struct{}

var errDeviceOffline = errors.New("device offline")

func (failingStore) Store([]byte) (mm.SwapID, error) { return mm.InvalidSwapID, errDeviceOffline }

func (failingStore) Load(mm.SwapID, []byte) error { return errDeviceOffline }

func (failingStore) AddReference(mm.SwapID) error { return errDeviceOffline }

func (failingStore) Release(mm.SwapID) error { return errDeviceOffline }

func TestSwapRoundTrip(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		store := newSwapFile(t, 8)
		env := newTestEnv(t, a, 1, 16*mm.Mb, store)
		ctx := env.m.Context(0)
		zone := dataZone(testUserBase, testUserSize)
		env.newProcess(t, ctx, zone)

		data := make([]byte, mm.PageSize)
		for i := range data {
			data[i] = byte(i * 7)
		}
		if err := ctx.Write(testUserBase, data); err != nil {
			t.Fatal(err)
		}

		free := env.frames.FreeFrames()
		status, err := ctx.Evict(zone, testUserBase)
		if err != nil {
			t.Fatal(err)
		}
		if status != EvictSwapped {
			t.Fatalf("expected EvictSwapped; got %d", status)
		}
		if env.frames.FreeFrames() != free+1 {
			t.Fatal("expected the evicted frame to be released")
		}
		if store.InUse() != 1 {
			t.Fatalf("expected one slot in use; got %d", store.InUse())
		}
		if _, err = ctx.Translate(testUserBase); err != ErrNotPresent {
			t.Fatalf("expected evicted page to be not present; got %v", err)
		}

		if err = ctx.Restore(testUserBase); err != nil {
			t.Fatal(err)
		}
		if store.InUse() != 0 {
			t.Fatal("expected the slot to be released after restoring")
		}

		buf := make([]byte, mm.PageSize)
		if err = ctx.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, data) {
			t.Fatal("expected restored page to match the evicted contents")
		}

		if err = ctx.Restore(testUserBase); err != ErrNotPresent {
			t.Fatalf("expected restoring a present page to fail with ErrNotPresent; got %v", err)
		}
	})
}

func TestSwapEvictThenTouch(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		store := newSwapFile(t, 8)
		env := newTestEnv(t, a, 1, 16*mm.Mb, store)
		ctx := env.m.Context(0)
		ops := &countingOps{}
		zone := &Zone{Start: testUserBase, End: testUserBase + testUserSize, Type: ZoneData, Flags: userRW, Ops: ops}
		env.newProcess(t, ctx, zone)

		buf := make([]byte, mm.PageSize)
		if err := ctx.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if ops.loads != 1 {
			t.Fatalf("expected the first touch to load the page; got %d loads", ops.loads)
		}

		if _, err := ctx.Evict(zone, testUserBase); err != nil {
			t.Fatal(err)
		}

		buf[0] = 0xff
		if err := ctx.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, make([]byte, mm.PageSize)) {
			t.Fatal("expected the page to read as zero")
		}
		if ops.loads != 1 || ops.restores != 1 {
			t.Fatalf("expected the page to come back through the swap path; got %d loads, %d restores", ops.loads, ops.restores)
		}
	})
}

func TestSwapDiscard(t *testing.T) {
	store := newSwapFile(t, 8)
	env := newTestEnv(t, ArchAMD64{}, 1, 16*mm.Mb, store)
	ctx := env.m.Context(0)

	ops := &countingOps{}
	contents := []byte("read-only file page")
	zone := &Zone{
		Start:    testUserBase,
		End:      testUserBase + mm.PageSize,
		Type:     ZoneMappedFile,
		Flags:    FlagPermRead | FlagNonPriv,
		File:     bytes.NewReader(contents),
		FileSize: uintptr(len(contents)),
		Ops:      ops,
	}
	env.newProcess(t, ctx, zone)

	buf := make([]byte, len(contents))
	if err := ctx.Read(testUserBase, buf); err != nil {
		t.Fatal(err)
	}

	status, err := ctx.Evict(zone, testUserBase)
	if err != nil {
		t.Fatal(err)
	}
	if status != EvictDiscarded {
		t.Fatalf("expected EvictDiscarded; got %d", status)
	}
	if store.InUse() != 0 {
		t.Fatal("expected discarded pages to bypass the backing store")
	}

	clear(buf)
	if err = ctx.Read(testUserBase, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, contents) || ops.loads != 2 {
		t.Fatalf("expected the page to be reloaded from the file; got %q after %d loads", buf, ops.loads)
	}
}

func TestEvictErrors(t *testing.T) {
	store := newSwapFile(t, 8)
	env := newTestEnv(t, ArchX86{}, 2, 16*mm.Mb, store)
	ctx := env.m.Context(0)

	zone := dataZone(testUserBase, 0x100000)
	device := &Zone{Start: 0x800000, End: 0x801000, Type: ZoneDevice, Flags: userRW, Ops: DeviceOps{}}
	rawDevice := &Zone{Start: 0x810000, End: 0x811000, Type: ZoneDevice, Flags: userRW}
	env.newProcess(t, ctx, zone, device, rawDevice)

	if err := ctx.Write(testUserBase, []byte{1}); err != nil {
		t.Fatal(err)
	}
	mmio, _ := env.frames.AllocFrame()
	if err := ctx.MapPage(device.Start, mmio.Address(), device.Flags); err != nil {
		t.Fatal(err)
	}

	// Device registers and data pages mapped outside RAM have no frame
	// that could be written to the backing store.
	if err := ctx.MapPage(rawDevice.Start, 0xfe000000, rawDevice.Flags); err != nil {
		t.Fatal(err)
	}
	if err := ctx.MapPage(testUserBase+2*mm.PageSize, 0xfe001000, userRW); err != nil {
		t.Fatal(err)
	}

	specs := []struct {
		zone  *Zone
		vaddr uintptr
		exp   *kernel.Error
	}{
		{nil, testUserBase, ErrInvalidZone},
		{zone, 0x900000, ErrInvalidZone},
		{zone, testUserBase + mm.PageSize, ErrNotPresent},
		{device, device.Start, ErrSwapNotAllowed},
		{rawDevice, rawDevice.Start, ErrSwapNotAllowed},
		{zone, testUserBase + 2*mm.PageSize, ErrSwapNotAllowed},
	}

	for specIndex, spec := range specs {
		if _, err := ctx.Evict(spec.zone, spec.vaddr); err != spec.exp {
			t.Errorf("[spec %d] expected %v; got %v", specIndex, spec.exp, err)
		}
	}

	t.Run("copy-on-write", func(t *testing.T) {
		child, err := ctx.NewForkedAddressSpace()
		if err != nil {
			t.Fatal(err)
		}
		if _, err = ctx.Evict(zone, testUserBase); err != ErrBusy {
			t.Fatalf("expected ErrBusy; got %v", err)
		}
		if err = ctx.Restore(testUserBase); err != ErrBusy {
			t.Fatalf("expected ErrBusy; got %v", err)
		}
		if err = env.m.FreeAddressSpace(child); err != nil {
			t.Fatal(err)
		}
	})
}

func TestEvictWithoutBackingStore(t *testing.T) {
	for _, store := range []BackingStore{nil, failingStore{}} {
		env := newTestEnv(t, ArchARM64{}, 1, 16*mm.Mb, store)
		ctx := env.m.Context(0)
		zone := dataZone(testUserBase, testUserSize)
		env.newProcess(t, ctx, zone)

		if err := ctx.Write(testUserBase, []byte("keep")); err != nil {
			t.Fatal(err)
		}

		exp := ErrSwapNotAllowed
		if store != nil {
			exp = ErrSwapIO
		}
		if _, err := ctx.Evict(zone, testUserBase); err != exp {
			t.Fatalf("expected %v; got %v", exp, err)
		}

		buf := make([]byte, 4)
		if err := ctx.Read(testUserBase, buf); err != nil || string(buf) != "keep" {
			t.Fatalf("expected a failed eviction to leave the page mapped; got %q, %v", buf, err)
		}
	}
}

func TestSwapSharedByFork(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		store := newSwapFile(t, 8)
		env := newTestEnv(t, a, 2, 16*mm.Mb, store)
		zone := dataZone(testUserBase, testUserSize)
		env.newProcess(t, env.m.Context(0), zone)

		if err := env.m.Context(0).Write(testUserBase, pattern(0x3c, mm.PageSize)); err != nil {
			t.Fatal(err)
		}
		if err := env.m.Context(0).Write(testUserBase+mm.PageSize, []byte{1}); err != nil {
			t.Fatal(err)
		}
		if _, err := env.m.Context(0).Evict(zone, testUserBase); err != nil {
			t.Fatal(err)
		}

		parent, child, childSpace := forkedPair(t, env)

		// The child resolves the shared tables, gaining a reference to the
		// swapped page, and reads it back.
		buf := make([]byte, mm.PageSize)
		if err := child.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, pattern(0x3c, mm.PageSize)) {
			t.Fatal("expected the child to restore the swapped contents")
		}
		if store.InUse() != 1 {
			t.Fatal("expected the parent to keep its swap slot")
		}

		if err := parent.Read(testUserBase, buf); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf, pattern(0x3c, mm.PageSize)) {
			t.Fatal("expected the parent to restore the swapped contents")
		}
		if store.InUse() != 0 {
			t.Fatal("expected every swap slot to be released")
		}

		// Freeing a space releases the swap slots it references.
		if _, err := child.Evict(childSpace.FindZone(testUserBase), testUserBase); err != nil {
			t.Fatal(err)
		}
		if err := env.m.FreeAddressSpace(childSpace); err != nil {
			t.Fatal(err)
		}
		if store.InUse() != 0 {
			t.Fatal("expected the child's swap slot to be released")
		}
	})
}

func TestUnmapSwappedPage(t *testing.T) {
	store := newSwapFile(t, 4)
	env := newTestEnv(t, ArchX86{}, 1, 16*mm.Mb, store)
	ctx := env.m.Context(0)
	zone := dataZone(testUserBase, testUserSize)
	env.newProcess(t, ctx, zone)

	if err := ctx.Write(testUserBase, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.Evict(zone, testUserBase); err != nil {
		t.Fatal(err)
	}
	if err := ctx.UnmapPage(testUserBase); err != nil {
		t.Fatal(err)
	}
	if store.InUse() != 0 {
		t.Fatal("expected unmapping a swapped page to release its slot")
	}

	// The next touch gets a fresh zero page.
	buf := []byte{0xff}
	if err := ctx.Read(testUserBase, buf); err != nil || buf[0] != 0 {
		t.Fatalf("expected a zero page; got %v, %v", buf, err)
	}
}

func TestRemapSwappedPage(t *testing.T) {
	forEachArch(t, func(t *testing.T, a Arch) {
		store := newSwapFile(t, 4)
		env := newTestEnv(t, a, 1, 16*mm.Mb, store)
		ctx := env.m.Context(0)
		zone := dataZone(testUserBase, testUserSize)
		env.newProcess(t, ctx, zone)

		for _, vaddr := range []uintptr{testUserBase, testUserBase + mm.PageSize} {
			if err := ctx.Write(vaddr, []byte{1}); err != nil {
				t.Fatal(err)
			}
			if _, err := ctx.Evict(zone, vaddr); err != nil {
				t.Fatal(err)
			}
		}
		if store.InUse() != 2 {
			t.Fatalf("expected 2 slots in use; got %d", store.InUse())
		}

		frame, _ := env.frames.AllocFrame()
		if err := ctx.MapPage(testUserBase, frame.Address(), userRW); err != nil {
			t.Fatal(err)
		}
		if store.InUse() != 1 {
			t.Fatalf("expected mapping over a swapped page to release its slot; %d slots in use", store.InUse())
		}
		if phys, _ := ctx.Translate(testUserBase); phys != frame.Address() {
			t.Fatalf("expected 0x%x to be mapped; got 0x%x", frame.Address(), phys)
		}

		// Retuning a swapped page reads it back and keeps its contents.
		if err := ctx.TunePage(testUserBase+mm.PageSize, FlagNonPriv); err != nil {
			t.Fatal(err)
		}
		if store.InUse() != 0 {
			t.Fatalf("expected the restored page to release its slot; %d slots in use", store.InUse())
		}
		buf := make([]byte, 1)
		if err := ctx.Read(testUserBase+mm.PageSize, buf); err != nil || buf[0] != 1 {
			t.Fatalf("expected the page contents to survive; got %v, %v", buf, err)
		}
		if err := ctx.Write(testUserBase+mm.PageSize, []byte{2}); err != ErrProtection {
			t.Fatalf("expected the retuned page to be read-only; got %v", err)
		}
	})
}

func TestEvictShootsDownEveryCore(t *testing.T) {
	store := newSwapFile(t, 4)
	env := newTestEnv(t, ArchAMD64{}, 3, 16*mm.Mb, store)
	ctx0, ctx1, ctx2 := env.m.Context(0), env.m.Context(1), env.m.Context(2)
	zone := dataZone(testUserBase, testUserSize)
	as := env.newProcess(t, ctx0, zone)
	ctx1.SwitchAddressSpace(as)
	env.newProcess(t, ctx2)

	if err := ctx0.Write(testUserBase, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := ctx1.Read(testUserBase, make([]byte, 1)); err != nil {
		t.Fatal(err)
	}

	_, remote := ctx2.Core().FlushCounts()
	if _, err := ctx0.Evict(zone, testUserBase); err != nil {
		t.Fatal(err)
	}

	if _, hit := ctx1.Core().LookupTLB(testUserBase); hit {
		t.Fatal("expected the translation to be shot down on core 1")
	}
	if _, got := ctx2.Core().FlushCounts(); got == remote {
		t.Fatal("expected every core to receive the shootdown")
	}
}
