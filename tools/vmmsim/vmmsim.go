package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"vmkernel/kernel/cpu"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
	"vmkernel/kernel/mm/pmm"
	"vmkernel/kernel/mm/swap"
	"vmkernel/kernel/mm/vmm"
)

const (
	memBase   = uintptr(0x100000)
	userBase  = uintptr(0x400000)
	userSize  = uintptr(0x400000)
	userFlags = vmm.FlagPermRead | vmm.FlagPermWrite | vmm.FlagNonPriv
)

type sim struct {
	m      *vmm.Manager
	mem    *pmm.Memory
	frames *pmm.BitmapAllocator
	swap   *swap.File

	swapPath string
}

type scenario func(s *sim) error

var scenarios = map[string]scenario{
	"fork": runFork,
	"swap": runSwap,
	"oom":  runOOM,
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[vmmsim] error: %s\n", err.Error())
	os.Exit(1)
}

func scenarioNames() string {
	var names []string
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

func newSim(arch vmm.Arch, cores int, memSize mm.Size, swapSlots uint) (*sim, error) {
	mem, err := pmm.NewMemory(memBase, memSize)
	if err != nil {
		return nil, err
	}

	s := &sim{mem: mem, frames: pmm.NewBitmapAllocator(mem)}

	cfg := vmm.DefaultConfig()
	cfg.Arch = arch
	if swapSlots > 0 {
		s.swapPath = filepath.Join(os.TempDir(), fmt.Sprintf("vmmsim-%d.swap", os.Getpid()))
		if s.swap, err = swap.Open(s.swapPath, uint32(swapSlots)); err != nil {
			_ = mem.Close()
			return nil, err
		}
		cfg.Swap = s.swap
	}

	m, kerr := vmm.New(cfg, cpu.NewMachine(cores), mem, s.frames)
	if kerr != nil {
		s.close()
		return nil, errors.Wrap(kerr, "vmm init")
	}
	s.m = m

	return s, nil
}

func (s *sim) close() {
	if s.swap != nil {
		_ = s.swap.Close()
		_ = os.Remove(s.swapPath)
	}
	_ = s.mem.Close()
}

// newProcess installs an address space with a single anonymous data zone on
// the given core.
func (s *sim) newProcess(core int) (*vmm.Context, *vmm.Zone, error) {
	as := s.m.NewAddressSpace()
	zone := &vmm.Zone{Start: userBase, End: userBase + userSize, Type: vmm.ZoneData, Flags: userFlags}
	if err := as.AddZone(zone); err != nil {
		return nil, nil, err
	}

	ctx := s.m.Context(core)
	ctx.SwitchAddressSpace(as)
	return ctx, zone, nil
}

func (s *sim) report(step string) {
	fmt.Printf("%-28s free frames: %d/%d", step, s.frames.FreeFrames(), s.frames.TotalFrames())
	if s.swap != nil {
		fmt.Printf(", swap slots: %d/%d", s.swap.InUse(), s.swap.Slots())
	}
	fmt.Printf(", IPIs: %d\n", s.m.Machine().IPICount())
}

func runFork(s *sim) error {
	if s.m.Machine().NumCores() < 2 {
		return errors.New("fork scenario requires at least 2 cores")
	}

	parent, _, err := s.newProcess(0)
	if err != nil {
		return err
	}

	const pages = 8
	if err := parent.Write(userBase, bytes.Repeat([]byte{0xaa}, int(pages*mm.PageSize))); err != nil {
		return err
	}
	s.report("parent populated")

	childSpace, kerr := parent.NewForkedAddressSpace()
	if kerr != nil {
		return kerr
	}
	child := s.m.Context(1)
	child.SwitchAddressSpace(childSpace)
	s.report("forked")

	if err := child.Write(userBase, []byte{0xbb}); err != nil {
		return err
	}
	s.report("child wrote page 0")

	pb, cb := make([]byte, 1), make([]byte, 1)
	if err := parent.Read(userBase, pb); err != nil {
		return err
	}
	if err := child.Read(userBase, cb); err != nil {
		return err
	}
	if pb[0] != 0xaa || cb[0] != 0xbb {
		return errors.Errorf("copy-on-write isolation broken: parent 0x%x, child 0x%x", pb[0], cb[0])
	}
	fmt.Printf("parent reads 0x%x, child reads 0x%x\n", pb[0], cb[0])

	child.SwitchAddressSpace(s.m.KernelSpace())
	if err := s.m.FreeAddressSpace(childSpace); err != nil {
		return err
	}
	s.report("child exited")
	return nil
}

func runSwap(s *sim) error {
	if s.swap == nil {
		return errors.New("swap scenario requires -swap-slots > 0")
	}

	ctx, zone, err := s.newProcess(0)
	if err != nil {
		return err
	}

	pages := uintptr(s.swap.Slots())
	if limit := userSize / mm.PageSize; pages > limit {
		pages = limit
	}
	for i := uintptr(0); i < pages; i++ {
		if err := ctx.Write(userBase+i*mm.PageSize, bytes.Repeat([]byte{byte(i)}, int(mm.PageSize))); err != nil {
			return err
		}
	}
	s.report(fmt.Sprintf("touched %d pages", pages))

	for i := uintptr(0); i < pages; i++ {
		if _, err := ctx.Evict(zone, userBase+i*mm.PageSize); err != nil {
			return err
		}
	}
	s.report("evicted")

	buf := make([]byte, mm.PageSize)
	for i := uintptr(0); i < pages; i++ {
		if err := ctx.Read(userBase+i*mm.PageSize, buf); err != nil {
			return err
		}
		if !bytes.Equal(buf, bytes.Repeat([]byte{byte(i)}, int(mm.PageSize))) {
			return errors.Errorf("page %d lost its contents while swapped out", i)
		}
	}
	s.report("faulted back in")
	return nil
}

func runOOM(s *sim) error {
	ctx, _, err := s.newProcess(0)
	if err != nil {
		return err
	}
	if err := ctx.Write(userBase, []byte{1}); err != nil {
		return err
	}

	var held []mm.Frame
	for {
		frame, err := s.frames.AllocFrame()
		if err != nil {
			break
		}
		held = append(held, frame)
	}
	s.report("memory exhausted")

	done := make(chan error, 1)
	go func() {
		if err := ctx.Write(userBase+mm.PageSize, []byte{2}); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return errors.Errorf("expected the fault to wait for memory; got %v", err)
	case <-time.After(100 * time.Millisecond):
		fmt.Println("fault is waiting for memory")
	}

	for _, frame := range held {
		_ = s.frames.FreeFrame(frame)
	}

	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-time.After(5 * time.Second):
		return errors.New("fault did not complete after memory was released")
	}
	s.report("fault completed")
	return nil
}

func main() {
	archName := flag.String("arch", "amd64", "page table format (x86, amd64, arm32, arm64)")
	cores := flag.Int("cores", 2, "number of simulated cores")
	memMb := flag.Uint("mem", 16, "physical memory size in megabytes")
	swapSlots := flag.Uint("swap-slots", 64, "number of swap slots (0 disables swapping)")
	name := flag.String("scenario", "fork", "scenario to run ("+scenarioNames()+")")
	verbose := flag.Bool("v", false, "print kernel log messages")
	flag.Parse()

	arch, ok := vmm.ArchByName(*archName)
	if !ok {
		exit(errors.Errorf("unknown architecture %q", *archName))
	}
	run, ok := scenarios[*name]
	if !ok {
		exit(errors.Errorf("unknown scenario %q; expected one of: %s", *name, scenarioNames()))
	}
	if *cores < 1 {
		exit(errors.New("at least one core is required"))
	}
	if *verbose {
		kfmt.SetOutputSink(os.Stderr)
	}

	s, err := newSim(arch, *cores, mm.Size(*memMb)*mm.Mb, *swapSlots)
	if err != nil {
		exit(err)
	}
	defer s.close()

	fmt.Printf("running %q on %s with %d cores and %d Mb of memory\n", *name, arch.Name(), *cores, *memMb)
	if err := run(s); err != nil {
		s.close()
		exit(errors.Wrap(err, *name))
	}
}
