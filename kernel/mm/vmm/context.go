package vmm

import (
	"vmkernel/kernel"
	"vmkernel/kernel/cpu"
	"vmkernel/kernel/kfmt"
	"vmkernel/kernel/mm"
)

type contextMode uint8

const (
	modeTask contextMode = iota
	modeIdle
	modeBoot
)

// Context is the per-core execution context passed to every vmm entry point.
// It identifies the core whose active address space the call operates on.
type Context struct {
	m    *Manager
	core *cpu.Core
	mode contextMode
}

// Core returns the core of the context.
func (c *Context) Core() *cpu.Core { return c.core }

// ActiveAddressSpace returns the address space installed on the core.
func (c *Context) ActiveAddressSpace() *AddressSpace {
	return c.m.active[c.core.ID()].Load()
}

// locked is a guard over an address space whose lock is held by the caller.
// Its methods must only be invoked while the guard is live.
type locked struct {
	ctx *Context
	m   *Manager
	as  *AddressSpace

	// kernelHeld is set while the kernel address space lock is held on
	// top of the lock of a user address space.
	kernelHeld bool

	// reserved holds frames set aside by reserveFrames. Leftovers are
	// released by unlock.
	reserved []mm.Frame
}

// lock acquires the lock of the active address space.
func (c *Context) lock() (*locked, *kernel.Error) {
	as := c.ActiveAddressSpace()
	if as == nil {
		return nil, ErrNoAddressSpace
	}

	as.lock.Acquire()
	return &locked{ctx: c, m: c.m, as: as}, nil
}

// withLock runs fn under the lock of the active address space. fn is
// restarted whenever it had to wait for memory.
func (c *Context) withLock(fn func(l *locked) *kernel.Error) *kernel.Error {
	l, err := c.lock()
	if err != nil {
		return err
	}
	defer l.unlock()

	for {
		if err = fn(l); err != errRestart {
			return err
		}
	}
}

func (l *locked) unlock() {
	for _, frame := range l.reserved {
		l.m.freeFrame(frame)
	}
	l.reserved = nil

	if l.kernelHeld {
		l.m.kernel.lock.Release()
		l.kernelHeld = false
	}
	l.as.lock.Release()
}

// enterKernel acquires the kernel address space lock before kernel tables
// are changed from a user address space. It returns false if the lock was
// not taken by this call.
func (l *locked) enterKernel(vaddr uintptr) bool {
	if l.kernelHeld || l.as == l.m.kernel || !isKernelAddr(l.m.arch, vaddr) {
		return false
	}

	l.m.kernel.lock.Acquire()
	l.kernelHeld = true
	return true
}

func (l *locked) leaveKernel(entered bool) {
	if entered && l.kernelHeld {
		l.m.kernel.lock.Release()
		l.kernelHeld = false
	}
}

// allocFrame returns a frame with undefined contents. When no frame is
// available it releases every held lock, sleeps until a frame is reclaimed
// and returns errRestart with only the address space lock held again.
func (l *locked) allocFrame() (mm.Frame, *kernel.Error) {
	if n := len(l.reserved); n > 0 {
		frame := l.reserved[n-1]
		l.reserved = l.reserved[:n-1]
		return frame, nil
	}

	// The token must be taken before the attempt so that a frame released
	// in between still wakes us up.
	token := l.m.frames.ReclaimToken()
	frame, err := l.m.frames.AllocFrame()
	if err == nil {
		return frame, nil
	}

	l.waitForMemory(token)
	return mm.InvalidFrame, errRestart
}

// reserveFrames makes sure that the next n calls to allocFrame succeed
// without dropping the lock.
func (l *locked) reserveFrames(n int) *kernel.Error {
	for len(l.reserved) < n {
		token := l.m.frames.ReclaimToken()
		frame, err := l.m.frames.AllocFrame()
		if err != nil {
			l.waitForMemory(token)
			return errRestart
		}
		l.reserved = append(l.reserved, frame)
	}
	return nil
}

func (l *locked) waitForMemory(token <-chan struct{}) {
	switch l.ctx.mode {
	case modeBoot:
		kfmt.Panic(errBootAllocation)
	case modeIdle:
		kfmt.Panic(errIdleAllocation)
	}

	kfmt.Fprintf(l.m.log, "core %d: out of frames, waiting for reclaim\n", l.ctx.core.ID())

	if l.kernelHeld {
		l.m.kernel.lock.Release()
		l.kernelHeld = false
	}
	l.as.lock.Release()
	<-token
	l.as.lock.Acquire()
}

// flush invalidates the translation of vaddr on the local core and on every
// other core that may cache it.
func (l *locked) flush(vaddr uintptr) {
	l.m.machine.ShootdownTLBEntry(l.ctx.core, vaddr, l.m.onCores(l.as, vaddr))
}

// flushAll invalidates every user translation of the address space on all
// cores running it.
func (l *locked) flushAll() {
	l.m.machine.ShootdownTLB(l.ctx.core, l.m.onCores(l.as, 0))
}

// broadcast invalidates the translation of vaddr on every core. It is used
// before the frame behind vaddr is reused.
func (l *locked) broadcast(vaddr uintptr) {
	l.m.machine.ShootdownTLBEntry(l.ctx.core, vaddr, nil)
}
