// Package syscall implements the process-creation and -teardown calls —
// fork, clone, exit, wait, kill, getpid, getppid — plus the small file and
// memory calls (open, close, read, write, sbrk) that drive the per-process
// I/O and heap accounting. It is a thin caller-facing layer over
// scheduler.Manager: each call takes a *scheduler.ProcContext in place of
// a current-process register, and fork/clone take the child's Body closure
// in place of a copied trapframe (there is no register file to duplicate
// in a hosted Go process, so the caller names what the child runs).
package syscall

import (
	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/fsvfs"
	"github.com/nsproc/kernelns/pkg/kernel/kerr"
	"github.com/nsproc/kernelns/pkg/kernel/proctable"
	"github.com/nsproc/kernelns/pkg/kernel/scheduler"
)

// Syscalls wraps a scheduler.Manager with the process-lifecycle calls a
// process's Body invokes through its ProcContext. Constructed once
// alongside the Manager; construction also registers the full exit
// teardown path with the Manager so a Body that returns without calling
// Exit still closes its files and reparents its children.
type Syscalls struct {
	mgr *scheduler.Manager
}

// New returns a Syscalls bound to mgr.
func New(mgr *scheduler.Manager) *Syscalls {
	s := &Syscalls{mgr: mgr}
	mgr.SetExitHandler(s.exitProc)
	return s
}

// enterKernel and leaveKernel bracket a handler body so kernel time
// accrues only while the process is inside one. Both take p.Lock briefly;
// callers must hold no locks.
func (s *Syscalls) enterKernel(c *cpu.CPU, p *proctable.Proc) {
	p.Lock.Acquire(c)
	p.EnterKernel(s.mgr.Now())
	p.Lock.Release(c)
}

func (s *Syscalls) leaveKernel(c *cpu.CPU, p *proctable.Proc) {
	p.Lock.Acquire(c)
	p.LeaveKernel(s.mgr.Now())
	p.Lock.Release(c)
}

// copyChildState duplicates the file descriptor vector, cwd, memory image,
// and name from parent onto a freshly allocated np — the part of fork and
// clone that is identical between the two. Caller holds np.Lock; p's own
// lock is not required since p.Files/p.Cwd/p.Name/p.PageTable/p.MemSize
// are only ever mutated by p's own goroutine, which is the one calling
// this.
func (s *Syscalls) copyChildState(p, np *proctable.Proc) error {
	if err := s.mgr.Mem().CopyUserMemory(np.PageTable, p.PageTable, p.MemSize); err != nil {
		return kerr.NewComplexError(kerr.MemoryAllocationFailed, "copy user memory failed")
	}
	np.MemSize = p.MemSize
	np.HeapPages = p.HeapPages

	for i, f := range p.Files {
		if f != nil {
			np.Files[i] = s.mgr.FS().FileDup(f)
		}
	}
	if p.Cwd != nil {
		np.Cwd = s.mgr.FS().InodeDup(p.Cwd)
	}
	np.Name = p.Name
	return nil
}

// linkChild performs the wait_lock-protected parent assignment and the
// fresh np.Lock acquire under which the child becomes RUNNABLE — the last
// step of both fork and clone before the scheduler can pick the child up.
func (s *Syscalls) linkChild(c *cpu.CPU, p, np *proctable.Proc) {
	s.mgr.WaitLock.Acquire(c)
	np.ParentIdx = p.Index
	s.mgr.WaitLock.Release(c)

	np.Lock.Acquire(c)
	np.State = proctable.Runnable
	np.LastRunnable = s.mgr.Now()
	np.InitTicks = s.mgr.Now()
	np.RunTime = 0
	np.LastRunStart = 0
	np.ContextSwitches = 0
	np.Lock.Release(c)
}

// Fork creates a new process in the caller's own namespace, running
// childBody once dispatched. Returns the child's PID at the caller's
// namespace depth, or an error if the process table is full or the memory
// copy fails.
func (s *Syscalls) Fork(ctx *scheduler.ProcContext, childBody scheduler.Body) (int, error) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)
	ns := s.mgr.NSTable.Get(p.NSIdx)

	np, err := s.mgr.AllocProcess(c, ns, childBody)
	if err != nil {
		return -1, err
	}

	if err := s.copyChildState(p, np); err != nil {
		s.mgr.ProcTable.Free(np, s.mgr.Now())
		np.Lock.Release(c)
		return -1, err
	}

	pid := np.NSPids[ns.Depth]
	np.Lock.Release(c)

	s.linkChild(c, p, np)
	return pid, nil
}

// Clone is Fork plus a new namespace: the child is dispatched into a
// brand-new namespace one level deeper than the caller's, and becomes that
// namespace's head with PID 1 there. Fails without allocating a process
// slot if the new depth would reach the nesting ceiling; the namespace
// slot allocated just before that check is intentionally leaked rather
// than freed (namespace slots are never returned to the free pool, see
// DESIGN.md).
func (s *Syscalls) Clone(ctx *scheduler.ProcContext, childBody scheduler.Body) (int, error) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)
	parentNS := s.mgr.NSTable.Get(p.NSIdx)

	ns := s.mgr.NSTable.Alloc(c)
	if ns == nil {
		return -1, kerr.NewComplexError(kerr.NoFreeNamespaceSlot, "namespace table is full")
	}
	ns.ParentIdx = parentNS.Index
	if parentNS.Depth+1 >= s.mgr.MaxDepth() {
		return -1, kerr.NewComplexError(kerr.MaxDepthExceeded, "clone would exceed max namespace depth")
	}
	ns.Depth = parentNS.Depth + 1

	np, err := s.mgr.AllocProcess(c, ns, childBody)
	if err != nil {
		return -1, err
	}
	ns.HeadIdx = np.Index

	if err := s.copyChildState(p, np); err != nil {
		s.mgr.ProcTable.Free(np, s.mgr.Now())
		np.Lock.Release(c)
		return -1, err
	}

	pid := np.NSPids[parentNS.Depth]
	np.Lock.Release(c)

	s.linkChild(c, p, np)
	return pid, nil
}

// reparent hands every child of p to the head of the child's own namespace
// (walking up if that namespace has lost its head), waking the new parent
// in case it is blocked in Wait. A child that is itself its namespace's
// head goes to the head found from the namespace above its own instead.
// Caller must hold WaitLock.
func (s *Syscalls) reparent(c *cpu.CPU, p *proctable.Proc) {
	for _, child := range s.mgr.ProcTable.Slots() {
		if child.ParentIdx != p.Index {
			continue
		}
		headIdx := s.mgr.NSTable.HeadIndex(child.NSIdx)
		if headIdx == child.Index {
			ns := s.mgr.NSTable.Get(child.NSIdx)
			if s.mgr.NSTable.Get(ns.ParentIdx) != nil {
				headIdx = s.mgr.NSTable.HeadIndex(ns.ParentIdx)
			}
		}
		child.ParentIdx = headIdx
		if newParent := s.mgr.ProcTable.Get(headIdx); newParent != nil {
			s.mgr.Wakeup(c, newParent, nil)
		}
	}
}

// exitProc is the full teardown path, also registered with the Manager so
// that a Body returning without Exit goes through it: close open files,
// put the cwd, drop this process as its namespace's head if it was one,
// reparent children under WaitLock, wake the parent (which may be blocked
// in Wait sleeping on the caller's own proc pointer as the wait channel),
// and diverge into the scheduler as a ZOMBIE. Panics if called by init.
func (s *Syscalls) exitProc(p *proctable.Proc, status int) {
	if p.Index == s.mgr.InitProcIdx {
		panic("syscall: init exiting")
	}
	c := s.mgr.CPUOf(p)

	for i, f := range p.Files {
		if f != nil {
			_ = s.mgr.FS().FileClose(f)
			p.Files[i] = nil
		}
	}
	if p.Cwd != nil {
		_ = s.mgr.FS().InodePut(p.Cwd)
		p.Cwd = nil
	}

	s.mgr.WaitLock.Acquire(c)

	// If this process heads its namespace, the namespace goes headless
	// before any of its orphans pick a new parent — otherwise reparent
	// would hand them right back to the process that is dying.
	ns := s.mgr.NSTable.Get(p.NSIdx)
	ns.Lock.Acquire(c)
	if ns.HeadIdx == p.Index {
		ns.ClearHead()
	}
	ns.Lock.Release(c)

	s.reparent(c, p)
	if parent := s.mgr.ProcTable.Get(p.ParentIdx); parent != nil {
		s.mgr.Wakeup(c, parent, nil)
	}
	s.mgr.WaitLock.Release(c)

	s.mgr.Exit(p, status)
}

// Exit terminates the calling process with the full teardown path. Never
// returns.
func (s *Syscalls) Exit(ctx *scheduler.ProcContext, status int) {
	s.exitProc(ctx.Proc, status)
}

// Wait blocks until a child of the caller exits, reaps the first ZOMBIE
// found (writing its exit status to statusOut if non-nil) and returns its
// global PID. Returns an error if the caller has no children, or if it is
// killed while waiting. Lock order is WaitLock before any p.Lock; each
// child's lock is dropped before WaitLock is returned.
func (s *Syscalls) Wait(ctx *scheduler.ProcContext, statusOut *int32) (int, error) {
	p := ctx.Proc
	// The acting CPU is re-resolved after every sleep: the process can
	// wake on a different CPU than the one it slept on, and the kernel-
	// time bracket must always run under the identity that is actually
	// dispatching.
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)

	s.mgr.WaitLock.Acquire(c)
	for {
		haveChildren := false
		for _, child := range s.mgr.ProcTable.Slots() {
			if child.ParentIdx != p.Index {
				continue
			}
			child.Lock.Acquire(c)
			haveChildren = true
			if child.State == proctable.Zombie {
				pid := child.GlobalPID
				if statusOut != nil {
					*statusOut = int32(child.XState)
				}
				s.mgr.ProcTable.Free(child, s.mgr.Now())
				child.Lock.Release(c)
				s.mgr.WaitLock.Release(c)
				s.leaveKernel(c, p)
				return pid, nil
			}
			child.Lock.Release(c)
		}

		if !haveChildren {
			s.mgr.WaitLock.Release(c)
			s.leaveKernel(c, p)
			return -1, kerr.NewComplexError(kerr.NoChildren, "no children to reap")
		}
		if s.mgr.Killed(p) {
			s.mgr.WaitLock.Release(c)
			s.leaveKernel(c, p)
			return -1, kerr.NewComplexError(kerr.CallerKilled, "killed while waiting")
		}
		// Time spent asleep is waiting time, not kernel time; the bracket
		// pauses around the sleep and resumes on wake.
		s.leaveKernel(c, p)
		ctx.Sleep(p, s.mgr.WaitLock)
		c = s.mgr.CPUOf(p)
		s.enterKernel(c, p)
	}
}

// Kill scans for the process carrying globalPID, marks it killed, and
// promotes it out of SLEEPING if necessary. The target observes Killed at
// its own next convenient point and exits voluntarily; Kill never forces
// a running process to stop.
func (s *Syscalls) Kill(ctx *scheduler.ProcContext, globalPID int) error {
	c := s.mgr.CPUOf(ctx.Proc)
	s.enterKernel(c, ctx.Proc)
	defer s.leaveKernel(c, ctx.Proc)
	for _, p := range s.mgr.ProcTable.Slots() {
		p.Lock.Acquire(c)
		if p.GlobalPID == globalPID {
			p.Killed = true
			if p.State == proctable.Sleeping {
				p.State = proctable.Runnable
				p.LastRunnable = s.mgr.Now()
			}
			p.Lock.Release(c)
			return nil
		}
		p.Lock.Release(c)
	}
	return kerr.NewComplexError(kerr.PIDNotFound, "no process with that global pid")
}

// GetPID returns the caller's PID at its own namespace depth.
func (s *Syscalls) GetPID(ctx *scheduler.ProcContext) int {
	p := ctx.Proc
	ns := s.mgr.NSTable.Get(p.NSIdx)
	return p.NSPids[ns.Depth]
}

// GetPPID returns the parent's PID in the caller's own namespace, or 0 if
// the parent is missing or lives in a different namespace. WaitLock is
// held across the read since ParentIdx is only ever mutated under WaitLock
// (linkChild, reparent).
func (s *Syscalls) GetPPID(ctx *scheduler.ProcContext) int {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)

	s.mgr.WaitLock.Acquire(c)
	defer s.mgr.WaitLock.Release(c)

	parent := s.mgr.ProcTable.Get(p.ParentIdx)
	if parent == nil || parent.NSIdx != p.NSIdx {
		return 0
	}
	ns := s.mgr.NSTable.Get(p.NSIdx)
	return parent.NSPids[ns.Depth]
}

// Open installs a fresh open-file handle in the caller's first free
// descriptor slot and returns the descriptor, or an error if the vector
// is full.
func (s *Syscalls) Open(ctx *scheduler.ProcContext) (int, error) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)

	for fd, f := range p.Files {
		if f == nil {
			p.Files[fd] = s.mgr.FS().Open()
			return fd, nil
		}
	}
	return -1, kerr.NewComplexError(kerr.NoFreeFileSlot, "file descriptor vector is full")
}

// Close releases the caller's descriptor fd.
func (s *Syscalls) Close(ctx *scheduler.ProcContext, fd int) error {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)

	f := fileAt(p, fd)
	if f == nil {
		return kerr.NewComplexError(kerr.BadFileDescriptor, "close of a descriptor that is not open")
	}
	_ = s.mgr.FS().FileClose(f)
	p.Files[fd] = nil
	return nil
}

// Read reads n bytes through the caller's descriptor fd, crediting the
// caller's read-byte accounting with however many bytes the file system
// actually serviced.
func (s *Syscalls) Read(ctx *scheduler.ProcContext, fd, n int) (int, error) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)

	f := fileAt(p, fd)
	if f == nil {
		return -1, kerr.NewComplexError(kerr.BadFileDescriptor, "read from a descriptor that is not open")
	}
	got, err := s.mgr.FS().Read(f, n)
	if err != nil {
		return -1, err
	}
	p.Lock.Acquire(c)
	p.ReadBytes += uint64(got)
	p.Lock.Release(c)
	return got, nil
}

// Write writes n bytes through the caller's descriptor fd, crediting the
// caller's write-byte accounting.
func (s *Syscalls) Write(ctx *scheduler.ProcContext, fd, n int) (int, error) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)

	f := fileAt(p, fd)
	if f == nil {
		return -1, kerr.NewComplexError(kerr.BadFileDescriptor, "write to a descriptor that is not open")
	}
	wrote, err := s.mgr.FS().Write(f, n)
	if err != nil {
		return -1, err
	}
	p.Lock.Acquire(c)
	p.WriteBytes += uint64(wrote)
	p.Lock.Release(c)
	return wrote, nil
}

// Sbrk grows (delta > 0) or shrinks (delta < 0) the caller's user memory
// through the memory collaborator, returning the previous size. Heap-page
// accounting follows the collaborator's own page count.
func (s *Syscalls) Sbrk(ctx *scheduler.ProcContext, delta int) (int, error) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)

	old := p.MemSize
	target := old + delta
	if target < 0 {
		return -1, kerr.NewComplexError(kerr.MemoryAllocationFailed, "sbrk below zero")
	}

	var err error
	if delta >= 0 {
		_, err = s.mgr.Mem().AllocUserMemory(p.PageTable, old, target)
	} else {
		_, err = s.mgr.Mem().DeallocUserMemory(p.PageTable, old, target)
	}
	if err != nil {
		return -1, kerr.NewComplexError(kerr.MemoryAllocationFailed, "resize user memory failed")
	}

	p.Lock.Acquire(c)
	p.MemSize = target
	p.HeapPages = uint64(s.mgr.Mem().HeapPages(p.PageTable))
	p.Lock.Release(c)
	return old, nil
}

// fileAt returns the open file at fd, or nil if fd is out of range or the
// slot is empty.
func fileAt(p *proctable.Proc, fd int) *fsvfs.File {
	if fd < 0 || fd >= len(p.Files) {
		return nil
	}
	return p.Files[fd]
}
