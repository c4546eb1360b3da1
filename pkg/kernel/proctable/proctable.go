// Package proctable implements the fixed-capacity process table: a bounded
// arena of process slots with their per-record lock, namespace-scoped PID
// vector, and accounting fields. Parent and namespace links are indices
// into proctable's and nstable's arenas, never ownership — freeing a slot
// is a single UNUSED transition with nothing to cascade.
package proctable

import (
	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/fsvfs"
	"github.com/nsproc/kernelns/pkg/kernel/kerr"
	"github.com/nsproc/kernelns/pkg/kernel/mm"
	"github.com/nsproc/kernelns/pkg/kernel/nstable"
	"github.com/nsproc/kernelns/pkg/kernel/spinlock"
)

// State is one of the process lifecycle states.
type State int

const (
	Unused State = iota
	Used
	Runnable
	Running
	Sleeping
	Zombie
)

// String renders the fixed state strings ps_info reports; NUL padding to
// the wire width is handled by the caller (pkg/kernel/ps).
func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used "
	case Sleeping:
		return "sleep "
	case Runnable:
		return "runble"
	case Running:
		return "run   "
	case Zombie:
		return "zombie"
	default:
		return "???"
	}
}

const noParent = -1

// Proc is one slot of the process table. A slot is UNUSED iff its page
// table, trapframe, PID and namespace backref are all nil/zero.
type Proc struct {
	Lock *spinlock.Lock

	Index     int // this slot's own index, stable for the slot's lifetime
	GlobalPID int
	NSPids    []int // indexed [0..MAXDEPTH-1]; valid entries are [0..ns.Depth]
	NSIdx     int   // weak backref into the namespace table; -1 when UNUSED

	State     State
	ParentIdx int // weak backref into this table; -1 for initproc / free slots

	PageTable *mm.PageTable
	Trapframe uintptr // trapframe page, owned while state != UNUSED
	MemSize   int
	Files     []*fsvfs.File // NOFILE-sized open-file-handle vector
	Cwd       *fsvfs.Inode

	Name string

	Chan   any // wait channel; non-nil only while Sleeping
	Killed bool
	XState int

	// Accounting. KernelTime accrues only inside syscall handlers (see
	// EnterKernel/LeaveKernel), so user time is RunTime - KernelTime.
	InitTicks       uint64
	RunTime         uint64
	KernelTime      uint64
	LastKernelTime  uint64
	WaitingTime     uint64
	LastRunStart    uint64
	LastRunnable    uint64
	ContextSwitches uint64
	ReadBytes       uint64
	WriteBytes      uint64
	HeapPages       uint64

	body func(stop chan struct{})
}

// Table is the fixed-capacity arena of process slots plus the global PID
// counter (pid_lock, a leaf lock) and the memory collaborator that backs
// each slot's page table and trapframe page.
type Table struct {
	slots  []*Proc
	pidLk  *spinlock.Lock
	nextID int
	mem    mm.Manager
}

// New returns a Table with capacity process slots, each with a nofile-sized
// open-file vector and maxDepth-sized PID vector, all initially UNUSED.
func New(capacity, nofile, maxDepth int, mem mm.Manager) *Table {
	t := &Table{
		slots:  make([]*Proc, capacity),
		pidLk:  spinlock.New("pid_lock"),
		nextID: 1,
		mem:    mem,
	}
	for i := range t.slots {
		t.slots[i] = &Proc{
			Lock:      spinlock.New("p.lock"),
			Index:     i,
			NSIdx:     noParent,
			ParentIdx: noParent,
			NSPids:    make([]int, maxDepth),
			Files:     make([]*fsvfs.File, nofile),
		}
	}
	return t
}

// Get returns the process at idx, or nil if out of range.
func (t *Table) Get(idx int) *Proc {
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// Capacity returns the table's fixed slot count.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// Slots exposes the underlying arena for linear-scan callers (scheduler,
// syscall, ps) that need to range over every slot while holding no locks.
func (t *Table) Slots() []*Proc {
	return t.slots
}

func (t *Table) allocPID(c *cpu.CPU) int {
	t.pidLk.Acquire(c)
	pid := t.nextID
	t.nextID++
	t.pidLk.Release(c)
	return pid
}

// Alloc scans for the first UNUSED slot (trying p.lock on each), assigns a
// fresh global PID, walks from ns up to the root handing out one
// in-namespace PID per ancestor, and allocates the trapframe page and user
// page table through the memory collaborator. On success, returns with
// p.Lock still held so the caller can complete setup. On memory exhaustion
// the partially built slot is passed back through Free and an error is
// returned with no lock held.
func (t *Table) Alloc(c *cpu.CPU, ns *nstable.Namespace, nsTable *nstable.Table, now uint64) (*Proc, error) {
	var p *Proc
	for _, slot := range t.slots {
		slot.Lock.Acquire(c)
		if slot.State == Unused {
			p = slot
			break
		}
		slot.Lock.Release(c)
	}
	if p == nil {
		return nil, kerr.NewComplexError(kerr.NoFreeProcessSlot, "process table is full")
	}

	p.GlobalPID = t.allocPID(c)
	p.State = Used
	p.NSIdx = ns.Index
	p.LastRunStart = now

	curr := ns
	for i := ns.Depth; i >= 0; i-- {
		curr.Lock.Acquire(c)
		p.NSPids[i] = curr.NextPID()
		curr.Lock.Release(c)
		if curr.ParentIdx == nstable.NoParent {
			break
		}
		curr = nsTable.Get(curr.ParentIdx)
	}

	tf, err := t.mem.AllocPage()
	if err != nil {
		t.Free(p, now)
		p.Lock.Release(c)
		return nil, kerr.NewComplexError(kerr.MemoryAllocationFailed, "alloc trapframe page failed")
	}
	p.Trapframe = tf

	pt, err := t.mem.CreateUserPagetable()
	if err != nil {
		t.Free(p, now)
		p.Lock.Release(c)
		return nil, kerr.NewComplexError(kerr.MemoryAllocationFailed, "create user pagetable failed")
	}
	if err := t.mem.MapTrapframe(pt, tf); err != nil {
		_ = t.mem.FreeUserPagetable(pt, 0)
		t.Free(p, now)
		p.Lock.Release(c)
		return nil, kerr.NewComplexError(kerr.MemoryAllocationFailed, "map trapframe failed")
	}
	p.PageTable = pt

	return p, nil
}

// Free releases the slot's memory artefacts back to the collaborator and
// resets identity, namespace-PID vector, and accounting, transitioning the
// slot to UNUSED. Caller must hold p.Lock.
func (t *Table) Free(p *Proc, now uint64) {
	if p.State == Running {
		p.RunTime += now - p.LastRunStart
	}
	if p.LastKernelTime != 0 {
		p.KernelTime += now - p.LastKernelTime
	}

	if p.Trapframe != 0 {
		_ = t.mem.FreePage(p.Trapframe)
	}
	p.Trapframe = 0
	if p.PageTable != nil {
		_ = t.mem.FreeUserPagetable(p.PageTable, p.MemSize)
	}
	p.PageTable = nil
	p.MemSize = 0
	p.GlobalPID = 0
	p.ParentIdx = noParent
	p.Name = ""
	p.Chan = nil
	p.Killed = false
	p.XState = 0
	p.State = Unused
	p.InitTicks = 0
	p.RunTime = 0
	p.KernelTime = 0
	p.LastKernelTime = 0
	p.WaitingTime = 0
	p.LastRunStart = 0
	p.LastRunnable = 0
	p.ContextSwitches = 0
	p.ReadBytes = 0
	p.WriteBytes = 0
	p.HeapPages = 0
	p.Cwd = nil
	for i := range p.Files {
		p.Files[i] = nil
	}
	p.NSIdx = noParent
	for i := range p.NSPids {
		p.NSPids[i] = 0
	}
}

// EnterKernel and LeaveKernel bracket a syscall handler body so KernelTime
// accrues only while the process is inside one. Caller must hold p.Lock.
func (p *Proc) EnterKernel(now uint64) {
	p.LastKernelTime = now
}

func (p *Proc) LeaveKernel(now uint64) {
	p.KernelTime += now - p.LastKernelTime
	p.LastKernelTime = 0
}

// SetBody attaches the goroutine body the scheduler will run for this
// process once it is dispatched. See pkg/kernel/scheduler for the
// resume/parked handoff this body runs under.
func (p *Proc) SetBody(body func(stop chan struct{})) {
	p.body = body
}

// Body returns the process's attached goroutine body, or nil if none was
// set (a slot allocated but never started).
func (p *Proc) Body() func(stop chan struct{}) {
	return p.body
}
