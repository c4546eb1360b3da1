// Package ps implements the introspection calls: List (count, or copy the
// PIDs of every process whose namespace is a descendant-or-equal of the
// caller's) and Info (the full accounting snapshot of one process, packed
// into a fixed little-endian wire layout).
package ps

import (
	"encoding/binary"

	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/fsvfs"
	"github.com/nsproc/kernelns/pkg/kernel/kerr"
	"github.com/nsproc/kernelns/pkg/kernel/proctable"
	"github.com/nsproc/kernelns/pkg/kernel/scheduler"
	"github.com/samber/lo"
)

// ProcessInfo is the per-process snapshot Info returns, in the exact field
// order the wire layout requires.
type ProcessInfo struct {
	State           string
	ParentPID       int32
	MemSize         int32
	FilesCount      int32
	ProcName        string
	ProcTicks       uint32
	RunTime         uint32
	ContextSwitches uint32
	UserTicks       uint32
	KernelTicks     uint32
	WaitingTicks    uint32
	BytesRead       uint32
	BytesWrite      uint32
	PagesCount      uint32
}

// Encode writes ProcessInfo in its packed little-endian layout:
// state[stateSize] NUL-padded, parent_pid, mem_size, files_count,
// proc_name[nameSize] NUL-padded, then nine uint32 counters, in struct
// order. Built by hand into a []byte rather than via binary.Write on the
// struct itself, since Go struct layout (the string fields in particular)
// has no guaranteed correspondence to this fixed wire order and width.
func (pi *ProcessInfo) Encode(stateSize, nameSize int) []byte {
	buf := make([]byte, stateSize+4+4+4+nameSize+9*4)
	off := 0

	off += copyPadded(buf[off:off+stateSize], pi.State)
	binary.LittleEndian.PutUint32(buf[off:], uint32(pi.ParentPID))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(pi.MemSize))
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], uint32(pi.FilesCount))
	off += 4
	off += copyPadded(buf[off:off+nameSize], pi.ProcName)

	for _, v := range []uint32{
		pi.ProcTicks, pi.RunTime, pi.ContextSwitches,
		pi.UserTicks, pi.KernelTicks, pi.WaitingTicks,
		pi.BytesRead, pi.BytesWrite, pi.PagesCount,
	} {
		binary.LittleEndian.PutUint32(buf[off:], v)
		off += 4
	}
	return buf
}

// copyPadded writes s into dst, NUL-padding (or truncating) to len(dst),
// and returns len(dst).
func copyPadded(dst []byte, s string) int {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return len(dst)
}

// PS wraps a scheduler.Manager with the read-only introspection calls.
type PS struct {
	mgr       *scheduler.Manager
	stateSize int
	nameSize  int
}

// New returns a PS bound to mgr, using stateSize/nameSize for Encode's
// fixed-width string fields.
func New(mgr *scheduler.Manager, stateSize, nameSize int) *PS {
	return &PS{mgr: mgr, stateSize: stateSize, nameSize: nameSize}
}

// visiblePID returns the PID List should report for p: the global PID if
// global is set, else p's PID in the caller's own namespace.
func visiblePID(p *proctable.Proc, callerDepth int, global bool) int {
	if global {
		return p.GlobalPID
	}
	return p.NSPids[callerDepth]
}

// List counts every process whose namespace is a descendant-or-equal of
// the caller's, and if limit >= 0 also returns up to min(limit, count) of
// their PIDs (global or in-namespace, per global). Passing limit < 0
// skips copying PIDs entirely and pids is nil. Each matched process's
// lock is held only while its membership/PID is read.
func (s *PS) List(ctx *scheduler.ProcContext, limit int, global bool) (count int, pids []int) {
	p := ctx.Proc
	c := s.mgr.CPUOf(p)
	s.enterKernel(c, p)
	defer s.leaveKernel(c, p)
	callerDepth := s.mgr.NSTable.Get(p.NSIdx).Depth

	visible := lo.Filter(s.mgr.ProcTable.Slots(), func(cand *proctable.Proc, _ int) bool {
		cand.Lock.Acquire(c)
		defer cand.Lock.Release(c)
		if cand.State == proctable.Unused {
			return false
		}
		return s.mgr.NSTable.IsDescendantOf(cand.NSIdx, p.NSIdx)
	})
	count = len(visible)

	if limit < 0 {
		return count, nil
	}

	n := limit
	if n > count {
		n = count
	}
	pids = lo.Map(visible[:n], func(cand *proctable.Proc, _ int) int {
		cand.Lock.Acquire(c)
		defer cand.Lock.Release(c)
		return visiblePID(cand, callerDepth, global)
	})
	return count, pids
}

// Info locates the process carrying globalPID and snapshots its full
// accounting record. WaitLock is taken before the scan — it serializes all
// parent-link writers, and taking it first keeps the wait_lock-then-p.lock
// order intact. The matched process's lock is then held continuously from
// the match onward, leaving no release/reacquire window for the slot to be
// freed and recycled in.
func (s *PS) Info(ctx *scheduler.ProcContext, globalPID int) (*ProcessInfo, error) {
	c := s.mgr.CPUOf(ctx.Proc)
	s.enterKernel(c, ctx.Proc)
	defer s.leaveKernel(c, ctx.Proc)

	s.mgr.WaitLock.Acquire(c)
	defer s.mgr.WaitLock.Release(c)

	var target *proctable.Proc
	for _, cand := range s.mgr.ProcTable.Slots() {
		cand.Lock.Acquire(c)
		if cand.State != proctable.Unused && cand.GlobalPID == globalPID {
			target = cand
			break
		}
		cand.Lock.Release(c)
	}
	if target == nil {
		return nil, kerr.NewComplexError(kerr.PIDNotFound, "no process with that global pid")
	}
	defer target.Lock.Release(c)

	parentPID := s.parentPID(target)

	now := s.mgr.Now()
	procTicks := now - target.InitTicks
	runTime := target.RunTime
	userTicks := runTime - target.KernelTime

	return &ProcessInfo{
		State:           target.State.String(),
		ParentPID:       int32(parentPID),
		MemSize:         int32(target.MemSize),
		FilesCount:      int32(countOpenFiles(target)),
		ProcName:        target.Name,
		ProcTicks:       uint32(procTicks),
		RunTime:         uint32(runTime),
		ContextSwitches: uint32(target.ContextSwitches),
		UserTicks:       uint32(userTicks),
		KernelTicks:     uint32(target.KernelTime),
		WaitingTicks:    uint32(target.WaitingTime),
		BytesRead:       uint32(target.ReadBytes),
		BytesWrite:      uint32(target.WriteBytes),
		PagesCount:      uint32(target.HeapPages),
	}, nil
}

// enterKernel/leaveKernel bracket an introspection call the same way the
// syscall layer brackets its handlers, so ps time shows up as kernel time
// in the very snapshots it produces.
func (s *PS) enterKernel(c *cpu.CPU, p *proctable.Proc) {
	p.Lock.Acquire(c)
	p.EnterKernel(s.mgr.Now())
	p.Lock.Release(c)
}

func (s *PS) leaveKernel(c *cpu.CPU, p *proctable.Proc) {
	p.Lock.Acquire(c)
	p.LeaveKernel(s.mgr.Now())
	p.Lock.Release(c)
}

// parentPID reads target's parent's in-namespace PID, returning 0 if the
// parent is missing or lives in a different namespace. Caller holds
// WaitLock (which all parent-link writers hold) and target.Lock.
func (s *PS) parentPID(target *proctable.Proc) int {
	parent := s.mgr.ProcTable.Get(target.ParentIdx)
	if parent == nil || parent.NSIdx != target.NSIdx {
		return 0
	}
	ns := s.mgr.NSTable.Get(target.NSIdx)
	return parent.NSPids[ns.Depth]
}

func countOpenFiles(p *proctable.Proc) int {
	return lo.CountBy(p.Files, func(f *fsvfs.File) bool { return f != nil })
}
