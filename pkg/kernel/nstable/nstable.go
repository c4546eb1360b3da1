// Package nstable implements the fixed-capacity namespace table: a bounded
// arena of namespace slots, each a PID container, together forming a tree
// rooted at the initial namespace. Parent/head links are indices into the
// arenas, never ownership, so freeing never cascades.
package nstable

import (
	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/spinlock"
)

// Namespace is one slot of the namespace table.
type Namespace struct {
	Lock *spinlock.Lock

	Used       bool
	NSID       int
	Depth      int
	Index      int // this namespace's own slot index, stable for its lifetime
	ParentIdx  int // -1 at the root
	HeadIdx    int // -1 when the namespace has no head
	NextNSPID  int
	ProcCount  int
}

const noParent = -1
const noHead = -1

// Table is the fixed-capacity arena of namespace slots plus the global
// namespace-id counter (ns_id_lock, a leaf lock).
type Table struct {
	slots    []*Namespace
	idLock   *spinlock.Lock
	nextNSID int
}

// New returns a Table with capacity slots, all initially free.
func New(capacity int) *Table {
	t := &Table{
		slots:    make([]*Namespace, capacity),
		idLock:   spinlock.New("ns_id_lock"),
		nextNSID: 1,
	}
	for i := range t.slots {
		t.slots[i] = &Namespace{
			Lock:      spinlock.New("ns.lock"),
			Index:     i,
			ParentIdx: noParent,
			HeadIdx:   noHead,
			NextNSPID: 1,
		}
	}
	return t
}

// Get returns the namespace at idx, or nil if out of range.
func (t *Table) Get(idx int) *Namespace {
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	return t.slots[idx]
}

// Capacity returns the table's fixed slot count.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// allocNSID hands out a fresh, globally unique namespace id from the
// monotonic counter guarded by ns_id_lock.
func (t *Table) allocNSID(c *cpu.CPU) int {
	t.idLock.Acquire(c)
	id := t.nextNSID
	t.nextNSID++
	t.idLock.Release(c)
	return id
}

// Alloc scans the namespace table and returns the first free slot,
// reinitialized to a fresh, parentless, depth-0 namespace. Returns nil if
// the table is full.
func (t *Table) Alloc(c *cpu.CPU) *Namespace {
	for _, ns := range t.slots {
		ns.Lock.Acquire(c)
		if !ns.Used {
			ns.NSID = t.allocNSID(c)
			ns.HeadIdx = noHead
			ns.ParentIdx = noParent
			ns.Used = true
			ns.ProcCount = 0
			ns.Depth = 0
			ns.NextNSPID = 1
			ns.Lock.Release(c)
			return ns
		}
		ns.Lock.Release(c)
	}
	return nil
}

// NextPID increments and returns this namespace's next in-namespace PID
// counter, and bumps its population count. Caller must hold ns.Lock.
func (ns *Namespace) NextPID() int {
	pid := ns.NextNSPID
	ns.NextNSPID++
	ns.ProcCount++
	return pid
}

// HasHead reports whether this namespace currently has a head process.
func (ns *Namespace) HasHead() bool {
	return ns.HeadIdx != noHead
}

// ClearHead marks this namespace as headless (its head process exited).
func (ns *Namespace) ClearHead() {
	ns.HeadIdx = noHead
}

// NoParent is the sentinel ParentIdx/HeadIdx value meaning "none" (root
// namespace's parent, or a namespace with no live head).
const NoParent = noParent
const NoHead = noHead

// IsDescendantOf reports whether the namespace at childIdx is ancestorIdx
// itself or a descendant of it, walking parent links.
func (t *Table) IsDescendantOf(childIdx, ancestorIdx int) bool {
	idx := childIdx
	for idx != noParent {
		if idx == ancestorIdx {
			return true
		}
		idx = t.slots[idx].ParentIdx
	}
	return false
}

// HeadIndex returns the index of the namespace's head process, walking up
// through parent namespaces if it has no head of its own. Returns NoHead
// if no ancestor has a live head either.
func (t *Table) HeadIndex(nsIdx int) int {
	idx := nsIdx
	ns := t.slots[idx]
	for ns.Depth > 0 && ns.HeadIdx == noHead {
		idx = ns.ParentIdx
		ns = t.slots[idx]
	}
	return ns.HeadIdx
}
