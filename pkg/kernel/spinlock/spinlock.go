// Package spinlock implements the per-record lock primitive every kernel
// table slot and global coordination lock is built on: acquire/release with
// interrupt-disable nesting and a holding() predicate, panicking on
// recursive acquire or mismatched release instead of deadlocking silently.
package spinlock

import (
	"fmt"
	"sync/atomic"

	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/sasha-s/go-deadlock"
)

// Lock is a spinlock guarding the mutable fields of a process or namespace
// record, or serving as one of the kernel's global coordination locks
// (wait_lock, pid_lock, ns_id_lock). The underlying mutex is
// sasha-s/go-deadlock, a drop-in replacement for sync.Mutex whose
// background detector reports lock-order inversions — an accidental
// ns.lock-before-wait_lock acquisition gets reported instead of
// deadlocking silently.
type Lock struct {
	name string
	mu   deadlock.Mutex
	held atomic.Pointer[cpu.CPU]
}

// New returns a named, unlocked Lock. The name is surfaced in panic
// messages and go-deadlock's own lock-order diagnostics.
func New(name string) *Lock {
	return &Lock{name: name}
}

// Acquire disables interrupts on c (push_off), then blocks until the lock
// is free. Panics immediately, before ever blocking, if c already holds
// this lock.
func (l *Lock) Acquire(c *cpu.CPU) {
	c.PushOff()
	if l.Holding(c) {
		panic(fmt.Sprintf("spinlock %q: acquire: already held by this cpu", l.name))
	}
	l.mu.Lock()
	l.held.Store(c)
}

// Release releases the lock and restores c's interrupt-enable state
// (pop_off). Panics if c does not hold the lock.
func (l *Lock) Release(c *cpu.CPU) {
	if !l.Holding(c) {
		panic(fmt.Sprintf("spinlock %q: release: not held by this cpu", l.name))
	}
	l.held.Store(nil)
	l.mu.Unlock()
	c.PopOff()
}

// Holding reports whether c currently holds this lock.
func (l *Lock) Holding(c *cpu.CPU) bool {
	return l.held.Load() == c
}
