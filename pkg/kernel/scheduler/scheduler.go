// Package scheduler owns the process and namespace arenas, the locks tying
// them together, and the per-CPU scheduler loops — one value constructed
// once at boot that every other kernel layer borrows.
//
// There is no register file to save and restore in a hosted Go program, and
// the trap/VM collaborators are opaque. Each process instead owns a
// persistent goroutine that blocks on a resume channel until a per-CPU loop
// dispatches it, and signals a parked channel when it suspends inside
// sched. The send/receive pair over these two channels *is* the context
// switch: at most one side runs at a time, and p.Lock is held across every
// handoff.
package scheduler

import (
	"fmt"
	"runtime"
	"time"

	"github.com/nsproc/kernelns/pkg/config"
	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/fsvfs"
	"github.com/nsproc/kernelns/pkg/kernel/kerr"
	"github.com/nsproc/kernelns/pkg/kernel/mm"
	"github.com/nsproc/kernelns/pkg/kernel/nstable"
	"github.com/nsproc/kernelns/pkg/kernel/proctable"
	"github.com/nsproc/kernelns/pkg/kernel/spinlock"
	"github.com/nsproc/kernelns/pkg/kernel/tick"
	"github.com/nsproc/kernelns/pkg/tasks"
	"github.com/sirupsen/logrus"
)

// Body is the closure a process runs for the whole of its simulated
// lifetime — the stand-in for whatever the process's saved program counter
// would point at. It suspends itself by calling methods on ctx (Yield,
// Sleep, Exit), which perform the resume/parked handoff internally. A Body
// that returns without calling Exit is treated as having exited with
// status 0.
type Body func(ctx *ProcContext, stop chan struct{})

// ProcContext is handed to a process's Body on each dispatch, giving it
// just enough of the Manager and its own identity to suspend itself. It
// deliberately does not cache which CPU dispatched it: a process can be
// picked up by a different per-CPU loop on its next dispatch, so the
// owning CPU is resolved fresh (via Manager.cpuOf) on every call that
// needs one, and only for the narrow span in which p.Lock is actually
// held.
type ProcContext struct {
	Manager *Manager
	Proc    *proctable.Proc
}

// Yield gives up the CPU for one scheduling round.
func (pc *ProcContext) Yield() {
	pc.Manager.Yield(pc.Proc)
}

// Sleep atomically releases lk and sleeps on chanKey, reacquiring lk on
// wake.
func (pc *ProcContext) Sleep(chanKey any, lk *spinlock.Lock) {
	pc.Manager.Sleep(pc.Proc, chanKey, lk)
}

// Killed reports the process's killed flag under its own lock.
func (pc *ProcContext) Killed() bool {
	return pc.Manager.Killed(pc.Proc)
}

// Exit terminates this process with the full teardown path (file closes,
// reparenting) when one is registered, or the bare ZOMBIE transition
// otherwise. Never returns.
func (pc *ProcContext) Exit(status int) {
	pc.Manager.exitProcess(pc.Proc, status)
}

type procRuntime struct {
	resume  chan struct{}
	parked  chan struct{}
	started bool
}

// Manager owns the process and namespace tables, the global wait lock, the
// tick source, the memory/filesystem collaborators, and one CPU per
// configured core.
type Manager struct {
	cfg   *config.KernelConfig
	log   *logrus.Entry
	clock *tick.Clock
	mem   mm.Manager
	fs    fsvfs.Manager

	NSTable   *nstable.Table
	ProcTable *proctable.Table
	WaitLock  *spinlock.Lock

	cpus     []*cpu.CPU
	runtimes []*procRuntime
	tasks    *tasks.TaskManager

	// exitHandler, when registered, runs the full teardown path on exit
	// (closing files, reparenting children, waking the parent) before the
	// ZOMBIE transition. pkg/kernel/syscall installs it at boot; until
	// then Exit performs only the bare state transition.
	exitHandler func(p *proctable.Proc, status int)

	InitProcIdx int
	InitNSIdx   int
}

// New constructs a Manager sized per cfg, with in-memory mm/fsvfs
// collaborators and a fresh, unstarted tick clock.
func New(cfg *config.KernelConfig, log *logrus.Entry) *Manager {
	mem := mm.NewFake()

	cpus := make([]*cpu.CPU, cfg.NumCPU)
	for i := range cpus {
		cpus[i] = cpu.New(i)
	}

	runtimes := make([]*procRuntime, cfg.NPROC)
	for i := range runtimes {
		runtimes[i] = &procRuntime{
			resume: make(chan struct{}),
			parked: make(chan struct{}),
		}
	}

	return &Manager{
		cfg:         cfg,
		log:         log,
		clock:       tick.New(),
		mem:         mem,
		fs:          fsvfs.NewFake(),
		NSTable:     nstable.New(cfg.NUMNS),
		ProcTable:   proctable.New(cfg.NPROC, cfg.NOFILE, cfg.MAXDEPTH, mem),
		WaitLock:    spinlock.New("wait_lock"),
		cpus:        cpus,
		runtimes:    runtimes,
		tasks:       tasks.NewTaskManager(),
		InitProcIdx: -1,
		InitNSIdx:   -1,
	}
}

// CPU returns the ith scheduler CPU.
func (m *Manager) CPU(i int) *cpu.CPU { return m.cpus[i] }

// NumCPU returns the number of scheduler CPUs.
func (m *Manager) NumCPU() int { return len(m.cpus) }

// Clock returns the kernel's tick source.
func (m *Manager) Clock() *tick.Clock { return m.clock }

// Mem returns the memory collaborator.
func (m *Manager) Mem() mm.Manager { return m.mem }

// FS returns the file-system collaborator.
func (m *Manager) FS() fsvfs.Manager { return m.fs }

// Now returns the current tick count.
func (m *Manager) Now() uint64 { return m.clock.Uptime() }

// MaxDepth returns the configured namespace-nesting ceiling.
func (m *Manager) MaxDepth() int { return m.cfg.MAXDEPTH }

// SetExitHandler registers the full process-teardown path Exit and
// implicit body-return exits go through. Called once at boot by
// pkg/kernel/syscall.
func (m *Manager) SetExitHandler(h func(p *proctable.Proc, status int)) {
	m.exitHandler = h
}

// AllocProcess allocates a process slot against ns and wires up the
// process's resume/parked handoff channels and goroutine body. Returns
// with p.Lock held, exactly like proctable.Table.Alloc.
func (m *Manager) AllocProcess(c *cpu.CPU, ns *nstable.Namespace, body Body) (*proctable.Proc, error) {
	p, err := m.ProcTable.Alloc(c, ns, m.NSTable, m.Now())
	if err != nil {
		return nil, err
	}

	rt := m.runtimes[p.Index]
	rt.started = false
	p.SetBody(func(stop chan struct{}) {
		ctx := &ProcContext{Manager: m, Proc: p}
		m.awaitDispatch(p)
		body(ctx, stop)
		// The body returned without Exit; a real process would fall off
		// the end of main and exit(0). exitProcess never returns.
		m.exitProcess(p, 0)
	})
	return p, nil
}

// Bootstrap allocates the root namespace and its first process, gives it a
// name and a root cwd, marks it RUNNABLE, makes it the namespace's head,
// and records both indices as the kernel's init process/namespace — the
// one process Exit refuses to terminate, and the final fallback target for
// orphan reparenting once every other namespace head has exited.
func (m *Manager) Bootstrap(c *cpu.CPU, name string, body Body) (*proctable.Proc, error) {
	ns := m.NSTable.Alloc(c)
	if ns == nil {
		return nil, kerr.NewComplexError(kerr.NoFreeNamespaceSlot, "namespace table is full")
	}

	p, err := m.AllocProcess(c, ns, body)
	if err != nil {
		return nil, err
	}

	p.Name = name
	if cwd, err := m.fs.Namei("/"); err == nil {
		p.Cwd = cwd
	}
	p.State = proctable.Runnable
	p.InitTicks = m.Now()
	p.LastRunnable = m.Now()

	ns.Lock.Acquire(c)
	ns.HeadIdx = p.Index
	ns.ProcCount = 1
	ns.Lock.Release(c)

	p.Lock.Release(c)

	m.InitProcIdx = p.Index
	m.InitNSIdx = ns.Index

	m.log.WithFields(logrus.Fields{
		"pid":  p.GlobalPID,
		"ns":   ns.NSID,
		"name": name,
	}).Debug("bootstrapped init process")
	return p, nil
}

// cpuOf looks up which CPU currently has p as its Current process. Valid
// only while p is actually dispatched (runCPU sets Current before sending
// resume and clears it only after parked is received), which spans the
// whole of a process's Body execution between dispatches.
func (m *Manager) cpuOf(p *proctable.Proc) *cpu.CPU {
	for _, c := range m.cpus {
		if c.Current() == p {
			return c
		}
	}
	panic("scheduler: process is not currently dispatched on any cpu")
}

// CPUOf exposes cpuOf for collaborators outside this package (pkg/kernel/
// syscall, pkg/kernel/ps) that need an acting CPU identity to acquire
// another process's lock — e.g. exit waking its parent, or kill marking a
// victim.
func (m *Manager) CPUOf(p *proctable.Proc) *cpu.CPU {
	return m.cpuOf(p)
}

// awaitDispatch blocks until the dispatching CPU sends resume, then
// immediately releases p.Lock. This is the one release that matches
// whichever acquire most recently handed the process the CPU: runCPU's
// acquire before a process's very first dispatch, or this same process's
// own fresh acquire (inside Yield/Sleep, just before parking) on every
// dispatch after that.
func (m *Manager) awaitDispatch(p *proctable.Proc) {
	rt := m.runtimes[p.Index]
	<-rt.resume
	c := m.cpuOf(p)
	p.Lock.Release(c)
}

// Killed reports p's killed flag, taking p.Lock fresh (the body never
// holds it between dispatches).
func (m *Manager) Killed(p *proctable.Proc) bool {
	c := m.cpuOf(p)
	p.Lock.Acquire(c)
	k := p.Killed
	p.Lock.Release(c)
	return k
}

// StartCPULoops launches one background loop per configured CPU.
func (m *Manager) StartCPULoops() {
	m.log.WithField("cpus", len(m.cpus)).Debug("starting cpu loops")
	for i := range m.cpus {
		idx := i
		_ = m.tasks.NewTask(cpuTaskName(idx), func(stop chan struct{}) {
			m.runCPU(idx, stop)
		})
	}
}

// StopCPULoops stops every running per-CPU loop.
func (m *Manager) StopCPULoops() {
	m.tasks.StopAll()
}

func cpuTaskName(i int) string {
	return fmt.Sprintf("cpu-loop-%d", i)
}

// runCPU is one per-CPU scheduler loop: an endless round-robin scan of the
// process table with no priority. Acquire/Release of p.Lock brackets the
// whole of one dispatch attempt unconditionally, whether or not a dispatch
// happens. When one does, the acquire taken here is the one immediately
// released by the process itself the moment it receives resume
// (awaitDispatch); the release here after parked always matches the fresh
// acquire the process took just before parking (inside Yield, Sleep, or
// Exit). ContextSwitches increments strictly on scheduler return.
func (m *Manager) runCPU(cpuIdx int, stop chan struct{}) {
	c := m.cpus[cpuIdx]
	c.SetCurrent(nil)

	for {
		select {
		case <-stop:
			return
		default:
		}

		ranAny := false
		for _, p := range m.ProcTable.Slots() {
			select {
			case <-stop:
				return
			default:
			}

			p.Lock.Acquire(c)
			if p.State == proctable.Runnable {
				ranAny = true
				now := m.Now()
				p.State = proctable.Running
				p.WaitingTime += now - p.LastRunnable
				p.LastRunStart = now
				c.SetCurrent(p)

				rt := m.runtimes[p.Index]
				if !rt.started {
					rt.started = true
					go p.Body()(nil)
				}
				rt.resume <- struct{}{}
				<-rt.parked

				p.ContextSwitches++
				c.SetCurrent(nil)
			}
			p.Lock.Release(c)
		}

		if !ranAny {
			time.Sleep(m.cfg.SchedulerPoll)
		}
	}
}

// sched is the inverse side of a dispatch: invoked only while holding
// p.Lock with noff==1 and state != RUNNING. It signals parked and, unless
// final, blocks for the next dispatch and releases p.Lock the instant it
// arrives (see awaitDispatch) before returning control to the caller
// (Yield or Sleep). A final call returns with the lock still in the
// dispatching CPU's hands; runCPU's release after parked balances it.
func (m *Manager) sched(c *cpu.CPU, p *proctable.Proc, final bool) {
	if !p.Lock.Holding(c) {
		m.log.Panic("sched: p.lock not held")
	}
	if c.Noff() != 1 {
		m.log.Panicf("sched: %d locks held, expected 1", c.Noff())
	}
	if p.State == proctable.Running {
		m.log.Panic("sched: state is running")
	}

	rt := m.runtimes[p.Index]
	rt.parked <- struct{}{}
	if !final {
		m.awaitDispatch(p)
	}
}

// Yield gives up the CPU: a fresh acquire (the body holds no lock between
// dispatches), a RUNNABLE transition, and a non-final sched call.
func (m *Manager) Yield(p *proctable.Proc) {
	c := m.cpuOf(p)
	p.Lock.Acquire(c)

	now := m.Now()
	p.RunTime += now - p.LastRunStart
	p.State = proctable.Runnable
	p.LastRunnable = now

	m.sched(c, p, false)
}

// Sleep parks p on chanKey. p.Lock is acquired before lk is released, so a
// concurrent Wakeup can never slip between the caller deciding to sleep
// and the SLEEPING state becoming visible — Wakeup itself needs p.Lock to
// observe it. The CPU used to reacquire lk on wake is re-resolved after
// sched returns, since the process may come back on a different CPU than
// the one that put it to sleep.
func (m *Manager) Sleep(p *proctable.Proc, chanKey any, lk *spinlock.Lock) {
	c := m.cpuOf(p)
	p.Lock.Acquire(c)
	if lk != nil {
		lk.Release(c)
	}

	p.Chan = chanKey
	now := m.Now()
	if p.State == proctable.Running {
		p.RunTime += now - p.LastRunStart
	}
	p.State = proctable.Sleeping

	m.sched(c, p, false)

	p.Chan = nil
	if lk != nil {
		lk.Acquire(m.cpuOf(p))
	}
}

// Wakeup scans the table waking every process other than exclude that is
// sleeping on chanKey. c is the acting CPU identity used to acquire each
// candidate's lock; callers already dispatched on a CPU should pass
// Manager.CPUOf(ownProc). Must be entered holding no p.Lock.
func (m *Manager) Wakeup(c *cpu.CPU, chanKey any, exclude *proctable.Proc) {
	for _, p := range m.ProcTable.Slots() {
		if p == exclude {
			continue
		}
		p.Lock.Acquire(c)
		if p.State == proctable.Sleeping && p.Chan == chanKey {
			p.State = proctable.Runnable
			p.LastRunnable = m.Now()
			m.log.WithField("pid", p.GlobalPID).Debug("wakeup")
		}
		p.Lock.Release(c)
	}
}

// exitProcess routes through the registered teardown handler when one is
// installed, else falls back to the bare Exit transition. Never returns.
func (m *Manager) exitProcess(p *proctable.Proc, status int) {
	if m.exitHandler != nil {
		m.exitHandler(p, status)
	} else {
		m.Exit(p, status)
	}
	panic("scheduler: exit returned")
}

// Exit is the terminal transition: a fresh acquire, XState/ZOMBIE
// bookkeeping, and a final sched call. The goroutine ends here — Exit
// never returns. Callers needing the full teardown path (file closes,
// reparenting, waking the parent) go through pkg/kernel/syscall's Exit,
// which does that first and then diverges here.
func (m *Manager) Exit(p *proctable.Proc, status int) {
	c := m.cpuOf(p)
	p.Lock.Acquire(c)

	p.XState = status
	now := m.Now()
	if p.State == proctable.Running {
		p.RunTime += now - p.LastRunStart
	}
	p.State = proctable.Zombie

	m.sched(c, p, true)
	runtime.Goexit()
}
