package syscall

import (
	"testing"
	"time"

	"github.com/nsproc/kernelns/pkg/config"
	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/kerr"
	"github.com/nsproc/kernelns/pkg/kernel/proctable"
	"github.com/nsproc/kernelns/pkg/kernel/scheduler"
	"github.com/nsproc/kernelns/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// observerCPU is a standalone CPU identity for out-of-band test assertions
// that poll a process's lock without going through the scheduler's own
// dispatch loop. See scheduler package's observerCPU for why this can't
// reuse mgr.CPU(0): that identity is concurrently in use by runCPU's own
// acquire/release calls on other process slots, and two callers sharing
// one identity token looks like the same holder recursively re-acquiring.
func observerCPU() *cpu.CPU {
	return cpu.New(-1)
}

// idleBody parks forever via repeated Yield, standing in for a process
// that never does anything interesting on its own — useful as a parent
// that just needs to stay alive long enough for this test to inspect it.
func idleBody(ctx *scheduler.ProcContext, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		ctx.Yield()
	}
}

func testSetup(t *testing.T) (*scheduler.Manager, *Syscalls) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.NPROC = 16
	cfg.NUMNS = 8
	cfg.MAXDEPTH = 4
	cfg.NumCPU = 1
	cfg.SchedulerPoll = time.Millisecond
	appCfg := &config.AppConfig{KernelConfig: &cfg, ConfigDir: t.TempDir()}
	logger := log.NewLogger(appCfg)

	mgr := scheduler.New(&cfg, logger)
	c := mgr.CPU(0)
	_, err := mgr.Bootstrap(c, "init", idleBody)
	require.NoError(t, err)

	mgr.StartCPULoops()
	t.Cleanup(mgr.StopCPULoops)

	return mgr, New(mgr)
}

// TestForkExitWait: a parent forks a child, the child exits with a status,
// and the parent's Wait observes both the PID and the status.
func TestForkExitWait(t *testing.T) {
	mgr, sc := testSetup(t)

	childPID := make(chan int, 1)
	var parentPID int

	parentDone := make(chan struct{})
	parentBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		parentPID = sc.GetPID(ctx)
		pid, err := sc.Fork(ctx, func(cctx *scheduler.ProcContext, stop chan struct{}) {
			childPID <- sc.GetPID(cctx)
			sc.Exit(cctx, 7)
		})
		require.NoError(t, err)

		var status int32
		reaped, err := sc.Wait(ctx, &status)
		require.NoError(t, err)
		assert.Equal(t, int32(7), status)
		assert.Greater(t, reaped, 0)
		assert.Greater(t, pid, 0)
		close(parentDone)
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, parentBody)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	select {
	case <-parentDone:
	case <-time.After(2 * time.Second):
		t.Fatal("parent never observed child's zombie status")
	}
	assert.Greater(t, parentPID, 0)

	select {
	case <-childPID:
	case <-time.After(time.Second):
		t.Fatal("child body never ran")
	}
}

// TestCloneAssignsFreshNamespace: a cloned child's GetPID is 1 in its own
// new namespace, while the parent keeps its existing PID.
func TestCloneAssignsFreshNamespace(t *testing.T) {
	mgr, sc := testSetup(t)

	childSeenPID := make(chan int, 1)
	done := make(chan struct{})

	parentBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		pid, err := sc.Clone(ctx, func(cctx *scheduler.ProcContext, stop chan struct{}) {
			childSeenPID <- sc.GetPID(cctx)
			sc.Exit(cctx, 0)
		})
		require.NoError(t, err)
		assert.Greater(t, pid, 0)
		close(done)
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, parentBody)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("parent never finished cloning")
	}

	select {
	case pid := <-childSeenPID:
		assert.Equal(t, 1, pid)
	case <-time.After(time.Second):
		t.Fatal("cloned child never ran")
	}
}

// TestCloneFailsAtMaxDepth: cloning at the deepest permitted level
// succeeds, and the next clone fails without allocating a process slot.
func TestCloneFailsAtMaxDepth(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.NPROC = 16
	cfg.NUMNS = 16
	cfg.MAXDEPTH = 2
	cfg.NumCPU = 1
	cfg.SchedulerPoll = time.Millisecond
	appCfg := &config.AppConfig{KernelConfig: &cfg, ConfigDir: t.TempDir()}
	logger := log.NewLogger(appCfg)

	mgr := scheduler.New(&cfg, logger)
	c := mgr.CPU(0)
	_, err := mgr.Bootstrap(c, "init", idleBody)
	require.NoError(t, err)
	sc := New(mgr)
	mgr.StartCPULoops()
	t.Cleanup(mgr.StopCPULoops)

	secondCloneErr := make(chan error, 1)

	// grandchildBody runs one namespace level deeper than child1Body;
	// MAXDEPTH=2 means this clone (to depth 2) must fail.
	grandchildBody := func(ctx *scheduler.ProcContext, stop chan struct{}) { ctx.Exit(0) }
	child1Body := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		_, err := sc.Clone(ctx, grandchildBody)
		secondCloneErr <- err
		ctx.Exit(0)
	}
	parentBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		_, err := sc.Clone(ctx, child1Body)
		require.NoError(t, err)
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, parentBody)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	select {
	case err := <-secondCloneErr:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("grandchild clone attempt never completed")
	}
}

// TestKillPromotesSleeperToRunnable: killing a process blocked in Sleep
// wakes it without a matching Wakeup.
func TestKillPromotesSleeperToRunnable(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.NPROC = 16
	cfg.NUMNS = 8
	cfg.MAXDEPTH = 4
	cfg.NumCPU = 1
	cfg.SchedulerPoll = time.Millisecond
	appCfg := &config.AppConfig{KernelConfig: &cfg, ConfigDir: t.TempDir()}
	logger := log.NewLogger(appCfg)

	mgr := scheduler.New(&cfg, logger)
	c := mgr.CPU(0)

	observedKilled := make(chan bool, 1)
	victimPIDCh := make(chan int, 1)
	killRequest := make(chan int)

	// killerBody stands in for init: it waits for a victim's global PID on
	// killRequest, then calls Kill — exercising Kill from inside a process
	// that is genuinely dispatched, since cpuOf is only valid for the span
	// a process's Body is actually running.
	killerBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		sc := New(ctx.Manager)
		for {
			select {
			case <-stop:
				return
			case pid := <-killRequest:
				_ = sc.Kill(ctx, pid)
			default:
				ctx.Yield()
			}
		}
	}
	_, err := mgr.Bootstrap(c, "init", killerBody)
	require.NoError(t, err)
	sc := New(mgr)

	victimBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		victimPIDCh <- ctx.Proc.GlobalPID
		ctx.Sleep("nothing-will-ever-wake-this", nil)
		observedKilled <- ctx.Killed()
		ctx.Exit(0)
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	p, err := mgr.AllocProcess(c, ns, victimBody)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(c)

	mgr.StartCPULoops()
	t.Cleanup(mgr.StopCPULoops)

	var victimGlobalPID int
	select {
	case victimGlobalPID = <-victimPIDCh:
	case <-time.After(time.Second):
		t.Fatal("victim never started")
	}

	obs := observerCPU()
	assert.Eventually(t, func() bool {
		p.Lock.Acquire(obs)
		defer p.Lock.Release(obs)
		return p.State == proctable.Sleeping
	}, time.Second, time.Millisecond)

	killRequest <- victimGlobalPID

	select {
	case killed := <-observedKilled:
		assert.True(t, killed)
	case <-time.After(time.Second):
		t.Fatal("killed sleeper never resumed")
	}

	_ = sc
}

func TestGetPPIDCrossNamespaceReturnsZero(t *testing.T) {
	mgr, sc := testSetup(t)

	childPPID := make(chan int, 1)
	done := make(chan struct{})

	parentBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		_, err := sc.Clone(ctx, func(cctx *scheduler.ProcContext, stop chan struct{}) {
			childPPID <- sc.GetPPID(cctx)
		})
		require.NoError(t, err)
		close(done)
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, parentBody)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("parent never finished cloning")
	}

	select {
	case ppid := <-childPPID:
		assert.Equal(t, 0, ppid)
	case <-time.After(time.Second):
		t.Fatal("cloned child never ran")
	}
}

// TestOrphanReparentsToNamespaceHeadFallback: a cloned namespace head forks
// a grandchild and exits while the grandchild lives. The namespace has lost
// its head, so the grandchild's new parent is found by walking up — here,
// the root init process.
func TestOrphanReparentsToNamespaceHeadFallback(t *testing.T) {
	mgr, sc := testSetup(t)

	grandchildIdx := make(chan int, 1)

	parentBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		_, err := sc.Clone(ctx, func(headCtx *scheduler.ProcContext, stop chan struct{}) {
			_, ferr := sc.Fork(headCtx, func(gctx *scheduler.ProcContext, stop chan struct{}) {
				grandchildIdx <- gctx.Proc.Index
				for i := 0; i < 50; i++ {
					gctx.Yield()
				}
			})
			require.NoError(t, ferr)
			sc.Exit(headCtx, 0)
		})
		require.NoError(t, err)
		// Reap the exited namespace head so its slot is genuinely gone.
		_, werr := sc.Wait(ctx, nil)
		require.NoError(t, werr)
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, parentBody)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	var gIdx int
	select {
	case gIdx = <-grandchildIdx:
	case <-time.After(2 * time.Second):
		t.Fatal("grandchild never ran")
	}

	gp := mgr.ProcTable.Get(gIdx)
	assert.Eventually(t, func() bool {
		mgr.WaitLock.Acquire(obs)
		defer mgr.WaitLock.Release(obs)
		return gp.ParentIdx == mgr.InitProcIdx
	}, 2*time.Second, time.Millisecond)
}

// TestIOAndSbrkAccounting drives the file and memory syscalls and checks
// the byte and page counters they feed.
func TestIOAndSbrkAccounting(t *testing.T) {
	mgr, sc := testSetup(t)

	type counters struct {
		read, written uint64
		pages         uint64
		memSize       int
	}
	result := make(chan counters, 1)

	body := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		fd, err := sc.Open(ctx)
		require.NoError(t, err)

		_, err = sc.Write(ctx, fd, 100)
		require.NoError(t, err)
		_, err = sc.Read(ctx, fd, 40)
		require.NoError(t, err)
		require.NoError(t, sc.Close(ctx, fd))

		_, err = sc.Sbrk(ctx, 8192)
		require.NoError(t, err)

		p := ctx.Proc
		result <- counters{
			read:    p.ReadBytes,
			written: p.WriteBytes,
			pages:   p.HeapPages,
			memSize: p.MemSize,
		}
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, body)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	select {
	case got := <-result:
		assert.Equal(t, uint64(40), got.read)
		assert.Equal(t, uint64(100), got.written)
		assert.Equal(t, uint64(2), got.pages)
		assert.Equal(t, 8192, got.memSize)
	case <-time.After(2 * time.Second):
		t.Fatal("body never finished its io")
	}
}

// TestWaitWithNoChildrenFailsWithoutBlocking: Wait by a childless process
// returns an error immediately.
func TestWaitWithNoChildrenFailsWithoutBlocking(t *testing.T) {
	mgr, sc := testSetup(t)

	waitErr := make(chan error, 1)
	body := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		_, err := sc.Wait(ctx, nil)
		waitErr <- err
	}

	ns := mgr.NSTable.Get(mgr.InitNSIdx)
	obs := observerCPU()
	p, err := mgr.AllocProcess(obs, ns, body)
	require.NoError(t, err)
	p.State = proctable.Runnable
	p.Lock.Release(obs)

	select {
	case err := <-waitErr:
		require.Error(t, err)
		assert.True(t, kerr.HasErrorCode(err, kerr.NoChildren))
	case <-time.After(time.Second):
		t.Fatal("childless wait blocked")
	}
}
