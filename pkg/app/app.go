// Package app wires the kernel's collaborators (config, logger, scheduler,
// syscalls, introspection) together into one value constructed once at
// boot.
package app

import (
	"io"
	"time"

	"github.com/nsproc/kernelns/pkg/config"
	"github.com/nsproc/kernelns/pkg/kernel/cpu"
	"github.com/nsproc/kernelns/pkg/kernel/proctable"
	"github.com/nsproc/kernelns/pkg/kernel/ps"
	"github.com/nsproc/kernelns/pkg/kernel/scheduler"
	"github.com/nsproc/kernelns/pkg/kernel/syscall"
	"github.com/nsproc/kernelns/pkg/log"
	"github.com/nsproc/kernelns/pkg/utils"
	"github.com/sirupsen/logrus"
)

// idleBody is the init process's own Body: it never does real work, only
// yields forever so the scheduler always has at least one RUNNABLE slot to
// dispatch while the rest of a scenario plays out. Init itself is exempt
// from exit (see kernel/syscall's teardown path).
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

// App struct
type App struct {
	closers []io.Closer

	Config   *config.AppConfig
	Log      *logrus.Entry
	Manager  *scheduler.Manager
	Syscalls *syscall.Syscalls
	PS       *ps.PS

	// DriverCPU is a standalone CPU identity for callers acting from
	// outside any process's own Body (main.go's scripted walkthrough, the
	// tests' out-of-band allocations). It is never handed to a scheduler
	// loop, so its lock acquisitions can't collide with a live runCPU
	// using the same identity on another slot.
	DriverCPU *cpu.CPU
}

// NewApp bootstraps a new kernel: builds the logger, constructs the
// scheduler.Manager sized per config, bootstraps the init process/
// namespace, starts the tick source and the per-CPU scheduler loops.
func NewApp(appConfig *config.AppConfig) (*App, error) {
	app := &App{
		closers: []io.Closer{},
		Config:  appConfig,
	}

	app.Log = log.NewLogger(appConfig)
	app.Manager = scheduler.New(appConfig.KernelConfig, app.Log)

	driverCPU := cpu.New(-1)
	if _, err := app.Manager.Bootstrap(driverCPU, "init", idleBody); err != nil {
		return app, err
	}
	app.DriverCPU = driverCPU

	app.Syscalls = syscall.New(app.Manager)
	app.PS = ps.New(app.Manager, appConfig.KernelConfig.StateSize, appConfig.KernelConfig.NameSize)

	period := time.Second / time.Duration(utils.Max(appConfig.KernelConfig.ClockHz, 1))
	app.Manager.Clock().Run(period)
	app.Manager.StartCPULoops()

	return app, nil
}

// Close stops the tick source and every per-CPU scheduler loop, then runs
// any registered closers.
func (app *App) Close() error {
	if app.Manager != nil {
		app.Manager.StopCPULoops()
		app.Manager.Clock().Stop()
	}
	return utils.CloseMany(app.closers)
}

// InitProc returns the process record backing the kernel's init process:
// the one process exit refuses to terminate, and the final fallback parent
// for orphans once every other namespace head has exited.
func (app *App) InitProc() *proctable.Proc {
	return app.Manager.ProcTable.Get(app.Manager.InitProcIdx)
}
