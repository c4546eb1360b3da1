package main

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/integrii/flaggy"
	"github.com/nsproc/kernelns/pkg/app"
	"github.com/nsproc/kernelns/pkg/config"
	"github.com/nsproc/kernelns/pkg/kernel/proctable"
	"github.com/nsproc/kernelns/pkg/kernel/scheduler"
	"github.com/nsproc/kernelns/pkg/utils"
	"github.com/jesseduffield/yaml"
	"github.com/samber/lo"
)

const DEFAULT_VERSION = "unversioned"

var (
	commit      string
	version     = DEFAULT_VERSION
	date        string
	buildSource = "unknown"

	configFlag    = false
	debuggingFlag = false
)

func main() {
	updateBuildInfo()

	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("kernelns")
	flaggy.SetDescription("A teaching-kernel process/namespace core, driven from the command line")
	flaggy.DefaultParser.AdditionalHelpPrepend = "https://github.com/nsproc/kernelns"

	flaggy.Bool(&configFlag, "c", "config", "Print the current default config")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.SetVersion(info)

	flaggy.Parse()

	if configFlag {
		var buf bytes.Buffer
		encoder := yaml.NewEncoder(&buf)
		err := encoder.Encode(config.GetDefaultConfig())
		if err != nil {
			log.Fatal(err.Error())
		}
		fmt.Printf("%v\n", buf.String())
		os.Exit(0)
	}

	projectDir, err := os.Getwd()
	if err != nil {
		log.Fatal(err.Error())
	}

	appConfig, err := config.NewAppConfig("kernelns", version, commit, date, buildSource, debuggingFlag, projectDir)
	if err != nil {
		log.Fatal(err.Error())
	}

	kernel, err := app.NewApp(appConfig)
	if err == nil {
		err = runDemo(kernel)
	}
	if kernel != nil {
		_ = kernel.Close()
	}

	if err != nil {
		log.Fatalf("kernelns: %s", err.Error())
	}
}

// runDemo drives a three-level clone against the booted kernel — root
// clones a child namespace, whose sole process clones another — checking
// the process count visible at every level, then prints the live process
// table. All List/Info calls happen from inside the dispatched process
// whose view they report, since those calls resolve their acting CPU
// identity from the process currently being dispatched.
func runDemo(kernel *app.App) error {
	mgr := kernel.Manager
	sc := kernel.Syscalls

	rootNS := mgr.NSTable.Get(mgr.InitNSIdx)

	level2Done := make(chan int, 1)
	level1Done := make(chan [2]int, 1)
	finished := make(chan struct{})

	rootBody := func(ctx *scheduler.ProcContext, stop chan struct{}) {
		defer close(finished)

		_, err := sc.Clone(ctx, func(ctx1 *scheduler.ProcContext, stop chan struct{}) {
			_, err := sc.Clone(ctx1, func(ctx2 *scheduler.ProcContext, stop chan struct{}) {
				count2, _ := kernel.PS.List(ctx2, -1, false)
				level2Done <- count2
				ctx2.Exit(0)
			})
			if err != nil {
				level1Done <- [2]int{0, 0}
				ctx1.Exit(0)
				return
			}

			count2 := <-level2Done
			count1, _ := kernel.PS.List(ctx1, -1, false)
			level1Done <- [2]int{count1, count2}
			ctx1.Exit(0)
		})
		if err != nil {
			return
		}

		ns1AndNs2 := <-level1Done
		rootCount, _ := kernel.PS.List(ctx, -1, false)
		fmt.Printf("root namespace sees %d processes, level-1 sees %d, level-2 sees %d\n",
			rootCount, ns1AndNs2[0], ns1AndNs2[1])

		count, pids := kernel.PS.List(ctx, kernel.Config.KernelConfig.NPROC, true)
		fmt.Printf("%d live processes:\n", count)
		for _, pid := range pids {
			info, ierr := kernel.PS.Info(ctx, pid)
			if ierr != nil {
				continue
			}
			fmt.Printf("  pid=%-4d state=%-8s name=%-16s ticks=%d\n",
				pid, info.State, info.ProcName, info.ProcTicks)
		}

		ctx.Exit(0)
	}

	p, err := mgr.AllocProcess(kernel.DriverCPU, rootNS, rootBody)
	if err != nil {
		return err
	}
	p.State = proctable.Runnable
	p.Lock.Release(kernel.DriverCPU)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		return fmt.Errorf("demo scenario did not complete in time")
	}
	return nil
}

func updateBuildInfo() {
	if version == DEFAULT_VERSION {
		if buildInfo, ok := debug.ReadBuildInfo(); ok {
			revision, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.revision"
			})
			if ok {
				commit = revision.Value
				// if kernelns was built from source we'll show the version as the
				// abbreviated commit hash
				version = utils.SafeTruncate(revision.Value, 7)
			}

			// if version hasn't been set we assume that neither has the date
			time, ok := lo.Find(buildInfo.Settings, func(setting debug.BuildSetting) bool {
				return setting.Key == "vcs.time"
			})
			if ok {
				date = time.Value
			}
		}
	}
}
