package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/pkg/browser"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/sarchlab/ahcisim/ahci"
	"github.com/sarchlab/ahcisim/monitoring"
	"github.com/sarchlab/ahcisim/sim"
)

type runFlags struct {
	image     string
	sizeMiB   uint64
	ports     int
	latency   int
	perSector int
	policy    string
	workers   int
	cdrom     bool
	trace     string
	globalIDs bool

	ops     int
	sectors int
	failAt  int
	seed    int64

	monitor     bool
	monitorPort int
	open        bool
	hold        bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a write/read/verify workload through the guest driver",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cmd.SilenceUsage = true
		return runWorkload(cmd.OutOrStdout(), runOpts)
	},
}

func init() {
	f := runCmd.Flags()

	f.StringVar(&runOpts.image, "image", "",
		"raw image backing the first disk, created if missing")
	f.Uint64Var(&runOpts.sizeMiB, "size", 64, "disk size in MiB")
	f.IntVar(&runOpts.ports, "ports", 1, "number of disks")
	f.IntVar(&runOpts.latency, "latency", 10000,
		"cycles per request of the timed engine")
	f.IntVar(&runOpts.perSector, "per-sector", 0,
		"extra cycles per sector of the timed engine")
	f.StringVar(&runOpts.policy, "error-policy", "report",
		"queued command failure policy: report, ignore or stop")
	f.IntVar(&runOpts.workers, "workers", 0,
		"worker goroutines per disk, 0 uses the timed engine")
	f.BoolVar(&runOpts.cdrom, "cdrom", false, "attach an ATAPI drive")
	f.StringVar(&runOpts.trace, "trace", "",
		"write a task trace to this SQLite database")
	f.BoolVar(&runOpts.globalIDs, "global-ids", false,
		"use globally unique task ids so traces of several runs can be merged")

	f.IntVar(&runOpts.ops, "ops", 100, "operations per disk")
	f.IntVar(&runOpts.sectors, "sectors", 256, "maximum sectors per operation")
	f.IntVar(&runOpts.failAt, "fail-at", -1,
		"fail the backing store during this operation")
	f.Int64Var(&runOpts.seed, "seed", 1, "random seed")

	f.BoolVar(&runOpts.monitor, "monitor", false, "start the monitoring server")
	f.IntVar(&runOpts.monitorPort, "monitor-port", 0,
		"monitoring server port, 0 picks one")
	f.BoolVar(&runOpts.open, "open", false, "open the monitor in a browser")
	f.BoolVar(&runOpts.hold, "hold", false,
		"keep the monitor running until interrupted")

	rootCmd.AddCommand(runCmd)
}

func (f runFlags) systemConfig() (systemConfig, error) {
	policy, err := ahci.ParseErrorPolicy(f.policy)
	if err != nil {
		return systemConfig{}, err
	}

	return systemConfig{
		image:     f.image,
		sizeMiB:   f.sizeMiB,
		ports:     f.ports,
		latency:   f.latency,
		perSector: f.perSector,
		policy:    policy,
		workers:   f.workers,
		cdrom:     f.cdrom,
		trace:     f.trace,
	}, nil
}

func (f runFlags) workloadConfig(policy ahci.ErrorPolicy) (workloadConfig, error) {
	if f.ops < 0 || f.sectors < 1 {
		return workloadConfig{}, fmt.Errorf(
			"invalid workload: %d ops of up to %d sectors", f.ops, f.sectors)
	}

	return workloadConfig{
		ops:     f.ops,
		sectors: f.sectors,
		failAt:  f.failAt,
		seed:    f.seed,
		policy:  policy,
	}, nil
}

func runWorkload(out io.Writer, f runFlags) error {
	sysCfg, err := f.systemConfig()
	if err != nil {
		return err
	}

	wlCfg, err := f.workloadConfig(sysCfg.policy)
	if err != nil {
		return err
	}

	if f.globalIDs {
		sim.UseParallelIDGenerator()
	}

	s, err := buildSystem(sysCfg)
	if err != nil {
		return err
	}
	defer s.Close()

	var monitor *monitoring.Monitor
	if f.monitor {
		monitor = startMonitor(s, f)
		defer monitor.StopServer()
	}

	results := make([]workloadResult, 0, len(s.driver.Ports()))
	for _, p := range s.driver.Ports() {
		w := newWorkload(wlCfg, p, s.Fault(p.Index()))
		if monitor != nil {
			w.bar = monitor.CreateProgressBar(
				fmt.Sprintf("port %d", p.Index()), uint64(wlCfg.ops))
		}

		res, err := w.run()
		if monitor != nil {
			monitor.CompleteProgressBar(w.bar)
		}

		if err != nil {
			return err
		}

		results = append(results, res)
	}

	printSummary(out, s, results)

	if monitor != nil && f.hold {
		waitForInterrupt()
	}

	return nil
}

func startMonitor(s *system, f runFlags) *monitoring.Monitor {
	m := monitoring.NewMonitor().WithPortNumber(f.monitorPort)
	m.RegisterEngine(s.engine)
	m.RegisterController(s.ctrl)
	m.RegisterLatencyTracer(s.latency)

	url := m.StartServer()
	if f.open {
		if err := browser.OpenURL(url); err != nil {
			klog.ErrorS(err, "opening browser", "url", url)
		}
	}

	return m
}

func waitForInterrupt() {
	klog.Info("monitor running, press Ctrl-C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	signal.Stop(sig)
}

func printSummary(out io.Writer, s *system, results []workloadResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "PORT\tOPS\tBYTES\tINJECTED\tERRORS\tHALTS\tLOST")
	for _, r := range results {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Port, r.Ops, r.Bytes, r.Injected, r.Errors, r.Halts, r.Lost)
	}
	w.Flush()

	fmt.Fprintln(out)
	for _, p := range s.driver.Ports() {
		fmt.Fprintf(out, "port %d: %s\n", p.Index(), p.Stats())
	}

	if stats := s.latency.Stats(); len(stats) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(w, "TASK\tCOUNT\tAVERAGE\tMAX")
		for _, st := range stats {
			fmt.Fprintf(w, "%s\t%d\t%.9f\t%.9f\n",
				st.What, st.Count, float64(st.Average), float64(st.Max))
		}
		w.Flush()
	}

	if names := s.steps.StepNames(); len(names) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(w, "STEP\tTIMES\tCOMMANDS")
		for _, name := range names {
			fmt.Fprintf(w, "%s\t%d\t%d\n",
				name, s.steps.StepCount(name), s.steps.TaskCount(name))
		}
		w.Flush()
	}
}
