package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"text/tabwriter"

	"github.com/pkg/browser"
	"github.com/sarchlab/vmswap/datarecording"
	"github.com/sarchlab/vmswap/mem/frame"
	"github.com/sarchlab/vmswap/mem/vm/eviction"
	"github.com/sarchlab/vmswap/mem/vm/ledger"
	"github.com/sarchlab/vmswap/mem/vm/paging"
	"github.com/sarchlab/vmswap/mem/vm/swap"
	"github.com/sarchlab/vmswap/monitoring"
	"github.com/sarchlab/vmswap/sim"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RunConfig holds everything a run needs besides the workload.
type RunConfig struct {
	Policy          string
	Frames          int
	SwapDir         string
	Record          string
	Monitor         bool
	MonitorPort     int
	OpenBrowser     bool
	KillOnSwapError bool
	EagerCopy       bool
	ParallelIDs     bool
	LogLevel        string
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run WORKLOAD.yaml",
		Short: "Replay a workload and print the statistics of every process.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := runConfigFromFlags(cmd)
			if err != nil {
				return err
			}

			w, err := LoadWorkloadFile(args[0])
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return Run(ctx, config, w, cmd.OutOrStdout())
		},
	}

	flags := runCmd.Flags()
	flags.String("policy", "scfifo",
		"The eviction policy. Overrides "+EnvPolicy+".")
	flags.Int("frames", 1024,
		"The number of physical frames. Overrides "+EnvFrames+".")
	flags.String("swap-dir", "",
		"The directory of the swap files. Swap stays in memory if empty. "+
			"Overrides "+EnvSwapDir+".")
	flags.String("record", "",
		"Record paging events to a SQLite file, or to ClickHouse with a "+
			"clickhouse:// address.")
	flags.Bool("monitor", false, "Serve the address spaces over HTTP.")
	flags.Int("monitor-port", 0,
		"The port of the monitoring server. A random port is used if 0.")
	flags.Bool("open", false,
		"Open the monitoring page in a browser. Requires --monitor.")
	flags.Bool("kill-on-swap-error", false,
		"Kill the process instead of aborting when swap I/O fails.")
	flags.Bool("eager-copy", false,
		"Copy all pages at fork instead of sharing them until written.")
	flags.Bool("parallel-ids", false,
		"Generate globally unique address-space ids.")
	flags.String("log-level", "warn",
		"The log level. Overrides "+EnvLogLevel+".")

	return runCmd
}

func runConfigFromFlags(cmd *cobra.Command) (RunConfig, error) {
	flags := cmd.Flags()
	c := RunConfig{}

	c.Policy, _ = flags.GetString("policy")
	c.Frames, _ = flags.GetInt("frames")
	c.SwapDir, _ = flags.GetString("swap-dir")
	c.Record, _ = flags.GetString("record")
	c.Monitor, _ = flags.GetBool("monitor")
	c.MonitorPort, _ = flags.GetInt("monitor-port")
	c.OpenBrowser, _ = flags.GetBool("open")
	c.KillOnSwapError, _ = flags.GetBool("kill-on-swap-error")
	c.EagerCopy, _ = flags.GetBool("eager-copy")
	c.ParallelIDs, _ = flags.GetBool("parallel-ids")
	c.LogLevel, _ = flags.GetString("log-level")

	if v, ok := envOverride(cmd, "policy", EnvPolicy); ok {
		c.Policy = v
	}

	if v, ok := envOverride(cmd, "swap-dir", EnvSwapDir); ok {
		c.SwapDir = v
	}

	if v, ok := envOverride(cmd, "log-level", EnvLogLevel); ok {
		c.LogLevel = v
	}

	if v, ok := envOverride(cmd, "frames", EnvFrames); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, fmt.Errorf("%s: %w", EnvFrames, err)
		}

		c.Frames = n
	}

	return c, nil
}

// envOverride returns the environment value for a flag the user did not set.
func envOverride(cmd *cobra.Command, flag, env string) (string, bool) {
	if cmd.Flags().Changed(flag) {
		return "", false
	}

	return os.LookupEnv(env)
}

// Run replays a workload according to the config and writes the report to
// out.
func Run(
	ctx context.Context,
	config RunConfig,
	w *Workload,
	out io.Writer,
) (err error) {
	logger, err := newLogger(config.LogLevel)
	if err != nil {
		return err
	}

	if config.ParallelIDs {
		sim.UseParallelIDGenerator()
	}

	builder, closeRecorder, err := buildAddressSpaceBuilder(config, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, closeRecorder())
	}()

	maintainer := paging.NewMaintainer()
	runner := NewRunner(builder, maintainer, logger)

	if config.Monitor {
		monitor := monitoring.NewMonitor().WithPortNumber(config.MonitorPort)
		monitor.RegisterMaintainer(maintainer)
		port := monitor.StartServer()

		if config.OpenBrowser {
			url := fmt.Sprintf("http://localhost:%d", port)
			if err := browser.OpenURL(url); err != nil {
				logger.WithError(err).Warn("cannot open a browser")
			}
		}

		bar := monitor.CreateProgressBar("workload", uint64(len(w.Ops)))
		defer monitor.CompleteProgressBar(bar)

		runner.OnOp = func(int, Op) { bar.IncrementFinished(1) }
	}

	runErr := runner.Run(ctx, w)
	reports := runner.Reports()
	closeErr := runner.Close()

	if runErr != nil {
		return errors.Join(runErr, closeErr)
	}

	writeReports(out, reports)

	if config.Monitor {
		logger.Warn("workload done, press Ctrl-C to stop the monitor")
		<-ctx.Done()
	}

	return closeErr
}

func buildAddressSpaceBuilder(
	config RunConfig,
	logger *logrus.Logger,
) (paging.Builder, func() error, error) {
	noop := func() error { return nil }

	policy, err := eviction.Parse(config.Policy)
	if err != nil {
		return paging.Builder{}, noop, err
	}

	if config.Frames <= 0 {
		return paging.Builder{}, noop,
			fmt.Errorf("frames must be positive, got %d", config.Frames)
	}

	var swapFactory swap.Factory = swap.MemFactory{NumSlots: ledger.SwapCapacity}
	if config.SwapDir != "" {
		swapFactory = swap.FileFactory{Dir: config.SwapDir}
	}

	builder := paging.MakeBuilder().
		WithFrames(frame.NewPool(config.Frames)).
		WithPolicy(policy).
		WithSwapFactory(swapFactory).
		WithKillOnSwapError(config.KillOnSwapError).
		WithCopyOnWrite(!config.EagerCopy).
		WithHook(paging.NewLogHook(logger))

	if config.Record == "" {
		return builder, noop, nil
	}

	recorder, err := datarecording.NewDataRecorderWithConfig(
		datarecording.ParseTarget(config.Record))
	if err != nil {
		return paging.Builder{}, noop, err
	}

	events := paging.NewEventRecorder(recorder)
	closeRecorder := func() error {
		events.Flush()
		return recorder.Close()
	}

	return builder.WithHook(events), closeRecorder, nil
}

func writeReports(out io.Writer, reports []ProcessReport) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "PID\tPOLICY\tSIZE\tSTATE\tALLOCATED\tFAULTS\t"+
		"PROT_FAULTS\tCOW_COPIES\tPAGED_OUT\tSWAPPED")

	for _, r := range reports {
		state := "running"

		switch {
		case r.Killed:
			state = "killed"
		case r.Exited:
			state = "exited"
		}

		fmt.Fprintf(tw, "%d\t%s\t%#x\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.PID, r.Policy, r.Size, state,
			r.Stats.AllocatedPages,
			r.Stats.PageFaults,
			r.Stats.ProtectionFaults,
			r.Stats.CopyOnWriteCopies,
			r.Stats.TotalPagedOut,
			r.Stats.CurrentPagedOut)
	}

	tw.Flush()
}
