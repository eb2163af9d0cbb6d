package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/testbench/pkg/browser"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/fsutil"
	"github.com/ethpandaops/testbench/pkg/regression"
	"github.com/ethpandaops/testbench/pkg/store"
)

// latestRunScan bounds how many recent runs are searched for a completed one.
const latestRunScan = 50

var (
	baselineFromRun uint
	benchRunID      uint
	benchType       string
	benchLimit      int
)

var baselineCmd = &cobra.Command{
	Use:   "baseline",
	Short: "Inspect or reset the performance baseline",
}

var baselineShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the stored baseline durations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		monitor, err := newMonitor(cfg)
		if err != nil {
			return err
		}

		b, err := monitor.Load()
		if errors.Is(err, regression.ErrNoBaseline) {
			fmt.Printf("No baseline recorded at %s.\n", cfg.Regression.BaselineFile)

			return nil
		}

		if err != nil {
			return err
		}

		return browser.RenderBaseline(os.Stdout, b)
	},
}

var baselineResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove the baseline, or rebuild it from a completed run",
	Long: `Without --from-run the baseline file is removed and the next completed
run records a fresh one. With --from-run the baseline is overwritten with
that run's passed case durations, even when the baseline is pinned.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		monitor, err := newMonitor(cfg)
		if err != nil {
			return err
		}

		if baselineFromRun == 0 {
			removed, err := monitor.Remove()
			if err != nil {
				return err
			}

			if removed {
				fmt.Println("Baseline removed.")
			} else {
				fmt.Println("No baseline to remove.")
			}

			return nil
		}

		ctx := context.Background()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		durations, err := runAverages(ctx, st, baselineFromRun)
		if err != nil {
			return err
		}

		if err := monitor.Reset(durations); err != nil {
			return err
		}

		fmt.Printf("Baseline rebuilt from run %d with %d case(s).\n", baselineFromRun, len(durations))

		return nil
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Record and inspect performance benchmark samples",
}

var benchAddCmd = &cobra.Command{
	Use:   "add <type> <value> [unit]",
	Short: "Record a benchmark sample",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[1], err)
		}

		unit := ""
		if len(args) == 3 {
			unit = args[2]
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore(st)

		sample := &store.PerformanceBenchmark{
			BenchmarkType: args[0],
			Value:         value,
			Unit:          unit,
		}

		if benchRunID != 0 {
			if _, err := st.GetRun(ctx, benchRunID); err != nil {
				return fmt.Errorf("run %d: %w", benchRunID, err)
			}

			runID := benchRunID
			sample.TestRunID = &runID
		}

		if err := st.RecordBenchmark(ctx, sample); err != nil {
			return err
		}

		fmt.Printf("Recorded %s sample %d.\n", sample.BenchmarkType, sample.ID)

		return nil
	},
}

var benchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List benchmark samples, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBrowser(func(ctx context.Context, _ *config.Config, b *browser.Browser) error {
			samples, err := b.Benchmarks(ctx, benchType, benchLimit)
			if err != nil {
				return err
			}

			return browser.RenderBenchmarks(os.Stdout, samples)
		})
	},
}

var benchCheckCmd = &cobra.Command{
	Use:   "check [runId]",
	Short: "Check a completed run against the baseline without updating it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBenchCheck,
}

func init() {
	baselineResetCmd.Flags().UintVar(&baselineFromRun, "from-run", 0, "rebuild the baseline from this run")
	baselineCmd.AddCommand(baselineShowCmd, baselineResetCmd)

	benchAddCmd.Flags().UintVar(&benchRunID, "run", 0, "associate the sample with a run")
	benchListCmd.Flags().StringVar(&benchType, "type", "", "only list samples of this type")
	benchListCmd.Flags().IntVar(&benchLimit, "limit", defaultListLimit, "maximum number of samples")
	benchCmd.AddCommand(benchAddCmd, benchListCmd, benchCheckCmd)

	rootCmd.AddCommand(baselineCmd, benchCmd)
}

func runBenchCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var runID uint

	if len(args) == 1 {
		if runID, err = parseRunID(args[0]); err != nil {
			return err
		}
	}

	monitor, err := newMonitor(cfg)
	if err != nil {
		return err
	}

	if _, err := monitor.Load(); err != nil {
		if errors.Is(err, regression.ErrNoBaseline) {
			return fmt.Errorf("%w: run the suite or 'baseline reset --from-run' first", err)
		}

		return err
	}

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	if runID == 0 {
		run, err := latestCompletedRun(ctx, st)
		if err != nil {
			return err
		}

		runID = run.ID
	}

	durations, err := runAverages(ctx, st, runID)
	if err != nil {
		return err
	}

	report, err := monitor.Check(durations)
	if err != nil {
		return err
	}

	fmt.Printf("Run %d against baseline %s\n\n", runID, cfg.Regression.BaselineFile)

	if err := browser.RenderRegression(os.Stdout, report); err != nil {
		return err
	}

	if report.HasRegressions() && cfg.Regression.Enforce {
		return fmt.Errorf("%d performance regression(s) detected", report.Regressions)
	}

	return nil
}

func newMonitor(cfg *config.Config) (*regression.Monitor, error) {
	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return nil, fmt.Errorf("parsing results_owner: %w", err)
	}

	return regression.NewMonitor(log, &cfg.Regression, owner), nil
}

// runAverages returns the passed-case durations of a run.
func runAverages(ctx context.Context, st store.Store, runID uint) (map[string]float64, error) {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", browser.ErrRunNotFound, runID)
		}

		return nil, err
	}

	if run.Status == store.RunRunning {
		return nil, fmt.Errorf("run %d has not finished", runID)
	}

	execs, err := st.ListExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	durations := regression.Averages(execs)
	if len(durations) == 0 {
		return nil, fmt.Errorf("run %d has no passed executions", runID)
	}

	return durations, nil
}

func latestCompletedRun(ctx context.Context, st store.Store) (*store.TestRun, error) {
	runs, err := st.ListRuns(ctx, latestRunScan)
	if err != nil {
		return nil, err
	}

	for i := range runs {
		if runs[i].Status == store.RunCompleted {
			return &runs[i], nil
		}
	}

	return nil, fmt.Errorf("no completed run among the last %d runs", latestRunScan)
}
