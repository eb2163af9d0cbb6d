package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/testbench/pkg/browser"
	"github.com/ethpandaops/testbench/pkg/cases"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/executor"
	"github.com/ethpandaops/testbench/pkg/fsutil"
	"github.com/ethpandaops/testbench/pkg/normalize"
	"github.com/ethpandaops/testbench/pkg/regression"
	"github.com/ethpandaops/testbench/pkg/runner"
	"github.com/ethpandaops/testbench/pkg/upload"
	"github.com/ethpandaops/testbench/pkg/validate"
)

var (
	runFilter      string
	runConcurrency int
	runNoProgress  bool
	runPinBaseline bool
	runNoBaseline  bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the test suite",
	Long: `Discover every case, run the subject binary for each one, validate its
output and record the run in the results database. Exits non-zero when any
execution failed or an enforced performance regression was detected.`,
	Args: cobra.NoArgs,
	RunE: runSuite,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runFilter, "filter", "", "only run cases whose name contains this string")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "j", 0, "number of cases to run in parallel")
	runCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "disable the progress bar")
	runCmd.Flags().BoolVar(&runPinBaseline, "pin-baseline", false, "check against the baseline without updating it")
	runCmd.Flags().BoolVar(&runNoBaseline, "no-baseline", false, "skip the performance baseline check")
}

func runSuite(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if runFilter != "" {
		cfg.Suite.Filter = runFilter
	}

	if runConcurrency > 0 {
		cfg.Suite.Concurrency = runConcurrency
	}

	if runPinBaseline {
		cfg.Regression.Pin = true
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	logPath, closeLog, err := teeRunLog(cfg, owner)
	if err != nil {
		return err
	}
	defer closeLog()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	var uploader upload.Uploader

	if cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(ctx, log, &cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}

		// Fail fast: verify S3 is reachable and writable before running cases.
		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("S3 upload preflight check failed: %w", err)
		}

		log.Info("S3 upload preflight check passed")
	}

	norm, err := normalize.FromConfig(&cfg.Normalize)
	if err != nil {
		return fmt.Errorf("building normalizer: %w", err)
	}

	discoverer, err := cases.NewDiscoverer(log, &cfg.Suite)
	if err != nil {
		return fmt.Errorf("creating discoverer: %w", err)
	}

	opts := make([]runner.Option, 0, 2)

	if !runNoBaseline {
		opts = append(opts, runner.WithMonitor(regression.NewMonitor(log, &cfg.Regression, owner)))
	}

	var progress *progressReporter
	if !runNoProgress {
		progress = &progressReporter{}
		opts = append(opts, runner.WithReporter(progress))
	}

	r := runner.NewRunner(
		log,
		&runner.Config{
			Suite:      &cfg.Suite,
			ResultsDir: cfg.Global.ResultsDir,
			LogsDir:    cfg.LogsDir(),
			LogFile:    logPath,
			Owner:      owner,
		},
		st,
		executor.NewExecutor(log, &cfg.Suite),
		discoverer,
		validate.New(norm, &cfg.Validation),
		opts...,
	)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	summary, err := r.Run(ctx)

	if progress != nil {
		progress.finish()
	}

	if err != nil {
		return fmt.Errorf("running suite: %w", err)
	}

	b := browser.New(log, st, cfg.Validation.DiffPreviewChars, browser.WithHost(summary.Host))

	if err := printSummary(ctx, b, summary); err != nil {
		return err
	}

	data, err := b.Export(ctx, summary.Run.ID, browser.FormatJSON)
	if err != nil {
		return fmt.Errorf("exporting run: %w", err)
	}

	exportPath := filepath.Join(cfg.ExportsDir(), fmt.Sprintf("run-%d.json", summary.Run.ID))

	if err := fsutil.MkdirAll(cfg.ExportsDir(), 0o755, owner); err != nil {
		return fmt.Errorf("creating exports directory: %w", err)
	}

	if err := fsutil.WriteFile(exportPath, data, 0o644, owner); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}

	log.WithField("path", exportPath).Info("Run export written")

	if uploader != nil {
		uploadRunArtifacts(ctx, cfg, uploader, summary, data, logPath)
	}

	if summary.Failed() {
		return fmt.Errorf("%d of %d execution(s) failed", summary.Run.FailedTests, summary.Run.TotalTests)
	}

	if rep := summary.Regression; rep != nil && rep.HasRegressions() && cfg.Regression.Enforce {
		return fmt.Errorf("%d performance regression(s) above %.0f%% threshold",
			rep.Regressions, rep.Threshold*100)
	}

	return nil
}

// teeRunLog mirrors the logger into <logs>/<unix>_<uuid8>.log and returns
// the file path plus a func restoring stderr-only logging.
func teeRunLog(cfg *config.Config, owner *fsutil.OwnerConfig) (string, func(), error) {
	if err := fsutil.MkdirAll(cfg.LogsDir(), 0o755, owner); err != nil {
		return "", nil, fmt.Errorf("creating logs directory: %w", err)
	}

	name := fmt.Sprintf("%d_%s.log", time.Now().Unix(), uuid.New().String()[:8])
	path := filepath.Join(cfg.LogsDir(), name)

	f, err := fsutil.Create(path, owner)
	if err != nil {
		return "", nil, fmt.Errorf("creating run log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.WithField("path", path).Debug("Run log opened")

	return path, func() {
		log.SetOutput(os.Stderr)
		_ = f.Close()
	}, nil
}

func printSummary(ctx context.Context, b *browser.Browser, summary *runner.Summary) error {
	detail, err := b.Show(ctx, summary.Run.ID)
	if err != nil {
		return err
	}

	fmt.Println()

	if err := browser.RenderRun(os.Stdout, detail); err != nil {
		return err
	}

	if summary.Run.FailedTests > 0 {
		failures, err := b.Failures(ctx, summary.Run.ID)
		if err != nil {
			return err
		}

		if len(failures) > 0 {
			fmt.Println()

			if err := browser.RenderFailures(os.Stdout, summary.Run.ID, failures); err != nil {
				return err
			}
		}
	}

	if summary.Regression != nil {
		fmt.Println()

		return browser.RenderRegression(os.Stdout, summary.Regression)
	}

	return nil
}

// uploadRunArtifacts publishes the JSON export and, if configured, the run
// log. Upload failures are logged and never change the run's outcome.
func uploadRunArtifacts(
	ctx context.Context,
	cfg *config.Config,
	uploader upload.Uploader,
	summary *runner.Summary,
	export []byte,
	logPath string,
) {
	uploadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	runDir := upload.RunDir(summary.Run.ID, summary.Run.RunTimestamp)
	logger := log.WithFields(logrus.Fields{"run_id": summary.Run.ID, "dir": runDir})

	if _, err := uploader.UploadBytes(uploadCtx, runDir, "run.json", export); err != nil {
		logger.WithError(err).Warn("Failed to upload run export")
	}

	if !cfg.Upload.S3.UploadLogs {
		return
	}

	if _, err := uploader.UploadFile(uploadCtx, runDir, logPath); err != nil {
		logger.WithError(err).Warn("Failed to upload run log")
	}
}
