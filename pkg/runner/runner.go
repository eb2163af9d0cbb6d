package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/testbench/pkg/cases"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/executor"
	"github.com/ethpandaops/testbench/pkg/fsutil"
	"github.com/ethpandaops/testbench/pkg/normalize"
	"github.com/ethpandaops/testbench/pkg/regression"
	"github.com/ethpandaops/testbench/pkg/store"
	"github.com/ethpandaops/testbench/pkg/sysinfo"
	"github.com/ethpandaops/testbench/pkg/validate"
)

// Benchmark types recorded after every finalized run.
const (
	BenchmarkSuiteDuration = "suite_duration"
	BenchmarkPeakMemory    = "peak_memory"
)

// Runner drives a full suite run: discovery, execution, validation and
// persistence.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// Run executes every discovered case once and finalizes the run.
	Run(ctx context.Context) (*Summary, error)
}

// Config for the runner.
type Config struct {
	Suite      *config.SuiteConfig
	ResultsDir string
	LogsDir    string
	// LogFile is the per-run log path recorded on the run row.
	LogFile string
	Owner   *fsutil.OwnerConfig
}

// Reporter observes run progress.
type Reporter interface {
	RunStarted(runID uint, cases int)
	CaseFinished(result *CaseResult)
}

type nopReporter struct{}

func (nopReporter) RunStarted(uint, int)     {}
func (nopReporter) CaseFinished(*CaseResult) {}

// Option configures optional runner collaborators.
type Option func(*runner)

// WithReporter sets the progress observer.
func WithReporter(rep Reporter) Option {
	return func(r *runner) { r.reporter = rep }
}

// WithMonitor enables the baseline check after completed runs.
func WithMonitor(m *regression.Monitor) Option {
	return func(r *runner) { r.monitor = m }
}

// CaseResult is the recorded verdict of one case.
type CaseResult struct {
	Name        string
	ExecutionID uint
	Status      string
	Duration    time.Duration
	MemoryMB    *float64
	ExitCode    *int
	Message     string
	Validations []*validate.Outcome
}

// Summary is the outcome of a run.
type Summary struct {
	Run        *store.TestRun
	Cases      []*CaseResult
	Duration   time.Duration
	Host       *sysinfo.Info
	Regression *regression.Report
}

// Failed reports whether any execution failed.
func (s *Summary) Failed() bool {
	return s.Run.FailedTests > 0
}

// NewRunner creates a new runner instance.
func NewRunner(
	log logrus.FieldLogger,
	cfg *Config,
	st store.Store,
	exec executor.Executor,
	discoverer cases.Discoverer,
	validator *validate.Validator,
	opts ...Option,
) Runner {
	r := &runner{
		log:        log.WithField("component", "runner"),
		cfg:        cfg,
		store:      st,
		executor:   exec,
		discoverer: discoverer,
		validator:  validator,
		reporter:   nopReporter{},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

type runner struct {
	log        logrus.FieldLogger
	cfg        *Config
	store      store.Store
	executor   executor.Executor
	discoverer cases.Discoverer
	validator  *validate.Validator
	monitor    *regression.Monitor
	reporter   Reporter
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Start ensures the results directories exist.
func (r *runner) Start(ctx context.Context) error {
	for _, dir := range []string{r.cfg.ResultsDir, r.cfg.LogsDir} {
		if dir == "" {
			continue
		}

		if err := fsutil.MkdirAll(dir, 0o755, r.cfg.Owner); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	r.log.Debug("Runner started")

	return nil
}

// Stop implements Runner.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

// Run implements Runner.
func (r *runner) Run(ctx context.Context) (*Summary, error) {
	if err := r.executor.Preflight(); err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}

	host := sysinfo.Collect(ctx, r.log)
	r.log.WithFields(host.Fields()).Info("Host information")

	found, err := r.discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering cases: %w", err)
	}

	started := time.Now()

	run := &store.TestRun{LogFile: r.cfg.LogFile}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	log := r.log.WithField("run_id", run.ID)
	log.WithFields(logrus.Fields{
		"cases":  len(found),
		"binary": r.executor.Binary(),
	}).Info("Test run started")

	r.reporter.RunStarted(run.ID, len(found))

	if err := r.loadExpected(ctx, found); err != nil {
		return nil, r.abort(ctx, run.ID, err)
	}

	results, err := r.runCases(ctx, run.ID, found)
	if err != nil {
		return nil, r.abort(ctx, run.ID, err)
	}

	final, err := r.store.FinalizeRun(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("finalizing run: %w", err)
	}

	elapsed := time.Since(started)

	summary := &Summary{
		Run:      final,
		Cases:    results,
		Duration: elapsed,
		Host:     host,
	}

	r.recordBenchmarks(ctx, summary)

	log.WithFields(logrus.Fields{
		"status":   final.Status,
		"total":    final.TotalTests,
		"passed":   final.PassedTests,
		"failed":   final.FailedTests,
		"skipped":  final.SkippedTests,
		"duration": elapsed.Round(time.Millisecond),
	}).Info("Test run finished")

	if r.monitor != nil && final.Status == store.RunCompleted {
		report, err := r.checkBaseline(ctx, final.ID)
		if err != nil {
			log.WithError(err).Warn("Baseline check failed")
		}

		summary.Regression = report
	}

	return summary, nil
}

// abort handles a fatal error after the run row exists. Interrupts leave
// the run in the running state; anything else finalizes it so dangling
// executions are closed as failed.
func (r *runner) abort(ctx context.Context, runID uint, cause error) error {
	if ctx.Err() != nil {
		r.log.WithField("run_id", runID).Warn("Test run interrupted, leaving run in running state")

		return fmt.Errorf("run interrupted: %w", cause)
	}

	if _, err := r.store.FinalizeRun(context.WithoutCancel(ctx), runID); err != nil {
		r.log.WithError(err).Error("Failed to finalize aborted run")
	}

	return cause
}

// loadExpected upserts every readable fixture into the expected results.
func (r *runner) loadExpected(ctx context.Context, found []*cases.Case) error {
	loaded := 0

	for _, c := range found {
		if c.LoadErr != nil {
			continue
		}

		for _, fx := range cases.LoadFixtures(c, normalize.Canonicalize) {
			if fx.Err != nil {
				r.log.WithError(fx.Err).WithFields(logrus.Fields{
					"case":   c.Name,
					"format": fx.Format,
				}).Warn("Fixture not loaded")

				continue
			}

			if err := r.store.UpsertExpectedResult(ctx, &store.ExpectedResult{
				TestName:        c.Name,
				OutputFormat:    fx.Format,
				ExpectedContent: *fx.Content,
			}); err != nil {
				return fmt.Errorf("storing expected result: %w", err)
			}

			loaded++
		}
	}

	r.log.WithField("fixtures", loaded).Debug("Loaded expected results")

	return nil
}

// runCases runs every case through the pipeline with bounded concurrency.
// Results are returned sorted by case name.
func (r *runner) runCases(ctx context.Context, runID uint, found []*cases.Case) ([]*CaseResult, error) {
	limit := r.cfg.Suite.Concurrency
	if limit < 1 {
		limit = 1
	}

	var (
		mu      sync.Mutex
		results = make([]*CaseResult, 0, len(found))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, c := range found {
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			res, err := r.runCase(gctx, runID, c)
			if err != nil {
				return err
			}

			mu.Lock()
			results = append(results, res)
			mu.Unlock()

			r.reporter.CaseFinished(res)

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Name < results[j].Name
	})

	return results, nil
}

// runCase executes, validates and records one case. Returned errors are
// fatal for the whole run; case-level problems become statuses.
func (r *runner) runCase(ctx context.Context, runID uint, c *cases.Case) (*CaseResult, error) {
	log := r.log.WithField("case", c.Name)

	exec := &store.TestExecution{
		TestRunID:        runID,
		TestName:         c.Name,
		TestDirectory:    c.Dir,
		ExpectedExitCode: c.ExpectedExitCode,
	}

	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution for %s: %w", c.Name, err)
	}

	res := &CaseResult{Name: c.Name, ExecutionID: exec.ID}

	switch {
	case c.LoadErr != nil:
		res.Status = store.ExecFailed
		res.Message = fmt.Sprintf("invalid case configuration: %v", c.LoadErr)
	case !c.Satisfiable():
		res.Status = store.ExecSkipped
		res.Message = "missing required tools: " + strings.Join(c.MissingTools, ", ")

		log.WithField("missing", c.MissingTools).Info("Skipping case")
	default:
		if err := r.executeCase(ctx, c, exec.ID, res); err != nil {
			r.completeAfterFatal(ctx, exec, err)

			return nil, err
		}
	}

	exec.Status = res.Status
	exec.DurationSeconds = res.Duration.Seconds()
	exec.MemoryMB = res.MemoryMB
	exec.ExitCode = res.ExitCode

	if res.Message != "" {
		msg := res.Message
		exec.ErrorMessage = &msg
	}

	if err := r.store.CompleteExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("recording execution for %s: %w", c.Name, err)
	}

	log.WithFields(logrus.Fields{
		"status":   res.Status,
		"duration": res.Duration.Round(time.Millisecond),
	}).Debug("Case recorded")

	return res, nil
}

// completeAfterFatal marks the in-flight execution failed unless the run
// was interrupted, in which case it is left running.
func (r *runner) completeAfterFatal(ctx context.Context, exec *store.TestExecution, cause error) {
	if ctx.Err() != nil {
		return
	}

	msg := cause.Error()
	exec.Status = store.ExecFailed
	exec.ErrorMessage = &msg

	if err := r.store.CompleteExecution(context.WithoutCancel(ctx), exec); err != nil {
		r.log.WithError(err).WithField("case", exec.TestName).Error("Failed to record aborted execution")
	}
}

// executeCase runs the subject and fills res with the verdict.
func (r *runner) executeCase(ctx context.Context, c *cases.Case, execID uint, res *CaseResult) error {
	log := r.log.WithField("case", c.Name)

	out, err := r.invoke(ctx, c, c.Args)
	if err != nil {
		var caseErr *caseError
		if errors.As(err, &caseErr) {
			res.Status = store.ExecFailed
			res.Message = caseErr.Error()

			return nil
		}

		return err
	}

	code := out.ExitCode
	res.Duration = out.Duration
	res.MemoryMB = out.PeakMemoryMB()
	res.ExitCode = &code

	if out.TimedOut {
		res.Status = store.ExecFailed
		res.Message = fmt.Sprintf("timed out after %s", r.timeout())

		return nil
	}

	if code != c.ExpectedExitCode {
		res.Status = store.ExecFailed
		res.Message = fmt.Sprintf("exit code %d, expected %d", code, c.ExpectedExitCode)

		if stderr := strings.TrimSpace(out.Stderr); stderr != "" {
			res.Message += ": " + firstLine(stderr)
		}

		return nil
	}

	r.adviseCase(log, c, out)

	formats := c.ExpectedFormats()
	if len(formats) == 0 {
		res.Status = store.ExecPassed

		return nil
	}

	primary := c.PrimaryFormat(r.cfg.Suite.PrimaryFormat)

	var failed []string

	for _, format := range formats {
		outcome, err := r.validateFormat(ctx, c, format, primary, out)
		if err != nil {
			return err
		}

		if err := r.store.CreateValidation(ctx, toValidation(execID, outcome)); err != nil {
			return fmt.Errorf("recording validation for %s/%s: %w", c.Name, format, err)
		}

		res.Validations = append(res.Validations, outcome)

		if !outcome.Passed() {
			failed = append(failed, format)
		}
	}

	if len(failed) > 0 {
		res.Status = store.ExecFailed
		res.Message = "validation failed: " + strings.Join(failed, ", ")

		return nil
	}

	res.Status = store.ExecPassed

	return nil
}

// validateFormat compares one format's output. Formats other than the
// primary one re-invoke the subject with the format flag set.
func (r *runner) validateFormat(
	ctx context.Context,
	c *cases.Case,
	format, primary string,
	primaryOut *executor.Result,
) (*validate.Outcome, error) {
	expected, err := r.expectedContent(ctx, c.Name, format)
	if err != nil {
		return nil, err
	}

	actual := primaryOut.Stdout

	if format != primary {
		out, err := r.invoke(ctx, c, c.ArgsForFormat(format, r.cfg.Suite.FormatFlag))
		if err != nil {
			var caseErr *caseError
			if !errors.As(err, &caseErr) {
				return nil, err
			}

			return &validate.Outcome{
				Format:   format,
				Status:   validate.StatusFailed,
				Expected: expected,
				Message:  caseErr.Error(),
			}, nil
		}

		switch {
		case out.TimedOut:
			return &validate.Outcome{
				Format:   format,
				Status:   validate.StatusFailed,
				Expected: expected,
				Actual:   out.Stdout,
				Message:  fmt.Sprintf("timed out after %s", r.timeout()),
			}, nil
		case out.ExitCode != c.ExpectedExitCode:
			return &validate.Outcome{
				Format:   format,
				Status:   validate.StatusFailed,
				Expected: expected,
				Actual:   out.Stdout,
				Message:  fmt.Sprintf("exit code %d, expected %d", out.ExitCode, c.ExpectedExitCode),
			}, nil
		}

		actual = out.Stdout
	}

	return r.validator.Validate(c.Name, format, expected, actual), nil
}

func (r *runner) expectedContent(ctx context.Context, name, format string) (*string, error) {
	er, err := r.store.GetExpectedResult(ctx, name, format)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}

		return nil, fmt.Errorf("loading expected result: %w", err)
	}

	return &er.ExpectedContent, nil
}

// caseError is an invocation failure local to one case.
type caseError struct {
	err error
}

func (e *caseError) Error() string { return e.err.Error() }
func (e *caseError) Unwrap() error { return e.err }

// invoke runs the subject. A missing binary or an interrupt is fatal;
// any other spawn failure is reported as a caseError.
func (r *runner) invoke(ctx context.Context, c *cases.Case, args []string) (*executor.Result, error) {
	out, err := r.executor.Execute(ctx, &executor.Request{Dir: c.Dir, Args: args})
	if err == nil {
		return out, nil
	}

	if errors.Is(err, executor.ErrBinaryNotFound) || ctx.Err() != nil {
		return nil, err
	}

	return nil, &caseError{err: err}
}

// adviseCase logs advisory checks that never change the verdict.
func (r *runner) adviseCase(log logrus.FieldLogger, c *cases.Case, out *executor.Result) {
	header := r.cfg.Suite.ReportHeader
	if header != "" && c.ExpectedExitCode == 0 && !strings.Contains(out.Stdout, header) {
		log.WithField("header", header).Warn("Report header not found in output")
	}

	if c.Performance == nil {
		return
	}

	if limit := c.Performance.MaxTimeSeconds; limit > 0 && out.Duration.Seconds() > limit {
		log.WithFields(logrus.Fields{
			"duration": out.Duration.Seconds(),
			"max":      limit,
		}).Warn("Case exceeded time hint")
	}

	if mb := out.PeakMemoryMB(); mb != nil && c.Performance.MaxMemoryMB > 0 && *mb > c.Performance.MaxMemoryMB {
		log.WithFields(logrus.Fields{
			"memory_mb": *mb,
			"max":       c.Performance.MaxMemoryMB,
		}).Warn("Case exceeded memory hint")
	}
}

func (r *runner) recordBenchmarks(ctx context.Context, s *Summary) {
	runID := s.Run.ID

	samples := []*store.PerformanceBenchmark{{
		BenchmarkType: BenchmarkSuiteDuration,
		Value:         s.Duration.Seconds(),
		Unit:          "s",
		TestRunID:     &runID,
	}}

	var peak *float64

	for _, c := range s.Cases {
		if c.MemoryMB != nil && (peak == nil || *c.MemoryMB > *peak) {
			peak = c.MemoryMB
		}
	}

	if peak != nil {
		samples = append(samples, &store.PerformanceBenchmark{
			BenchmarkType: BenchmarkPeakMemory,
			Value:         *peak,
			Unit:          "MB",
			TestRunID:     &runID,
		})
	}

	for _, b := range samples {
		if err := r.store.RecordBenchmark(ctx, b); err != nil {
			r.log.WithError(err).WithField("type", b.BenchmarkType).Warn("Failed to record benchmark")
		}
	}
}

// checkBaseline compares this run's passed durations with the baseline and
// then updates the baseline unless pinned.
func (r *runner) checkBaseline(ctx context.Context, runID uint) (*regression.Report, error) {
	execs, err := r.store.ListExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	current := regression.Averages(execs)
	if len(current) == 0 {
		return nil, nil
	}

	report, err := r.monitor.Check(current)
	if err != nil {
		return nil, err
	}

	if !report.Created {
		if _, err := r.monitor.Update(current); err != nil {
			return report, err
		}
	}

	return report, nil
}

func (r *runner) timeout() time.Duration {
	if r.cfg.Suite.Timeout <= 0 {
		return config.DefaultTimeout
	}

	return r.cfg.Suite.Timeout
}

func toValidation(execID uint, o *validate.Outcome) *store.TestValidation {
	v := &store.TestValidation{
		TestExecutionID: execID,
		OutputFormat:    o.Format,
		Status:          string(o.Status),
		ExpectedContent: o.Expected,
		ActualContent:   o.Actual,
		Message:         o.Message,
	}

	if o.Diff != "" {
		diff := o.Diff
		v.DiffOutput = &diff
	}

	return v
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")

	return line
}
