package browser

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/ethpandaops/testbench/pkg/regression"
	"github.com/ethpandaops/testbench/pkg/store"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	blue   = color.New(color.FgBlue)
	bold   = color.New(color.Bold)
)

const timeLayout = "2006-01-02 15:04:05"

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func colorStatus(status string) string {
	switch status {
	case store.RunCompleted, store.ExecPassed:
		return green.Sprint(status)
	case store.ExecFailed:
		return red.Sprint(status)
	case store.ExecSkipped, store.RunRunning:
		return yellow.Sprint(status)
	default:
		return status
	}
}

// RenderRuns writes a run listing.
func RenderRuns(w io.Writer, runs []store.TestRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No test runs recorded.")

		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tTOTAL\tPASSED\tFAILED\tSKIPPED")

	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID,
			r.RunTimestamp.UTC().Format(timeLayout),
			colorStatus(r.Status),
			r.TotalTests, r.PassedTests, r.FailedTests, r.SkippedTests,
		)
	}

	return tw.Flush()
}

// RenderRun writes a run summary followed by its executions.
func RenderRun(w io.Writer, d *RunDetail) error {
	r := d.Run

	bold.Fprintf(w, "Run %d\n", r.ID)
	fmt.Fprintf(w, "Started: %s UTC\n", r.RunTimestamp.UTC().Format(timeLayout))
	fmt.Fprintf(w, "Status:  %s\n", colorStatus(r.Status))
	fmt.Fprintf(w, "Tests:   %d total, %d passed, %d failed, %d skipped\n",
		r.TotalTests, r.PassedTests, r.FailedTests, r.SkippedTests)

	if r.TotalTests > 0 {
		fmt.Fprintf(w, "Pass rate: %.1f%%\n", float64(r.PassedTests)/float64(r.TotalTests)*100)
	}

	if r.LogFile != "" {
		fmt.Fprintf(w, "Log:     %s\n", r.LogFile)
	}

	fmt.Fprintln(w)

	tw := newTable(w)
	fmt.Fprintln(tw, "CASE\tSTATUS\tDURATION\tMEMORY\tEXIT\tERROR")

	for _, e := range d.Executions {
		fmt.Fprintf(tw, "%s\t%s\t%.3fs\t%s\t%s\t%s\n",
			e.TestName,
			colorStatus(e.Status),
			e.DurationSeconds,
			formatMemory(e.MemoryMB),
			formatExitCode(e.ExitCode),
			firstLine(optString(e.ErrorMessage)),
		)
	}

	return tw.Flush()
}

// RenderComparison writes a side-by-side comparison of two runs.
func RenderComparison(w io.Writer, c *Comparison) error {
	fmt.Fprintf(w, "Comparing run %d (A) with run %d (B)\n\n", c.RunA.ID, c.RunB.ID)

	tw := newTable(w)
	fmt.Fprintln(tw, "CASE\tSTATUS A\tSTATUS B\tDURATION A\tDURATION B\tDELTA")

	for _, r := range c.Rows {
		delta := ""
		if r.DeltaPercent != nil {
			delta = formatDelta(*r.DeltaPercent)
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name,
			optStatus(r.StatusA),
			optStatus(r.StatusB),
			optSeconds(r.DurationA),
			optSeconds(r.DurationB),
			delta,
		)
	}

	return tw.Flush()
}

// RenderFailures writes failed validations with their diff previews.
func RenderFailures(w io.Writer, runID uint, failures []Failure) error {
	if len(failures) == 0 {
		_, err := green.Fprintf(w, "No failed validations in run %d.\n", runID)

		return err
	}

	for _, f := range failures {
		red.Fprintf(w, "✗ %s [%s]\n", f.TestName, f.Format)

		if f.Message != "" {
			fmt.Fprintf(w, "  %s\n", f.Message)
		}

		if f.DiffPreview != "" {
			for _, line := range strings.Split(strings.TrimRight(f.DiffPreview, "\n"), "\n") {
				fmt.Fprintf(w, "  %s\n", colorDiffLine(line))
			}
		}

		fmt.Fprintln(w)
	}

	_, err := fmt.Fprintf(w, "%d failed validation(s)\n", len(failures))

	return err
}

// RenderStats writes cumulative totals and recent runs.
func RenderStats(w io.Writer, s *Stats) error {
	t := s.Totals

	bold.Fprintln(w, "Totals")
	fmt.Fprintf(w, "Runs:        %d\n", t.Runs)
	fmt.Fprintf(w, "Executions:  %d (%d passed, %d failed, %d skipped)\n",
		t.Executions, t.Passed, t.Failed, t.Skipped)

	if t.Executions > 0 {
		fmt.Fprintf(w, "Pass rate:   %.1f%%\n", float64(t.Passed)/float64(t.Executions)*100)
	}

	fmt.Fprintf(w, "Avg time:    %.3fs\n", t.AvgDurationSeconds)
	fmt.Fprintf(w, "Total time:  %.3fs\n\n", t.TotalDurationSeconds)

	bold.Fprintln(w, "Recent runs")

	return RenderRuns(w, s.Recent)
}

// RenderTrends writes per-case trend aggregates.
func RenderTrends(w io.Writer, days int, trends []Trend) error {
	fmt.Fprintf(w, "Trends over the last %d day(s)\n\n", days)

	if len(trends) == 0 {
		_, err := fmt.Fprintln(w, "No executions in window.")

		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "CASE\tRUNS\tAVG\tMIN\tMAX\tPASS RATE")

	for _, t := range trends {
		fmt.Fprintf(tw, "%s\t%d\t%.3fs\t%.3fs\t%.3fs\t%s\n",
			t.Name, t.Runs, t.AvgDuration, t.MinDuration, t.MaxDuration,
			formatRate(t.PassRate),
		)
	}

	return tw.Flush()
}

// RenderBenchmarks writes benchmark samples.
func RenderBenchmarks(w io.Writer, samples []store.PerformanceBenchmark) error {
	if len(samples) == 0 {
		_, err := fmt.Fprintln(w, "No benchmark samples recorded.")

		return err
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tRECORDED\tTYPE\tVALUE\tUNIT\tRUN")

	for _, b := range samples {
		run := "-"
		if b.TestRunID != nil {
			run = fmt.Sprintf("%d", *b.TestRunID)
		}

		fmt.Fprintf(tw, "%d\t%s\t%s\t%.3f\t%s\t%s\n",
			b.ID, b.RecordedAt.UTC().Format(timeLayout), b.BenchmarkType, b.Value, b.Unit, run)
	}

	return tw.Flush()
}

// RenderRegression writes a baseline check report.
func RenderRegression(w io.Writer, r *regression.Report) error {
	if r.Created {
		blue.Fprintln(w, "No prior baseline, current durations recorded as baseline.")
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "CASE\tBASELINE\tCURRENT\tDELTA\tSTATUS")

	for _, f := range r.Findings {
		base := "-"
		delta := ""

		if f.BaselineSeconds != nil {
			base = fmt.Sprintf("%.3fs", *f.BaselineSeconds)

			if *f.BaselineSeconds > 0 {
				delta = formatDelta(f.Delta * 100)
			}
		}

		status := f.Status

		switch f.Status {
		case regression.StatusRegression:
			status = red.Sprint(status)
		case regression.StatusNew:
			status = blue.Sprint(status)
		default:
			status = green.Sprint(status)
		}

		fmt.Fprintf(tw, "%s\t%s\t%.3fs\t%s\t%s\n", f.Name, base, f.CurrentSeconds, delta, status)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	if r.HasRegressions() {
		_, err := red.Fprintf(w, "\n%d regression(s) above %.0f%% threshold, average degradation %.1f%%\n",
			r.Regressions, r.Threshold*100, r.AverageDegradation*100)

		return err
	}

	_, err := green.Fprintln(w, "\nNo significant performance changes detected.")

	return err
}

// RenderBaseline writes the stored baseline durations sorted by case.
func RenderBaseline(w io.Writer, b *regression.Baseline) error {
	names := make([]string, 0, len(b.Durations))
	for name := range b.Durations {
		names = append(names, name)
	}

	sort.Strings(names)

	fmt.Fprintf(w, "Baseline updated %s UTC, %d case(s)\n\n",
		b.UpdatedAt.UTC().Format(timeLayout), len(names))

	tw := newTable(w)
	fmt.Fprintln(tw, "CASE\tDURATION")

	for _, name := range names {
		fmt.Fprintf(tw, "%s\t%.3fs\n", name, b.Durations[name])
	}

	return tw.Flush()
}

func colorDiffLine(line string) string {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		return bold.Sprint(line)
	case strings.HasPrefix(line, "+"):
		return green.Sprint(line)
	case strings.HasPrefix(line, "-"):
		return red.Sprint(line)
	case strings.HasPrefix(line, "@@"):
		return blue.Sprint(line)
	default:
		return line
	}
}

func formatDelta(pct float64) string {
	s := fmt.Sprintf("%+.1f%%", pct)

	switch {
	case pct > 0:
		return red.Sprint(s)
	case pct < 0:
		return green.Sprint(s)
	default:
		return s
	}
}

func formatRate(r float64) string {
	return fmt.Sprintf("%.1f%%", r*100)
}

func optStatus(s *string) string {
	if s == nil {
		return ""
	}

	return colorStatus(*s)
}

func optSeconds(v *float64) string {
	if v == nil {
		return ""
	}

	return fmt.Sprintf("%.3fs", *v)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")

	return line
}
