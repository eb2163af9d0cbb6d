// Package browser provides read-only projections over the results store.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testbench/pkg/store"
	"github.com/ethpandaops/testbench/pkg/sysinfo"
	"github.com/ethpandaops/testbench/pkg/validate"
)

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// Browser answers queries about stored runs. It never writes.
type Browser struct {
	log          logrus.FieldLogger
	store        store.Store
	previewChars int
	host         *sysinfo.Info
	now          func() time.Time
}

// Option configures a Browser.
type Option func(*Browser)

// WithHost attaches a host snapshot to exported documents.
func WithHost(info *sysinfo.Info) Option {
	return func(b *Browser) { b.host = info }
}

// New creates a browser over st. previewChars bounds diff previews in
// failures and exports.
func New(log logrus.FieldLogger, st store.Store, previewChars int, opts ...Option) *Browser {
	b := &Browser{
		log:          log.WithField("component", "browser"),
		store:        st,
		previewChars: previewChars,
		now:          func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// RunDetail is a run and its executions ordered by case name.
type RunDetail struct {
	Run        store.TestRun         `json:"run"`
	Executions []store.TestExecution `json:"executions"`
}

// CompareRow is one case in a run comparison. Fields for a side where
// the case did not run are nil.
type CompareRow struct {
	Name      string   `json:"name"`
	StatusA   *string  `json:"status_a,omitempty"`
	StatusB   *string  `json:"status_b,omitempty"`
	DurationA *float64 `json:"duration_a,omitempty"`
	DurationB *float64 `json:"duration_b,omitempty"`
	// DeltaPercent is (b-a)/a*100, set only when both durations are positive.
	DeltaPercent *float64 `json:"delta_percent,omitempty"`
}

// Comparison joins two runs by case name.
type Comparison struct {
	RunA store.TestRun `json:"run_a"`
	RunB store.TestRun `json:"run_b"`
	Rows []CompareRow  `json:"rows"`
}

// Failure is a failed validation with its diff preview.
type Failure struct {
	ExecutionID uint   `json:"execution_id"`
	TestName    string `json:"test_name"`
	Format      string `json:"format"`
	Message     string `json:"message,omitempty"`
	DiffPreview string `json:"diff_preview,omitempty"`
}

// Stats is the cumulative summary plus the most recent runs.
type Stats struct {
	Totals store.Totals    `json:"totals"`
	Recent []store.TestRun `json:"recent"`
}

// Trend aggregates a case's executions inside a time window.
type Trend struct {
	Name        string  `json:"name"`
	Runs        int     `json:"runs"`
	AvgDuration float64 `json:"avg_duration_seconds"`
	MinDuration float64 `json:"min_duration_seconds"`
	MaxDuration float64 `json:"max_duration_seconds"`
	// PassRate is passed/runs in [0,1].
	PassRate float64 `json:"pass_rate"`
}

// List returns the most recent runs, newest first.
func (b *Browser) List(ctx context.Context, limit int) ([]store.TestRun, error) {
	return b.store.ListRuns(ctx, limit)
}

// Show returns a run and its executions.
func (b *Browser) Show(ctx context.Context, runID uint) (*RunDetail, error) {
	run, err := b.getRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	execs, err := b.store.ListExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	return &RunDetail{Run: *run, Executions: execs}, nil
}

// Compare joins the executions of runs a and b by case name.
func (b *Browser) Compare(ctx context.Context, runA, runB uint) (*Comparison, error) {
	a, err := b.Show(ctx, runA)
	if err != nil {
		return nil, err
	}

	bd, err := b.Show(ctx, runB)
	if err != nil {
		return nil, err
	}

	rows := make(map[string]*CompareRow, len(a.Executions)+len(bd.Executions))

	row := func(name string) *CompareRow {
		r, ok := rows[name]
		if !ok {
			r = &CompareRow{Name: name}
			rows[name] = r
		}

		return r
	}

	for i := range a.Executions {
		e := &a.Executions[i]
		r := row(e.TestName)
		r.StatusA = &e.Status
		r.DurationA = &e.DurationSeconds
	}

	for i := range bd.Executions {
		e := &bd.Executions[i]
		r := row(e.TestName)
		r.StatusB = &e.Status
		r.DurationB = &e.DurationSeconds
	}

	out := &Comparison{
		RunA: a.Run,
		RunB: bd.Run,
		Rows: make([]CompareRow, 0, len(rows)),
	}

	for _, r := range rows {
		if r.DurationA != nil && r.DurationB != nil && *r.DurationA > 0 && *r.DurationB > 0 {
			delta := DeltaPercent(*r.DurationA, *r.DurationB)
			r.DeltaPercent = &delta
		}

		out.Rows = append(out.Rows, *r)
	}

	sort.Slice(out.Rows, func(i, j int) bool {
		return out.Rows[i].Name < out.Rows[j].Name
	})

	return out, nil
}

// DeltaPercent returns (b-a)/a*100.
func DeltaPercent(a, b float64) float64 {
	return (b - a) / a * 100
}

// Failures returns every failed validation of a run.
func (b *Browser) Failures(ctx context.Context, runID uint) ([]Failure, error) {
	if _, err := b.getRun(ctx, runID); err != nil {
		return nil, err
	}

	execs, err := b.store.ListExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}

	names := make(map[uint]string, len(execs))
	for _, e := range execs {
		names[e.ID] = e.TestName
	}

	vals, err := b.store.ListFailedValidations(ctx, runID)
	if err != nil {
		return nil, err
	}

	out := make([]Failure, 0, len(vals))

	for _, v := range vals {
		f := Failure{
			ExecutionID: v.TestExecutionID,
			TestName:    names[v.TestExecutionID],
			Format:      v.OutputFormat,
			Message:     v.Message,
		}

		if v.DiffOutput != nil {
			f.DiffPreview = validate.TruncateDiff(*v.DiffOutput, b.previewChars)
		}

		out = append(out, f)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TestName != out[j].TestName {
			return out[i].TestName < out[j].TestName
		}

		return out[i].Format < out[j].Format
	})

	return out, nil
}

// Stats returns cumulative totals and the most recent runs.
func (b *Browser) Stats(ctx context.Context, recent int) (*Stats, error) {
	totals, err := b.store.Totals(ctx)
	if err != nil {
		return nil, err
	}

	runs, err := b.store.ListRuns(ctx, recent)
	if err != nil {
		return nil, err
	}

	return &Stats{Totals: *totals, Recent: runs}, nil
}

// Benchmarks returns the newest benchmark samples, optionally filtered by type.
func (b *Browser) Benchmarks(ctx context.Context, benchmarkType string, limit int) ([]store.PerformanceBenchmark, error) {
	return b.store.ListBenchmarks(ctx, benchmarkType, limit)
}

// Trends aggregates executions whose run started within the last days.
func (b *Browser) Trends(ctx context.Context, days int) ([]Trend, error) {
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}

	since := b.now().Add(-time.Duration(days) * 24 * time.Hour)

	execs, err := b.store.ListExecutionsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	type acc struct {
		count, passed int
		sum, min, max float64
	}

	byName := make(map[string]*acc, 32)

	for _, e := range execs {
		a, ok := byName[e.TestName]
		if !ok {
			a = &acc{min: math.Inf(1), max: math.Inf(-1)}
			byName[e.TestName] = a
		}

		a.count++
		a.sum += e.DurationSeconds
		a.min = math.Min(a.min, e.DurationSeconds)
		a.max = math.Max(a.max, e.DurationSeconds)

		if e.Status == store.ExecPassed {
			a.passed++
		}
	}

	out := make([]Trend, 0, len(byName))

	for name, a := range byName {
		out = append(out, Trend{
			Name:        name,
			Runs:        a.count,
			AvgDuration: a.sum / float64(a.count),
			MinDuration: a.min,
			MaxDuration: a.max,
			PassRate:    float64(a.passed) / float64(a.count),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

func (b *Browser) getRun(ctx context.Context, runID uint) (*store.TestRun, error) {
	run, err := b.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrRunNotFound, runID)
		}

		return nil, err
	}

	return run, nil
}
