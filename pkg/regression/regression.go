// Package regression compares case durations against a stored baseline.
package regression

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/fsutil"
	"github.com/ethpandaops/testbench/pkg/store"
)

// ErrNoBaseline is returned when the baseline file does not exist.
var ErrNoBaseline = errors.New("no baseline recorded")

// Finding statuses.
const (
	StatusOK         = "ok"
	StatusRegression = "regression"
	StatusNew        = "new"
)

// Baseline holds the reference duration per case, in seconds.
type Baseline struct {
	UpdatedAt time.Time          `json:"updated_at"`
	Durations map[string]float64 `json:"durations"`
}

// Finding is the comparison of one case against the baseline.
type Finding struct {
	Name            string   `json:"name"`
	BaselineSeconds *float64 `json:"baseline_seconds,omitempty"`
	CurrentSeconds  float64  `json:"current_seconds"`
	// Delta is (current - baseline) / baseline, zero when the baseline is
	// absent or zero.
	Delta  float64 `json:"delta"`
	Status string  `json:"status"`
}

// Report is the outcome of a baseline check.
type Report struct {
	Threshold   float64   `json:"threshold"`
	Findings    []Finding `json:"findings"`
	Regressions int       `json:"regressions"`
	// AverageDegradation is the mean Delta across regressed cases.
	AverageDegradation float64 `json:"average_degradation"`
	// Created is set when no baseline existed and the current durations
	// were recorded as the new baseline.
	Created bool `json:"created,omitempty"`
}

// HasRegressions reports whether any case exceeded the threshold.
func (r *Report) HasRegressions() bool {
	return r.Regressions > 0
}

// Monitor reads, checks and maintains the baseline file.
type Monitor struct {
	log   logrus.FieldLogger
	cfg   *config.RegressionConfig
	owner *fsutil.OwnerConfig
	now   func() time.Time
}

// NewMonitor creates a monitor for the configured baseline file.
func NewMonitor(
	log logrus.FieldLogger,
	cfg *config.RegressionConfig,
	owner *fsutil.OwnerConfig,
) *Monitor {
	return &Monitor{
		log:   log.WithField("component", "regression"),
		cfg:   cfg,
		owner: owner,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Load reads the baseline file.
func (m *Monitor) Load() (*Baseline, error) {
	data, err := os.ReadFile(m.cfg.BaselineFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoBaseline
		}

		return nil, fmt.Errorf("reading baseline: %w", err)
	}

	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parsing baseline: %w", err)
	}

	if b.Durations == nil {
		b.Durations = make(map[string]float64)
	}

	return &b, nil
}

// Check compares current durations with the baseline. When no baseline
// exists, current becomes the baseline and every case is reported new.
func (m *Monitor) Check(current map[string]float64) (*Report, error) {
	report := &Report{Threshold: m.threshold()}

	baseline, err := m.Load()
	if errors.Is(err, ErrNoBaseline) {
		if err := m.Reset(current); err != nil {
			return nil, err
		}

		report.Created = true
		baseline = &Baseline{Durations: map[string]float64{}}
	} else if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}

	sort.Strings(names)

	var totalDegradation float64

	for _, name := range names {
		cur := current[name]
		f := Finding{Name: name, CurrentSeconds: cur, Status: StatusOK}

		base, ok := baseline.Durations[name]
		if !ok {
			f.Status = StatusNew
			report.Findings = append(report.Findings, f)

			continue
		}

		f.BaselineSeconds = &base

		if base > 0 {
			f.Delta = (cur - base) / base

			if f.Delta > report.Threshold {
				f.Status = StatusRegression
				report.Regressions++
				totalDegradation += f.Delta

				m.log.WithFields(logrus.Fields{
					"case":     name,
					"baseline": base,
					"current":  cur,
					"slower":   fmt.Sprintf("%.1f%%", f.Delta*100),
				}).Warn("Performance regression detected")
			}
		}

		report.Findings = append(report.Findings, f)
	}

	if report.Regressions > 0 {
		report.AverageDegradation = totalDegradation / float64(report.Regressions)
	}

	return report, nil
}

// Reset overwrites the baseline with current, regardless of pinning.
func (m *Monitor) Reset(current map[string]float64) error {
	durations := make(map[string]float64, len(current))
	for k, v := range current {
		durations[k] = v
	}

	data, err := json.MarshalIndent(&Baseline{
		UpdatedAt: m.now(),
		Durations: durations,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding baseline: %w", err)
	}

	if err := fsutil.WriteFile(m.cfg.BaselineFile, data, 0o644, m.owner); err != nil {
		return fmt.Errorf("writing baseline: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"path":  m.cfg.BaselineFile,
		"cases": len(durations),
	}).Info("Performance baseline saved")

	return nil
}

// Update replaces the baseline with current unless the baseline is pinned.
// It returns whether the file was written.
func (m *Monitor) Update(current map[string]float64) (bool, error) {
	if m.cfg.Pin {
		m.log.Debug("Baseline pinned, not updating")

		return false, nil
	}

	if err := m.Reset(current); err != nil {
		return false, err
	}

	return true, nil
}

// Remove deletes the baseline file. A missing file is not an error.
func (m *Monitor) Remove() (bool, error) {
	if err := os.Remove(m.cfg.BaselineFile); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, fmt.Errorf("removing baseline: %w", err)
	}

	return true, nil
}

func (m *Monitor) threshold() float64 {
	if m.cfg.Threshold <= 0 {
		return config.DefaultRegressionThreshold
	}

	return m.cfg.Threshold
}

// Averages returns the mean duration per case over passed executions.
func Averages(execs []store.TestExecution) map[string]float64 {
	sums := make(map[string]float64, len(execs))
	counts := make(map[string]int, len(execs))

	for _, e := range execs {
		if e.Status != store.ExecPassed {
			continue
		}

		sums[e.TestName] += e.DurationSeconds
		counts[e.TestName]++
	}

	for name, n := range counts {
		sums[name] /= float64(n)
	}

	return sums
}
