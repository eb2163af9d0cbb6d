package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testbench/pkg/config"
)

func setupTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func newFileStore(path string, opts ...Option) Store {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: path},
	}, opts...)
}

func addExecution(t *testing.T, s Store, runID uint, name, status string) *TestExecution {
	t.Helper()

	ctx := context.Background()
	exec := &TestExecution{
		TestRunID:     runID,
		TestName:      name,
		TestDirectory: "/cases/" + name,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))
	assert.Equal(t, ExecRunning, exec.Status)

	if status == ExecRunning {
		return exec
	}

	code := 0
	exec.Status = status
	exec.ExitCode = &code
	exec.DurationSeconds = 0.5
	require.NoError(t, s.CompleteExecution(ctx, exec))

	return exec
}

func TestStore_StartUnsupportedDriver(t *testing.T) {
	s := NewStore(logrus.New(), &config.DatabaseConfig{Driver: "oracle"})

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestStore_FinalizeRunCounts(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, run))
	assert.Equal(t, RunRunning, run.Status)

	addExecution(t, s, run.ID, "test-a", ExecPassed)
	addExecution(t, s, run.ID, "test-b", ExecFailed)
	addExecution(t, s, run.ID, "test-c", ExecSkipped)

	final, err := s.FinalizeRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, RunFailed, final.Status)
	assert.Equal(t, 3, final.TotalTests)
	assert.Equal(t, 1, final.PassedTests)
	assert.Equal(t, 1, final.FailedTests)
	assert.Equal(t, 1, final.SkippedTests)
	assert.Equal(t, final.TotalTests, final.PassedTests+final.FailedTests+final.SkippedTests)

	counts, err := s.RecountRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, final.TotalTests, counts.Total)
	assert.Equal(t, final.PassedTests, counts.Passed)
	assert.Equal(t, final.FailedTests, counts.Failed)
	assert.Equal(t, final.SkippedTests, counts.Skipped)

	stored, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, stored.Status)

	_, err = s.FinalizeRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrRunFinalized)
}

func TestStore_FinalizeRunCompletedWhenNothingFailed(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, run))

	addExecution(t, s, run.ID, "test-a", ExecPassed)
	addExecution(t, s, run.ID, "test-b", ExecSkipped)

	final, err := s.FinalizeRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, final.Status)
}

func TestStore_FinalizeRunClosesDanglingExecutions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, run))

	addExecution(t, s, run.ID, "test-a", ExecPassed)
	addExecution(t, s, run.ID, "test-hung", ExecRunning)

	final, err := s.FinalizeRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, final.Status)
	assert.Equal(t, 2, final.TotalTests)
	assert.Equal(t, 1, final.FailedTests)

	execs, err := s.ListExecutions(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 2)
	assert.Equal(t, "test-hung", execs[1].TestName)
	assert.Equal(t, ExecFailed, execs[1].Status)
	require.NotNil(t, execs[1].ErrorMessage)
	assert.NotNil(t, execs[1].EndTime)
}

func TestStore_CompleteExecutionOnlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, run))

	exec := addExecution(t, s, run.ID, "test-a", ExecPassed)
	exec.Status = ExecFailed

	err := s.CompleteExecution(ctx, exec)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := setupTestStore(t)

	_, err := s.GetRun(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteRunCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	keep := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, keep))
	keepExec := addExecution(t, s, keep.ID, "test-keep", ExecPassed)
	require.NoError(t, s.CreateValidation(ctx, &TestValidation{
		TestExecutionID: keepExec.ID,
		OutputFormat:    "table",
		Status:          ValidationPassed,
		ActualContent:   "ok",
	}))

	drop := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, drop))
	dropExec := addExecution(t, s, drop.ID, "test-drop", ExecFailed)
	require.NoError(t, s.CreateValidation(ctx, &TestValidation{
		TestExecutionID: dropExec.ID,
		OutputFormat:    "table",
		Status:          ValidationFailed,
		ActualContent:   "bad",
	}))
	require.NoError(t, s.RecordBenchmark(ctx, &PerformanceBenchmark{
		BenchmarkType: "suite_duration", Value: 1, Unit: "s", TestRunID: &drop.ID,
	}))

	require.NoError(t, s.DeleteRun(ctx, drop.ID))

	_, err := s.GetRun(ctx, drop.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	execs, err := s.ListExecutions(ctx, drop.ID)
	require.NoError(t, err)
	assert.Empty(t, execs)

	vals, err := s.ListValidations(ctx, drop.ID)
	require.NoError(t, err)
	assert.Empty(t, vals)

	vals, err = s.ListValidations(ctx, keep.ID)
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, "ok", vals[0].ActualContent)

	bs, err := s.ListBenchmarks(ctx, "suite_duration", 0)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Nil(t, bs[0].TestRunID)

	assert.ErrorIs(t, s.DeleteRun(ctx, drop.ID), ErrNotFound)
}

func TestStore_ExpectedResultUpsert(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertExpectedResult(ctx, &ExpectedResult{
		TestName: "test-a", OutputFormat: "table", ExpectedContent: "v1",
	}))
	require.NoError(t, s.UpsertExpectedResult(ctx, &ExpectedResult{
		TestName: "test-a", OutputFormat: "table", ExpectedContent: "v2",
	}))
	require.NoError(t, s.UpsertExpectedResult(ctx, &ExpectedResult{
		TestName: "test-a", OutputFormat: "json", ExpectedContent: "{}",
	}))

	r, err := s.GetExpectedResult(ctx, "test-a", "table")
	require.NoError(t, err)
	assert.Equal(t, "v2", r.ExpectedContent)

	all, err := s.ListExpectedResults(ctx, "test-a")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "json", all[0].OutputFormat)

	_, err = s.GetExpectedResult(ctx, "test-a", "csv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_ListRunsOrderingAndWindows(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := &TestRun{RunTimestamp: now.Add(-72 * time.Hour)}
	mid := &TestRun{RunTimestamp: now.Add(-24 * time.Hour)}
	recent := &TestRun{RunTimestamp: now.Add(-time.Minute)}

	for _, r := range []*TestRun{old, mid, recent} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, recent.ID, runs[0].ID)
	assert.Equal(t, mid.ID, runs[1].ID)

	since, err := s.ListRunsSince(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, mid.ID, since[0].ID)

	before, err := s.ListRunsBefore(ctx, now.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, old.ID, before[0].ID)
}

func TestStore_BenchmarksAndTotals(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.RecordBenchmark(ctx, &PerformanceBenchmark{
			BenchmarkType: "suite_duration",
			Value:         float64(i),
			Unit:          "s",
			RecordedAt:    time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	require.NoError(t, s.RecordBenchmark(ctx, &PerformanceBenchmark{
		BenchmarkType: "peak_memory", Value: 12, Unit: "MB",
	}))

	bs, err := s.ListBenchmarks(ctx, "suite_duration", 2)
	require.NoError(t, err)
	require.Len(t, bs, 2)
	assert.InDelta(t, 3.0, bs[0].Value, 1e-9)

	all, err := s.ListBenchmarks(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	run := &TestRun{}
	require.NoError(t, s.CreateRun(ctx, run))
	addExecution(t, s, run.ID, "test-a", ExecPassed)
	addExecution(t, s, run.ID, "test-b", ExecFailed)

	totals, err := s.Totals(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), totals.Runs)
	assert.Equal(t, int64(2), totals.Executions)
	assert.Equal(t, int64(1), totals.Passed)
	assert.Equal(t, int64(1), totals.Failed)
	assert.InDelta(t, 1.0, totals.TotalDurationSeconds, 1e-9)
	assert.InDelta(t, 0.5, totals.AvgDurationSeconds, 1e-9)
}

func TestStore_DeleteRunsBeforeAndFailedValidations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	old := &TestRun{RunTimestamp: now.Add(-30 * 24 * time.Hour)}
	fresh := &TestRun{RunTimestamp: now}
	require.NoError(t, s.CreateRun(ctx, old))
	require.NoError(t, s.CreateRun(ctx, fresh))

	addExecution(t, s, old.ID, "test-old", ExecPassed)
	exec := addExecution(t, s, fresh.ID, "test-new", ExecFailed)

	for _, v := range []*TestValidation{
		{TestExecutionID: exec.ID, OutputFormat: "json", Status: ValidationFailed, ActualContent: "{}"},
		{TestExecutionID: exec.ID, OutputFormat: "table", Status: ValidationPassed, ActualContent: "ok"},
	} {
		require.NoError(t, s.CreateValidation(ctx, v))
	}

	failed, err := s.ListFailedValidations(ctx, fresh.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "json", failed[0].OutputFormat)

	n, err := s.DeleteRunsBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, fresh.ID, runs[0].ID)
}

func TestStore_ReadOnlyMissingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")

	s := newFileStore(path, WithReadOnly())
	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrNotInitialized)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "read-only open must not create the database file")
}

func TestStore_ReadOnlyEmptySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.db")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	s := newFileStore(path, WithReadOnly())
	t.Cleanup(func() { _ = s.Stop() })

	require.ErrorIs(t, s.Start(context.Background()), ErrNotInitialized)
}

func TestStore_ReadOnlyOpensExistingDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.db")

	rw := newFileStore(path)
	require.NoError(t, rw.Start(ctx))

	run := &TestRun{}
	require.NoError(t, rw.CreateRun(ctx, run))
	require.NoError(t, rw.Stop())

	ro := newFileStore(path, WithReadOnly())
	require.NoError(t, ro.Start(ctx))
	t.Cleanup(func() { _ = ro.Stop() })

	got, err := ro.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.Status)
}
