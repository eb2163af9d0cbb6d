package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/testbench/pkg/config"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrRunFinalized is returned when finalizing a run that is no longer running.
var ErrRunFinalized = errors.New("run already finalized")

// ErrNotInitialized is returned by a read-only store when the database or
// its schema does not exist yet.
var ErrNotInitialized = errors.New("results database not initialized")

// Store provides persistence for runs, executions, validations,
// expected results and benchmark samples.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	CreateRun(ctx context.Context, run *TestRun) error
	GetRun(ctx context.Context, id uint) (*TestRun, error)
	ListRuns(ctx context.Context, limit int) ([]TestRun, error)
	ListRunsSince(ctx context.Context, since time.Time) ([]TestRun, error)
	ListRunsBefore(ctx context.Context, before time.Time) ([]TestRun, error)
	FinalizeRun(ctx context.Context, id uint) (*TestRun, error)
	RecountRun(ctx context.Context, id uint) (*RunCounts, error)
	DeleteRun(ctx context.Context, id uint) error
	DeleteRunsBefore(ctx context.Context, before time.Time) (int, error)

	CreateExecution(ctx context.Context, exec *TestExecution) error
	CompleteExecution(ctx context.Context, exec *TestExecution) error
	ListExecutions(ctx context.Context, runID uint) ([]TestExecution, error)
	ListExecutionsSince(ctx context.Context, since time.Time) ([]TestExecution, error)

	CreateValidation(ctx context.Context, v *TestValidation) error
	ListValidations(ctx context.Context, runID uint) ([]TestValidation, error)
	ListFailedValidations(ctx context.Context, runID uint) ([]TestValidation, error)

	UpsertExpectedResult(ctx context.Context, r *ExpectedResult) error
	GetExpectedResult(ctx context.Context, testName, format string) (*ExpectedResult, error)
	ListExpectedResults(ctx context.Context, testName string) ([]ExpectedResult, error)

	RecordBenchmark(ctx context.Context, b *PerformanceBenchmark) error
	ListBenchmarks(ctx context.Context, benchmarkType string, limit int) ([]PerformanceBenchmark, error)

	Totals(ctx context.Context) (*Totals, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

// Option configures a Store.
type Option func(*store)

// WithReadOnly opens an existing database without creating it or running
// migrations.
func WithReadOnly() Option {
	return func(s *store) {
		s.readOnly = true
	}
}

type store struct {
	log      logrus.FieldLogger
	cfg      *config.DatabaseConfig
	db       *gorm.DB
	readOnly bool

	// writeMu serializes writes. SQLite allows a single writer and the
	// run coordinator may record cases from several workers.
	writeMu sync.Mutex
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	opts ...Option,
) Store {
	s := &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start opens the database connection and runs migrations. A read-only
// store checks for an existing schema instead.
func (s *store) Start(ctx context.Context) error {
	if s.readOnly && s.cfg.Driver == "sqlite" && isSQLiteFile(s.cfg.SQLite.Path) {
		if _, err := os.Stat(s.cfg.SQLite.Path); err != nil {
			return fmt.Errorf("%w: %s", ErrNotInitialized, s.cfg.SQLite.Path)
		}
	}

	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:  logger.Discard,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dialector = postgres.Open(s.cfg.Postgres.DSN())
	case "mysql":
		dialector = mysql.Open(s.cfg.MySQL.DSN())
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// One connection keeps ":memory:" databases and connection-scoped
		// pragmas consistent.
		sqlDB.SetMaxOpenConns(1)

		if err := db.WithContext(ctx).Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			return fmt.Errorf("enabling foreign keys: %w", err)
		}
	}

	if s.readOnly {
		if !s.db.WithContext(ctx).Migrator().HasTable(&TestRun{}) {
			return fmt.Errorf("%w: no %s table", ErrNotInitialized, TestRun{}.TableName())
		}
	} else if err := s.db.WithContext(ctx).AutoMigrate(
		&TestRun{},
		&TestExecution{},
		&TestValidation{},
		&ExpectedResult{},
		&PerformanceBenchmark{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"driver":    s.cfg.Driver,
		"read_only": s.readOnly,
	}).Info("Database connected")

	return nil
}

// isSQLiteFile reports whether path names an on-disk database file rather
// than an in-memory or URI database.
func isSQLiteFile(path string) bool {
	return path != ":memory:" && !strings.HasPrefix(path, "file:")
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// --- Runs ---

// CreateRun inserts a new run in the running state.
func (s *store) CreateRun(ctx context.Context, run *TestRun) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	run.Status = RunRunning
	if run.RunTimestamp.IsZero() {
		run.RunTimestamp = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// GetRun returns a run by id or ErrNotFound.
func (s *store) GetRun(ctx context.Context, id uint) (*TestRun, error) {
	var run TestRun
	if err := s.db.WithContext(ctx).First(&run, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
		}

		return nil, fmt.Errorf("getting run: %w", err)
	}

	return &run, nil
}

// ListRuns returns the most recent runs, newest first. A limit <= 0
// returns every run.
func (s *store) ListRuns(ctx context.Context, limit int) ([]TestRun, error) {
	q := s.db.WithContext(ctx).Order("run_timestamp DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []TestRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}

// ListRunsSince returns runs started at or after since, oldest first.
func (s *store) ListRunsSince(ctx context.Context, since time.Time) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("run_timestamp >= ?", since.UTC()).
		Order("run_timestamp ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs since: %w", err)
	}

	return runs, nil
}

// ListRunsBefore returns runs started strictly before before, oldest first.
func (s *store) ListRunsBefore(ctx context.Context, before time.Time) ([]TestRun, error) {
	var runs []TestRun
	if err := s.db.WithContext(ctx).
		Where("run_timestamp < ?", before.UTC()).
		Order("run_timestamp ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs before: %w", err)
	}

	return runs, nil
}

type statusCount struct {
	Status string
	Count  int
}

func countByStatus(tx *gorm.DB, runID uint) (*RunCounts, error) {
	var rows []statusCount
	if err := tx.Model(&TestExecution{}).
		Select("status, COUNT(*) AS count").
		Where("test_run_id = ?", runID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("counting executions: %w", err)
	}

	counts := &RunCounts{}

	for _, row := range rows {
		switch row.Status {
		case ExecPassed:
			counts.Passed = row.Count
		case ExecFailed:
			counts.Failed = row.Count
		case ExecSkipped:
			counts.Skipped = row.Count
		case ExecRunning:
			counts.Running = row.Count
		}

		counts.Total += row.Count
	}

	return counts, nil
}

// FinalizeRun aggregates the run's executions into its counters and sets
// the terminal status: completed when nothing failed, failed otherwise.
// Executions still marked running are closed as failed first.
func (s *store) FinalizeRun(ctx context.Context, id uint) (*TestRun, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var run TestRun

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&run, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("run %d: %w", id, ErrNotFound)
			}

			return fmt.Errorf("getting run: %w", err)
		}

		if run.Status != RunRunning {
			return fmt.Errorf("run %d: %w", id, ErrRunFinalized)
		}

		now := time.Now().UTC()
		msg := "execution did not complete"

		if err := tx.Model(&TestExecution{}).
			Where("test_run_id = ? AND status = ?", id, ExecRunning).
			Updates(map[string]any{
				"status":        ExecFailed,
				"end_time":      now,
				"error_message": msg,
			}).Error; err != nil {
			return fmt.Errorf("closing running executions: %w", err)
		}

		counts, err := countByStatus(tx, id)
		if err != nil {
			return err
		}

		run.TotalTests = counts.Total
		run.PassedTests = counts.Passed
		run.FailedTests = counts.Failed
		run.SkippedTests = counts.Skipped
		run.Status = RunCompleted

		if counts.Failed > 0 {
			run.Status = RunFailed
		}

		if err := tx.Model(&TestRun{}).Where("id = ?", id).Updates(map[string]any{
			"total_tests":   run.TotalTests,
			"passed_tests":  run.PassedTests,
			"failed_tests":  run.FailedTests,
			"skipped_tests": run.SkippedTests,
			"status":        run.Status,
		}).Error; err != nil {
			return fmt.Errorf("updating run: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return &run, nil
}

// RecountRun recomputes a run's counters from its executions without writing.
func (s *store) RecountRun(ctx context.Context, id uint) (*RunCounts, error) {
	return countByStatus(s.db.WithContext(ctx), id)
}

// DeleteRun removes a run and, transitively, its executions and validations.
func (s *store) DeleteRun(ctx context.Context, id uint) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteRunTx(tx, id)
	})
}

// DeleteRunsBefore removes every run started before before and returns
// how many were deleted.
func (s *store) DeleteRunsBefore(ctx context.Context, before time.Time) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []uint
		if err := tx.Model(&TestRun{}).
			Where("run_timestamp < ?", before.UTC()).
			Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("selecting runs: %w", err)
		}

		for _, id := range ids {
			if err := deleteRunTx(tx, id); err != nil {
				return err
			}
		}

		deleted = len(ids)

		return nil
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

func deleteRunTx(tx *gorm.DB, id uint) error {
	execIDs := tx.Model(&TestExecution{}).Select("id").Where("test_run_id = ?", id)

	if err := tx.Where("test_execution_id IN (?)", execIDs).
		Delete(&TestValidation{}).Error; err != nil {
		return fmt.Errorf("deleting validations: %w", err)
	}

	if err := tx.Where("test_run_id = ?", id).
		Delete(&TestExecution{}).Error; err != nil {
		return fmt.Errorf("deleting executions: %w", err)
	}

	if err := tx.Model(&PerformanceBenchmark{}).
		Where("test_run_id = ?", id).
		Update("test_run_id", nil).Error; err != nil {
		return fmt.Errorf("detaching benchmarks: %w", err)
	}

	result := tx.Delete(&TestRun{}, id)
	if result.Error != nil {
		return fmt.Errorf("deleting run: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}

	return nil
}

// --- Executions ---

// CreateExecution inserts an execution in the running state.
func (s *store) CreateExecution(ctx context.Context, exec *TestExecution) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	exec.Status = ExecRunning
	if exec.StartTime.IsZero() {
		exec.StartTime = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("creating execution: %w", err)
	}

	return nil
}

// CompleteExecution writes the verdict and measurements of an execution.
func (s *store) CompleteExecution(ctx context.Context, exec *TestExecution) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if exec.EndTime == nil {
		now := time.Now().UTC()
		exec.EndTime = &now
	}

	result := s.db.WithContext(ctx).Model(&TestExecution{}).
		Where("id = ? AND status = ?", exec.ID, ExecRunning).
		Updates(map[string]any{
			"status":           exec.Status,
			"end_time":         exec.EndTime,
			"duration_seconds": exec.DurationSeconds,
			"memory_mb":        exec.MemoryMB,
			"exit_code":        exec.ExitCode,
			"error_message":    exec.ErrorMessage,
		})
	if result.Error != nil {
		return fmt.Errorf("completing execution: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("execution %d is not running: %w", exec.ID, ErrNotFound)
	}

	return nil
}

// ListExecutions returns a run's executions ordered by case name.
func (s *store) ListExecutions(ctx context.Context, runID uint) ([]TestExecution, error) {
	var execs []TestExecution
	if err := s.db.WithContext(ctx).
		Where("test_run_id = ?", runID).
		Order("test_name ASC").
		Order("id ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	return execs, nil
}

// ListExecutionsSince returns executions belonging to runs started at or
// after since.
func (s *store) ListExecutionsSince(ctx context.Context, since time.Time) ([]TestExecution, error) {
	var execs []TestExecution
	if err := s.db.WithContext(ctx).
		Joins("JOIN test_runs ON test_runs.id = test_executions.test_run_id").
		Where("test_runs.run_timestamp >= ?", since.UTC()).
		Order("test_executions.test_name ASC").
		Order("test_executions.id ASC").
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("listing executions since: %w", err)
	}

	return execs, nil
}

// --- Validations ---

// CreateValidation inserts a validation row.
func (s *store) CreateValidation(ctx context.Context, v *TestValidation) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("creating validation: %w", err)
	}

	return nil
}

// ListValidations returns all validations of a run's executions.
func (s *store) ListValidations(ctx context.Context, runID uint) ([]TestValidation, error) {
	var vals []TestValidation
	if err := s.db.WithContext(ctx).
		Joins("JOIN test_executions ON test_executions.id = test_validations.test_execution_id").
		Where("test_executions.test_run_id = ?", runID).
		Order("test_validations.test_execution_id ASC").
		Order("test_validations.output_format ASC").
		Find(&vals).Error; err != nil {
		return nil, fmt.Errorf("listing validations: %w", err)
	}

	return vals, nil
}

// ListFailedValidations returns the failed validations of a run.
func (s *store) ListFailedValidations(ctx context.Context, runID uint) ([]TestValidation, error) {
	var vals []TestValidation
	if err := s.db.WithContext(ctx).
		Joins("JOIN test_executions ON test_executions.id = test_validations.test_execution_id").
		Where("test_executions.test_run_id = ? AND test_validations.status = ?", runID, ValidationFailed).
		Order("test_validations.test_execution_id ASC").
		Order("test_validations.output_format ASC").
		Find(&vals).Error; err != nil {
		return nil, fmt.Errorf("listing failed validations: %w", err)
	}

	return vals, nil
}

// --- Expected results ---

// UpsertExpectedResult inserts or updates the row keyed by test name and format.
func (s *store) UpsertExpectedResult(ctx context.Context, r *ExpectedResult) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result := s.db.WithContext(ctx).
		Where("test_name = ? AND output_format = ?", r.TestName, r.OutputFormat).
		Assign(ExpectedResult{ExpectedContent: r.ExpectedContent}).
		FirstOrCreate(r)
	if result.Error != nil {
		return fmt.Errorf("upserting expected result: %w", result.Error)
	}

	return nil
}

// GetExpectedResult returns the expected content for a case and format.
func (s *store) GetExpectedResult(ctx context.Context, testName, format string) (*ExpectedResult, error) {
	var r ExpectedResult
	if err := s.db.WithContext(ctx).
		Where("test_name = ? AND output_format = ?", testName, format).
		First(&r).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("expected result %s/%s: %w", testName, format, ErrNotFound)
		}

		return nil, fmt.Errorf("getting expected result: %w", err)
	}

	return &r, nil
}

// ListExpectedResults returns every stored format for a case.
func (s *store) ListExpectedResults(ctx context.Context, testName string) ([]ExpectedResult, error) {
	var rs []ExpectedResult
	if err := s.db.WithContext(ctx).
		Where("test_name = ?", testName).
		Order("output_format ASC").
		Find(&rs).Error; err != nil {
		return nil, fmt.Errorf("listing expected results: %w", err)
	}

	return rs, nil
}

// --- Benchmarks ---

// RecordBenchmark appends a benchmark sample.
func (s *store) RecordBenchmark(ctx context.Context, b *PerformanceBenchmark) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if b.RecordedAt.IsZero() {
		b.RecordedAt = time.Now().UTC()
	}

	if err := s.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("recording benchmark: %w", err)
	}

	return nil
}

// ListBenchmarks returns the newest samples, optionally filtered by type.
func (s *store) ListBenchmarks(
	ctx context.Context, benchmarkType string, limit int,
) ([]PerformanceBenchmark, error) {
	q := s.db.WithContext(ctx).Order("recorded_at DESC").Order("id DESC")

	if benchmarkType != "" {
		q = q.Where("benchmark_type = ?", benchmarkType)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var bs []PerformanceBenchmark
	if err := q.Find(&bs).Error; err != nil {
		return nil, fmt.Errorf("listing benchmarks: %w", err)
	}

	return bs, nil
}

// --- Aggregates ---

// Totals summarizes every stored run and execution.
func (s *store) Totals(ctx context.Context) (*Totals, error) {
	t := &Totals{}
	db := s.db.WithContext(ctx)

	if err := db.Model(&TestRun{}).Count(&t.Runs).Error; err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	var agg struct {
		Executions    int64
		Passed        int64
		Failed        int64
		Skipped       int64
		TotalDuration float64
	}

	if err := db.Model(&TestExecution{}).Select(
		"COUNT(*) AS executions, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS passed, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed, "+
			"COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS skipped, "+
			"COALESCE(SUM(duration_seconds), 0) AS total_duration",
		ExecPassed, ExecFailed, ExecSkipped,
	).Scan(&agg).Error; err != nil {
		return nil, fmt.Errorf("aggregating executions: %w", err)
	}

	t.Executions = agg.Executions
	t.Passed = agg.Passed
	t.Failed = agg.Failed
	t.Skipped = agg.Skipped
	t.TotalDurationSeconds = agg.TotalDuration

	if agg.Executions > 0 {
		t.AvgDurationSeconds = agg.TotalDuration / float64(agg.Executions)
	}

	return t, nil
}
