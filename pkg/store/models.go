package store

import "time"

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Execution statuses.
const (
	ExecRunning = "running"
	ExecPassed  = "passed"
	ExecFailed  = "failed"
	ExecSkipped = "skipped"
)

// Validation statuses.
const (
	ValidationPassed = "passed"
	ValidationFailed = "failed"
)

// TestRun is one invocation of the full suite.
type TestRun struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RunTimestamp time.Time `gorm:"not null;autoCreateTime;index:idx_test_runs_timestamp" json:"run_timestamp"`
	TotalTests   int       `gorm:"not null" json:"total_tests"`
	PassedTests  int       `gorm:"not null" json:"passed_tests"`
	FailedTests  int       `gorm:"not null" json:"failed_tests"`
	SkippedTests int       `gorm:"not null" json:"skipped_tests"`
	Status       string    `gorm:"type:varchar(16);not null;check:status IN ('running','completed','failed')" json:"status"`
	LogFile      string    `gorm:"type:text" json:"log_file,omitempty"`
}

// TableName overrides the gorm default.
func (TestRun) TableName() string { return "test_runs" }

// TestExecution is one case's attempt within a run.
type TestExecution struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	TestRunID        uint       `gorm:"not null;index:idx_test_executions_run" json:"test_run_id"`
	TestRun          *TestRun   `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	TestName         string     `gorm:"type:varchar(255);not null;index:idx_test_executions_name" json:"test_name"`
	TestDirectory    string     `gorm:"type:text;not null" json:"test_directory"`
	StartTime        time.Time  `gorm:"not null;autoCreateTime" json:"start_time"`
	EndTime          *time.Time `json:"end_time,omitempty"`
	DurationSeconds  float64    `gorm:"not null" json:"duration_seconds"`
	MemoryMB         *float64   `json:"memory_mb,omitempty"`
	ExitCode         *int       `json:"exit_code,omitempty"`
	ExpectedExitCode int        `gorm:"not null" json:"expected_exit_code"`
	Status           string     `gorm:"type:varchar(16);not null;check:status IN ('running','passed','failed','skipped')" json:"status"`
	ErrorMessage     *string    `gorm:"type:text" json:"error_message,omitempty"`
}

// TableName overrides the gorm default.
func (TestExecution) TableName() string { return "test_executions" }

// TestValidation is the comparison result for one output format of an execution.
type TestValidation struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	TestExecutionID uint           `gorm:"not null;index:idx_test_validations_execution" json:"test_execution_id"`
	TestExecution   *TestExecution `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	OutputFormat    string         `gorm:"type:varchar(32);not null" json:"output_format"`
	Status          string         `gorm:"type:varchar(16);not null;check:status IN ('passed','failed')" json:"status"`
	ExpectedContent *string        `gorm:"type:text" json:"expected_content,omitempty"`
	ActualContent   string         `gorm:"type:text;not null" json:"actual_content"`
	DiffOutput      *string        `gorm:"type:text" json:"diff_output,omitempty"`
	Message         string         `gorm:"type:text" json:"message,omitempty"`
	CreatedAt       time.Time      `gorm:"not null" json:"created_at"`
}

// TableName overrides the gorm default.
func (TestValidation) TableName() string { return "test_validations" }

// ExpectedResult is the canonical expected content for a (case, format) pair.
type ExpectedResult struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	TestName        string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_expected_results_name_format;index:idx_expected_results_name" json:"test_name"`
	OutputFormat    string    `gorm:"type:varchar(32);not null;uniqueIndex:idx_expected_results_name_format" json:"output_format"`
	ExpectedContent string    `gorm:"type:text;not null" json:"expected_content"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

// TableName overrides the gorm default.
func (ExpectedResult) TableName() string { return "expected_results" }

// PerformanceBenchmark is an append-only sample of a named metric.
type PerformanceBenchmark struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	BenchmarkType string    `gorm:"type:varchar(64);not null;index:idx_performance_benchmarks_type" json:"benchmark_type"`
	Value         float64   `gorm:"not null" json:"value"`
	Unit          string    `gorm:"type:varchar(16);not null" json:"unit"`
	TestRunID     *uint     `json:"test_run_id,omitempty"`
	RecordedAt    time.Time `gorm:"not null;autoCreateTime" json:"recorded_at"`
}

// TableName overrides the gorm default.
func (PerformanceBenchmark) TableName() string { return "performance_benchmarks" }

// RunCounts is the per-status aggregation of a run's executions.
type RunCounts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Running int `json:"running"`
}

// Totals summarizes the whole history.
type Totals struct {
	Runs                 int64   `json:"runs"`
	Executions           int64   `json:"executions"`
	Passed               int64   `json:"passed"`
	Failed               int64   `json:"failed"`
	Skipped              int64   `json:"skipped"`
	AvgDurationSeconds   float64 `json:"avg_duration_seconds"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
}
