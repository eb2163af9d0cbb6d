package runner

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testbench/pkg/cases"
	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/executor"
	"github.com/ethpandaops/testbench/pkg/regression"
	"github.com/ethpandaops/testbench/pkg/store"
	"github.com/ethpandaops/testbench/pkg/validate"
)

// fakeSubject prints a report in the requested format and exits with the
// code found in ./exit_code, if present.
const fakeSubject = `#!/bin/sh
code=0
if [ -f exit_code ]; then code=$(cat exit_code); fi
fmt=table
while [ $# -gt 0 ]; do
  case "$1" in
    -f|--format) fmt="$2"; shift ;;
  esac
  shift
done
echo "OpenAPI Endpoint Usage Report"
echo "Generated on $(date -u '+%Y-%m-%d %H:%M:%S') UTC"
echo "format: $fmt"
echo "DEBUG: scanning"
exit $code
`

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

type recordingReporter struct {
	mu       sync.Mutex
	runID    uint
	total    int
	finished []string
}

func (r *recordingReporter) RunStarted(runID uint, n int) {
	r.runID = runID
	r.total = n
}

func (r *recordingReporter) CaseFinished(res *CaseResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.finished = append(r.finished, res.Name)
}

type fixture struct {
	t      *testing.T
	root   string
	binary string
	store  store.Store
	suite  *config.SuiteConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	binary := filepath.Join(dir, "epcheck")
	require.NoError(t, os.WriteFile(binary, []byte(fakeSubject), 0o755))

	st := store.NewStore(testLogger(), &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(func() { _ = st.Stop() })

	root := filepath.Join(dir, "cases")
	require.NoError(t, os.MkdirAll(root, 0o755))

	return &fixture{
		t:      t,
		root:   root,
		binary: binary,
		store:  st,
		suite: &config.SuiteConfig{
			Root:                 root,
			Discovery:            config.DiscoveryPrefix,
			Prefix:               "test-",
			Binary:               binary,
			Timeout:              10 * time.Second,
			Concurrency:          1,
			FormatFlag:           "--format",
			PrimaryFormat:        "table",
			ReportHeader:         config.DefaultReportHeader,
			MeasureMemory:        true,
			MemorySampleInterval: 10 * time.Millisecond,
		},
	}
}

func (f *fixture) addCase(name string, files map[string]string) {
	f.t.Helper()

	dir := filepath.Join(f.root, name)
	require.NoError(f.t, os.MkdirAll(dir, 0o755))

	for file, content := range files {
		require.NoError(f.t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}
}

func (f *fixture) addStandardSuite() {
	f.addCase("test-pass", map[string]string{
		"config.json": `{"args": ["-d", "src"], "expected_files": {"table": "expected-table.txt", "json": "expected-json.json"}}`,
		"expected-table.txt": "OpenAPI Endpoint Usage Report\r\n" +
			"Generated on 2023-01-02 03:04:05 UTC\r\nformat: table\r\n",
		"expected-json.json": "\uFEFFOpenAPI Endpoint Usage Report\n" +
			"Generated on 2020-12-31 23:59:59 UTC\nformat: json\n\n",
	})
	f.addCase("test-wrong-exit", map[string]string{
		"exit_code":          "2",
		"expected-table.txt": "never compared\n",
	})
	f.addCase("test-missing-tool", map[string]string{
		"config.json": `{"skip_tools": ["definitely-not-a-real-tool-xyz"]}`,
	})
}

func (f *fixture) runner(opts ...Option) Runner {
	f.t.Helper()

	disc, err := cases.NewDiscoverer(testLogger(), f.suite)
	require.NoError(f.t, err)

	return NewRunner(
		testLogger(),
		&Config{Suite: f.suite, LogFile: "/tmp/run.log"},
		f.store,
		executor.NewExecutor(testLogger(), f.suite),
		disc,
		validate.New(nil, &config.ValidationConfig{DiffPreviewChars: 2000, DiffContext: 3}),
		opts...,
	)
}

func TestRun_EndToEnd(t *testing.T) {
	f := newFixture(t)
	f.addStandardSuite()

	rep := &recordingReporter{}
	r := f.runner(WithReporter(rep))
	require.NoError(t, r.Start(context.Background()))

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	run := summary.Run
	assert.Equal(t, 3, run.TotalTests)
	assert.Equal(t, 1, run.PassedTests)
	assert.Equal(t, 1, run.FailedTests)
	assert.Equal(t, 1, run.SkippedTests)
	assert.Equal(t, store.RunFailed, run.Status)
	assert.Equal(t, "/tmp/run.log", run.LogFile)
	assert.True(t, summary.Failed())

	require.Len(t, summary.Cases, 3)
	assert.Equal(t, "test-missing-tool", summary.Cases[0].Name)
	assert.Equal(t, store.ExecSkipped, summary.Cases[0].Status)
	assert.Contains(t, summary.Cases[0].Message, "definitely-not-a-real-tool-xyz")

	pass := summary.Cases[1]
	assert.Equal(t, "test-pass", pass.Name)
	assert.Equal(t, store.ExecPassed, pass.Status, pass.Message)
	require.Len(t, pass.Validations, 2)

	wrong := summary.Cases[2]
	assert.Equal(t, store.ExecFailed, wrong.Status)
	assert.Equal(t, "exit code 2, expected 0", wrong.Message)
	assert.Empty(t, wrong.Validations)

	assert.Equal(t, run.ID, rep.runID)
	assert.Equal(t, 3, rep.total)
	assert.Len(t, rep.finished, 3)

	ctx := context.Background()

	counts, err := f.store.RecountRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.TotalTests, counts.Total)
	assert.Equal(t, run.PassedTests+run.FailedTests+run.SkippedTests, counts.Total)

	vals, err := f.store.ListValidations(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	for _, v := range vals {
		assert.Equal(t, store.ValidationPassed, v.Status)
		assert.Equal(t, pass.ExecutionID, v.TestExecutionID)
		assert.Nil(t, v.DiffOutput)
	}

	expected, err := f.store.GetExpectedResult(ctx, "test-pass", "json")
	require.NoError(t, err)
	assert.NotContains(t, expected.ExpectedContent, "\uFEFF")

	bs, err := f.store.ListBenchmarks(ctx, BenchmarkSuiteDuration, 1)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	require.NotNil(t, bs[0].TestRunID)
	assert.Equal(t, run.ID, *bs[0].TestRunID)
}

func TestRun_ConcurrentMatchesSequential(t *testing.T) {
	f := newFixture(t)
	f.addStandardSuite()

	for i := 0; i < 4; i++ {
		f.addCase("test-extra-"+string(rune('a'+i)), nil)
	}

	f.suite.Concurrency = 4

	summary, err := f.runner().Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7, summary.Run.TotalTests)
	assert.Equal(t, 5, summary.Run.PassedTests)
	assert.Equal(t, 1, summary.Run.FailedTests)
	assert.Equal(t, 1, summary.Run.SkippedTests)

	for i := 1; i < len(summary.Cases); i++ {
		assert.Less(t, summary.Cases[i-1].Name, summary.Cases[i].Name)
	}
}

func TestRun_ValidationMismatchAndMissingFixture(t *testing.T) {
	f := newFixture(t)
	f.addCase("test-mismatch", map[string]string{
		"config.json":        `{"expected_files": {"table": "expected-table.txt", "csv": "missing.csv"}}`,
		"expected-table.txt": "OpenAPI Endpoint Usage Report\nformat: csv\n",
	})

	summary, err := f.runner().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Cases, 1)

	c := summary.Cases[0]
	assert.Equal(t, store.ExecFailed, c.Status)
	assert.Equal(t, "validation failed: csv, table", c.Message)

	vals, err := f.store.ListFailedValidations(context.Background(), summary.Run.ID)
	require.NoError(t, err)
	require.Len(t, vals, 2)

	assert.Equal(t, "csv", vals[0].OutputFormat)
	assert.Equal(t, validate.MessageNoExpected, vals[0].Message)
	assert.Nil(t, vals[0].DiffOutput)

	assert.Equal(t, "table", vals[1].OutputFormat)
	require.NotNil(t, vals[1].DiffOutput)
	assert.Contains(t, *vals[1].DiffOutput, "-format: csv")
	assert.Contains(t, *vals[1].DiffOutput, "+format: table")
}

func TestRun_InvalidDescriptorFailsCase(t *testing.T) {
	f := newFixture(t)
	f.addCase("test-broken", map[string]string{"config.json": `{"args": [`})

	summary, err := f.runner().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Cases, 1)
	assert.Equal(t, store.ExecFailed, summary.Cases[0].Status)
	assert.Contains(t, summary.Cases[0].Message, "invalid case configuration")
}

// vanishingReporter removes a case directory once the run has started.
type vanishingReporter struct {
	recordingReporter
	dir string
}

func (r *vanishingReporter) RunStarted(runID uint, n int) {
	r.recordingReporter.RunStarted(runID, n)
	_ = os.RemoveAll(r.dir)
}

func TestRun_MissingCaseDirectoryFailsOnlyThatCase(t *testing.T) {
	f := newFixture(t)
	f.addCase("test-gone", nil)
	f.addCase("test-ok", nil)

	rep := &vanishingReporter{dir: filepath.Join(f.root, "test-gone")}

	summary, err := f.runner(WithReporter(rep)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Cases, 2)

	byName := make(map[string]*CaseResult, len(summary.Cases))
	for _, c := range summary.Cases {
		byName[c.Name] = c
	}

	assert.Equal(t, store.ExecFailed, byName["test-gone"].Status)
	assert.Contains(t, byName["test-gone"].Message, "case directory not accessible")
	assert.Equal(t, store.ExecPassed, byName["test-ok"].Status)
	assert.Equal(t, store.RunFailed, summary.Run.Status)
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.binary, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))
	f.suite.Timeout = 200 * time.Millisecond
	f.addCase("test-slow", nil)

	summary, err := f.runner().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Cases, 1)

	c := summary.Cases[0]
	assert.Equal(t, store.ExecFailed, c.Status)
	assert.Equal(t, "timed out after 200ms", c.Message)
	require.NotNil(t, c.ExitCode)
	assert.Equal(t, executor.TimeoutExitCode, *c.ExitCode)
}

func TestRun_MissingBinaryIsFatalBeforeRunRow(t *testing.T) {
	f := newFixture(t)
	f.addStandardSuite()
	f.suite.Binary = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := f.runner().Run(context.Background())
	require.ErrorIs(t, err, executor.ErrBinaryNotFound)

	runs, err := f.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestRun_InterruptLeavesRunRunning(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(f.binary, []byte("#!/bin/sh\nexec sleep 5\n"), 0o755))
	f.addCase("test-slow", nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := f.runner().Run(ctx)
	require.Error(t, err)

	runs, err := f.store.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunRunning, runs[0].Status)
}

func TestRun_BaselineCheck(t *testing.T) {
	f := newFixture(t)
	f.addCase("test-a", nil)

	monitor := regression.NewMonitor(testLogger(), &config.RegressionConfig{
		BaselineFile: filepath.Join(t.TempDir(), "baseline.json"),
		Threshold:    0.10,
	}, nil)

	first, err := f.runner(WithMonitor(monitor)).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first.Regression)
	assert.True(t, first.Regression.Created)

	second, err := f.runner(WithMonitor(monitor)).Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, second.Regression)
	assert.False(t, second.Regression.Created)
	require.Len(t, second.Regression.Findings, 1)
	assert.Equal(t, "test-a", second.Regression.Findings[0].Name)
}
