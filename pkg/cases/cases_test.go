package cases

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/normalize"
)

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func mkCase(t *testing.T, root, name string, files map[string]string) string {
	t.Helper()

	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	for file, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	}

	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-defaults", nil)

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "test-defaults", c.Name)
	assert.Equal(t, []string{"-d", "src", "--no-colors"}, c.Args)
	assert.Equal(t, 0, c.ExpectedExitCode)
	assert.Empty(t, c.ExpectedFormats())
	assert.True(t, c.Satisfiable())
}

func TestLoad_JSONDescriptor(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-json", map[string]string{
		"config.json": `{
			"args": ["-d src", "--no-colors", "-s", "api.yaml"],
			"expected_exit_code": 2,
			"expected_files": {"Table": "out.txt", "json": "out.json"},
			"skip_tools": ["definitely-not-a-real-tool-xyz"],
			"performance": {"max_time_seconds": 1.5, "max_memory_mb": 64}
		}`,
	})

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"-d", "src", "--no-colors", "-s", "api.yaml"}, c.Args)
	assert.Equal(t, 2, c.ExpectedExitCode)
	assert.Equal(t, []string{"json", "table"}, c.ExpectedFormats())
	assert.False(t, c.Satisfiable())
	assert.Equal(t, []string{"definitely-not-a-real-tool-xyz"}, c.MissingTools)
	require.NotNil(t, c.Performance)
	assert.InDelta(t, 1.5, c.Performance.MaxTimeSeconds, 1e-9)

	path, ok := c.FixturePath("json")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "out.json"), path)
}

func TestLoad_YAMLDescriptorWithStringArgs(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-yaml", map[string]string{
		"config.yaml": "args: -d src --format csv\nrequired_tools: sh\n",
	})

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, []string{"-d", "src", "--format", "csv"}, c.Args)
	assert.Equal(t, []string{"sh"}, c.RequiredTools)
	assert.Equal(t, "csv", c.PrimaryFormat("table"))
}

func TestLoad_ConventionalFixtures(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-conv", map[string]string{
		"expected-table.txt": "x",
		"expected-csv.csv":   "y",
	})

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"csv", "table"}, c.ExpectedFormats())
}

func TestLoad_DescriptorWithoutExpectedFilesIsExitCodeOnly(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-exit-only", map[string]string{
		"config.json":        `{"args": ["-d", "src"], "expected_exit_code": 1}`,
		"expected-table.txt": "stale fixture",
	})

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Empty(t, c.ExpectedFormats())
	assert.Equal(t, 1, c.ExpectedExitCode)
}

func TestLoad_MalformedDescriptor(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-broken", map[string]string{
		"config.json": `{"args": [`,
	})

	c, err := Load(dir)
	require.Error(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "test-broken", c.Name)
}

func TestArgsForFormat(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "appends when absent",
			args: []string{"-d", "src"},
			want: []string{"-d", "src", "--format", "json"},
		},
		{
			name: "replaces short flag",
			args: []string{"-f", "table", "-d", "src"},
			want: []string{"-f", "json", "-d", "src"},
		},
		{
			name: "replaces long flag with equals",
			args: []string{"--format=csv", "-d", "src"},
			want: []string{"--format=json", "-d", "src"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Case{Args: tt.args}
			assert.Equal(t, tt.want, c.ArgsForFormat("json", "--format"))
			assert.Equal(t, tt.args, c.Args, "original args must not be mutated")
		})
	}
}

func TestPrefixDiscoverer(t *testing.T) {
	root := t.TempDir()
	mkCase(t, root, "test-b", nil)
	mkCase(t, root, "test-a", nil)
	mkCase(t, root, "other", nil)
	mkCase(t, root, "test-c-filtered", nil)
	require.NoError(t, os.WriteFile(filepath.Join(root, "test-file"), []byte("x"), 0o644))

	d, err := NewDiscoverer(testLogger(), &config.SuiteConfig{Root: root, Discovery: config.DiscoveryPrefix})
	require.NoError(t, err)

	got, err := d.Discover(context.Background())
	require.NoError(t, err)

	names := make([]string, 0, len(got))
	for _, c := range got {
		names = append(names, c.Name)
	}

	assert.Equal(t, []string{"test-a", "test-b", "test-c-filtered"}, names)

	d, err = NewDiscoverer(testLogger(), &config.SuiteConfig{
		Root: root, Discovery: config.DiscoveryPrefix, Filter: "filtered",
	})
	require.NoError(t, err)

	got, err = d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "test-c-filtered", got[0].Name)
}

func TestPrefixDiscoverer_UnsatisfiableCasesAreKept(t *testing.T) {
	root := t.TempDir()
	mkCase(t, root, "test-needs-tool", map[string]string{
		"config.json": `{"skip_tools": ["definitely-not-a-real-tool-xyz"]}`,
	})
	mkCase(t, root, "test-broken", map[string]string{"config.json": `nope`})

	d := &PrefixDiscoverer{log: testLogger(), Root: root, Prefix: "test-"}

	got, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Error(t, got[0].LoadErr)
	assert.False(t, got[1].Satisfiable())
}

func TestGlobDiscoverer(t *testing.T) {
	root := t.TempDir()
	mkCase(t, root, "suite/one", nil)
	mkCase(t, root, "suite/two", nil)
	mkCase(t, root, "extra/three", nil)

	d, err := NewDiscoverer(testLogger(), &config.SuiteConfig{
		Root: root, Discovery: config.DiscoveryGlob, Patterns: []string{"suite/*", "*/t*", "suite/one"},
	})
	require.NoError(t, err)

	got, err := d.Discover(context.Background())
	require.NoError(t, err)

	dirs := make([]string, 0, len(got))
	for _, c := range got {
		rel, err := filepath.Rel(root, c.Dir)
		require.NoError(t, err)

		dirs = append(dirs, rel)
	}

	assert.Equal(t, []string{"extra/three", "suite/one", "suite/two"}, dirs)
}

func TestDiscover_MissingRoot(t *testing.T) {
	d := &PrefixDiscoverer{log: testLogger(), Root: "/nonexistent/root", Prefix: "test-"}

	_, err := d.Discover(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLoadFixtures(t *testing.T) {
	dir := mkCase(t, t.TempDir(), "test-fx", map[string]string{
		"config.json":        `{"expected_files": {"table": "expected-table.txt", "csv": "missing.csv"}}`,
		"expected-table.txt": "\uFEFFline one\r\nline two\r\n",
	})

	c, err := Load(dir)
	require.NoError(t, err)

	fixtures := LoadFixtures(c, normalize.Canonicalize)
	require.Len(t, fixtures, 2)

	assert.Equal(t, "csv", fixtures[0].Format)
	assert.Nil(t, fixtures[0].Content)
	assert.Error(t, fixtures[0].Err)

	assert.Equal(t, "table", fixtures[1].Format)
	require.NotNil(t, fixtures[1].Content)
	assert.Equal(t, "line one\nline two\n", *fixtures[1].Content)
}
