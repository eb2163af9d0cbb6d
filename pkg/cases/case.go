package cases

import (
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

// Supported subject output formats.
const (
	FormatTable    = "table"
	FormatCSV      = "csv"
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// DefaultArgs are used when a case does not declare arguments.
var DefaultArgs = []string{"-d", "src", "--no-colors"}

// fixtureExtensions maps a format to the extension of its conventional
// fixture file, expected-<format>.<ext>.
var fixtureExtensions = map[string]string{
	FormatTable:    "txt",
	FormatCSV:      "csv",
	FormatJSON:     "json",
	FormatMarkdown: "md",
}

// Performance holds advisory per-case expectations.
type Performance struct {
	MaxTimeSeconds float64 `mapstructure:"max_time_seconds" json:"max_time_seconds,omitempty"`
	MaxMemoryMB    float64 `mapstructure:"max_memory_mb" json:"max_memory_mb,omitempty"`
}

// Case is an explicit test case descriptor.
type Case struct {
	Name             string
	Dir              string
	Description      string
	Args             []string
	ExpectedExitCode int
	// ExpectedFiles maps an output format to its fixture file, relative to Dir.
	ExpectedFiles map[string]string
	RequiredTools []string
	Performance   *Performance
	// MissingTools lists required tools not resolvable on PATH at discovery time.
	MissingTools []string
	// LoadErr is set when the case descriptor could not be parsed.
	LoadErr error
}

// Satisfiable reports whether every required tool is available.
func (c *Case) Satisfiable() bool {
	return len(c.MissingTools) == 0
}

// ExpectedFormats returns the declared output formats in sorted order.
func (c *Case) ExpectedFormats() []string {
	formats := make([]string, 0, len(c.ExpectedFiles))
	for f := range c.ExpectedFiles {
		formats = append(formats, f)
	}

	sort.Strings(formats)

	return formats
}

// FixturePath returns the absolute path of the fixture for format.
func (c *Case) FixturePath(format string) (string, bool) {
	rel, ok := c.ExpectedFiles[format]
	if !ok {
		return "", false
	}

	if filepath.IsAbs(rel) {
		return rel, true
	}

	return filepath.Join(c.Dir, rel), true
}

// ArgsForFormat returns the case arguments with the output format set to
// format. An existing -f/--format value is replaced; otherwise flag and
// format are appended.
func (c *Case) ArgsForFormat(format, flag string) []string {
	if flag == "" {
		flag = "--format"
	}

	args := make([]string, 0, len(c.Args)+2)
	replaced := false

	for i := 0; i < len(c.Args); i++ {
		arg := c.Args[i]

		switch {
		case arg == "-f" || arg == "--format" || arg == flag:
			args = append(args, arg, format)
			replaced = true
			i++
		case strings.HasPrefix(arg, "--format="):
			args = append(args, "--format="+format)
			replaced = true
		default:
			args = append(args, arg)
		}
	}

	if !replaced {
		args = append(args, flag, format)
	}

	return args
}

// PrimaryFormat returns the format the case's own arguments select, or
// fallback when none is given.
func (c *Case) PrimaryFormat(fallback string) string {
	for i, arg := range c.Args {
		if (arg == "-f" || arg == "--format") && i+1 < len(c.Args) {
			return c.Args[i+1]
		}

		if v, ok := strings.CutPrefix(arg, "--format="); ok {
			return v
		}
	}

	return fallback
}

// resolveMissingTools checks each tool against PATH.
func resolveMissingTools(tools []string) []string {
	var missing []string

	for _, tool := range tools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}

	return missing
}
