package validate

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/ethpandaops/testbench/pkg/config"
	"github.com/ethpandaops/testbench/pkg/normalize"
)

// Status is the verdict for a single output format.
type Status string

const (
	StatusPassed Status = "passed"
	StatusFailed Status = "failed"
)

// MessageNoExpected is recorded when a format is declared but no expected
// content exists for it.
const MessageNoExpected = "no expected result"

// Outcome is the result of comparing one format's output.
type Outcome struct {
	Format   string
	Status   Status
	Expected *string
	Actual   string
	Diff     string
	Message  string
}

// Passed reports whether the outcome is a pass.
func (o *Outcome) Passed() bool {
	return o.Status == StatusPassed
}

// Validator compares normalized output against expected content.
type Validator struct {
	norm         *normalize.Normalizer
	previewChars int
	context      int
}

// New creates a Validator. A nil normalizer uses the built-in rules.
func New(norm *normalize.Normalizer, cfg *config.ValidationConfig) *Validator {
	if norm == nil {
		norm = normalize.Default()
	}

	preview := cfg.DiffPreviewChars
	if preview <= 0 {
		preview = config.DefaultDiffPreviewChars
	}

	ctxLines := cfg.DiffContext
	if ctxLines < 0 {
		ctxLines = 0
	}

	return &Validator{norm: norm, previewChars: preview, context: ctxLines}
}

// Validate normalizes actual (and expected, which is a no-op for fixtures
// already stored in normalized form) and compares them. A nil expected
// yields a failure with no diff.
func (v *Validator) Validate(name, format string, expected *string, actual string) *Outcome {
	normalized := v.norm.Normalize(actual)

	out := &Outcome{
		Format:   format,
		Expected: expected,
		Actual:   normalized,
	}

	if expected == nil {
		out.Status = StatusFailed
		out.Message = MessageNoExpected

		return out
	}

	want := v.norm.Normalize(*expected)
	if want == normalized {
		out.Status = StatusPassed

		return out
	}

	out.Status = StatusFailed
	out.Message = "output differs from expected"
	out.Diff = TruncateDiff(v.unifiedDiff(name, format, want, normalized), v.previewChars)

	return out
}

func (v *Validator) unifiedDiff(name, format, want, got string) string {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(want),
		B:        difflib.SplitLines(got),
		FromFile: fmt.Sprintf("expected/%s.%s", name, format),
		ToFile:   fmt.Sprintf("actual/%s.%s", name, format),
		Context:  v.context,
	}

	text, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return fmt.Sprintf("diff unavailable: %v", err)
	}

	return text
}

// TruncateDiff bounds diff to at most maxChars characters of content,
// cutting at a line boundary and appending a summary of what was elided.
func TruncateDiff(diff string, maxChars int) string {
	if maxChars <= 0 || len(diff) <= maxChars {
		return diff
	}

	cut := strings.LastIndexByte(diff[:maxChars], '\n')
	if cut <= 0 {
		cut = maxChars
	}

	rest := diff[cut:]
	added, removed := countChanges(rest)

	return fmt.Sprintf(
		"%s\n... (diff truncated, %d more bytes, +%d/-%d lines)",
		strings.TrimRight(diff[:cut], "\n"), len(rest), added, removed,
	)
}

func countChanges(diff string) (added, removed int) {
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			removed++
		}
	}

	return added, removed
}
