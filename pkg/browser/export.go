package browser

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/testbench/pkg/store"
	"github.com/ethpandaops/testbench/pkg/sysinfo"
	"github.com/ethpandaops/testbench/pkg/validate"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatMarkdown = "markdown"
)

// Formats lists the supported export encodings.
var Formats = []string{FormatJSON, FormatCSV, FormatMarkdown}

// ContentType returns the MIME type of an export format.
func ContentType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatCSV:
		return "text/csv"
	case FormatMarkdown:
		return "text/markdown"
	default:
		return "application/octet-stream"
	}
}

// Extension returns the file extension of an export format.
func Extension(format string) string {
	if format == FormatMarkdown {
		return "md"
	}

	return format
}

// Document is the structured export of a single run.
type Document struct {
	GeneratedAt time.Time           `json:"generated_at"`
	Host        *sysinfo.Info       `json:"host,omitempty"`
	Run         store.TestRun       `json:"run"`
	Executions  []ExportedExecution `json:"executions"`
}

// ExportedExecution is an execution with its validations attached.
type ExportedExecution struct {
	store.TestExecution
	Validations []ExportedValidation `json:"validations"`
}

// ExportedValidation omits the stored contents and carries a bounded diff.
type ExportedValidation struct {
	Format  string `json:"format"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Diff    string `json:"diff,omitempty"`
}

// Document builds the export document for a run.
func (b *Browser) Document(ctx context.Context, runID uint) (*Document, error) {
	detail, err := b.Show(ctx, runID)
	if err != nil {
		return nil, err
	}

	vals, err := b.store.ListValidations(ctx, runID)
	if err != nil {
		return nil, err
	}

	byExec := make(map[uint][]ExportedValidation, len(detail.Executions))

	for _, v := range vals {
		ev := ExportedValidation{
			Format:  v.OutputFormat,
			Status:  v.Status,
			Message: v.Message,
		}

		if v.DiffOutput != nil {
			ev.Diff = validate.TruncateDiff(*v.DiffOutput, b.previewChars)
		}

		byExec[v.TestExecutionID] = append(byExec[v.TestExecutionID], ev)
	}

	doc := &Document{
		GeneratedAt: b.now(),
		Host:        b.host,
		Run:         detail.Run,
		Executions:  make([]ExportedExecution, 0, len(detail.Executions)),
	}

	for _, e := range detail.Executions {
		ee := ExportedExecution{TestExecution: e, Validations: byExec[e.ID]}
		if ee.Validations == nil {
			ee.Validations = []ExportedValidation{}
		}

		doc.Executions = append(doc.Executions, ee)
	}

	return doc, nil
}

// Export serializes a run in the requested format.
func (b *Browser) Export(ctx context.Context, runID uint, format string) ([]byte, error) {
	switch format {
	case FormatJSON, FormatCSV, FormatMarkdown:
	default:
		return nil, fmt.Errorf("unsupported export format %q (expected one of %s)",
			format, strings.Join(Formats, ", "))
	}

	doc, err := b.Document(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding json: %w", err)
		}

		return append(data, '\n'), nil
	case FormatCSV:
		return encodeCSV(doc)
	default:
		return []byte(encodeMarkdown(doc, b.previewChars*4)), nil
	}
}

var csvHeader = []string{
	"run_id", "test_name", "status", "duration_seconds", "memory_mb",
	"exit_code", "expected_exit_code", "error_message", "validations",
}

func encodeCSV(doc *Document) ([]byte, error) {
	var buf bytes.Buffer

	w := csv.NewWriter(&buf)

	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}

	for _, e := range doc.Executions {
		record := []string{
			strconv.FormatUint(uint64(e.TestRunID), 10),
			e.TestName,
			e.Status,
			strconv.FormatFloat(e.DurationSeconds, 'f', 3, 64),
			optFloat(e.MemoryMB),
			optInt(e.ExitCode),
			strconv.Itoa(e.ExpectedExitCode),
			optString(e.ErrorMessage),
			validationSummary(e.Validations),
		}

		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("writing csv record: %w", err)
		}
	}

	w.Flush()

	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}

	return buf.Bytes(), nil
}

// validationSummary renders validations as "format:status" pairs.
func validationSummary(vals []ExportedValidation) string {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, v.Format+":"+v.Status)
	}

	sort.Strings(parts)

	return strings.Join(parts, ";")
}

func optFloat(v *float64) string {
	if v == nil {
		return ""
	}

	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func optInt(v *int) string {
	if v == nil {
		return ""
	}

	return strconv.Itoa(*v)
}

func optString(v *string) string {
	if v == nil {
		return ""
	}

	return *v
}
