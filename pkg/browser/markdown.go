package browser

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/ethpandaops/testbench/pkg/store"
	"github.com/ethpandaops/testbench/pkg/sysinfo"
)

// encodeMarkdown renders a run summary. The failed cases section is last
// and is cut short once the output would exceed maxChars.
func encodeMarkdown(doc *Document, maxChars int) string {
	var sb strings.Builder

	sb.Grow(4096)

	writeTitle(&sb, doc.Run.ID)
	writeOverview(&sb, doc)
	writeTestResults(&sb, &doc.Run)
	writeExecutions(&sb, doc.Executions)
	writeSystem(&sb, doc.Host)
	writeFailedCases(&sb, doc.Executions, maxChars)

	return sb.String()
}

func writeTitle(sb *strings.Builder, runID uint) {
	fmt.Fprintf(sb, "# Test Run: %d\n\n", runID)
}

func writeOverview(sb *strings.Builder, doc *Document) {
	sb.WriteString("## Overview\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	fmt.Fprintf(sb, "| Status | %s |\n", doc.Run.Status)
	fmt.Fprintf(sb, "| Started | %s |\n",
		doc.Run.RunTimestamp.UTC().Format("2006-01-02 15:04:05 UTC"))

	if d := suiteDuration(doc.Executions); d > 0 {
		fmt.Fprintf(sb, "| Case Time | %s |\n", formatDuration(d))
	}

	if doc.Run.LogFile != "" {
		fmt.Fprintf(sb, "| Log File | `%s` |\n", doc.Run.LogFile)
	}

	sb.WriteByte('\n')
}

func writeTestResults(sb *strings.Builder, run *store.TestRun) {
	sb.WriteString("## Test Results\n\n")
	sb.WriteString("| Total | Passed | Failed | Skipped |\n")
	sb.WriteString("|---|---|---|---|\n")
	fmt.Fprintf(sb, "| %d | %d | %d | %d |\n\n",
		run.TotalTests, run.PassedTests, run.FailedTests, run.SkippedTests)
}

func writeExecutions(sb *strings.Builder, execs []ExportedExecution) {
	if len(execs) == 0 {
		return
	}

	sb.WriteString("## Cases\n\n")
	sb.WriteString("| Case | Status | Duration | Memory | Exit Code |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, e := range execs {
		fmt.Fprintf(sb, "| %s | %s | %s | %s | %s |\n",
			e.TestName,
			e.Status,
			formatDuration(secondsToDuration(e.DurationSeconds)),
			formatMemory(e.MemoryMB),
			formatExitCode(e.ExitCode),
		)
	}

	sb.WriteByte('\n')
}

func writeSystem(sb *strings.Builder, sys *sysinfo.Info) {
	if sys == nil {
		return
	}

	sb.WriteString("## System\n\n")
	sb.WriteString("| Field | Value |\n")
	sb.WriteString("|---|---|\n")

	if sys.Hostname != "" {
		fmt.Fprintf(sb, "| Hostname | %s |\n", sys.Hostname)
	}

	if sys.CPUModel != "" {
		fmt.Fprintf(sb, "| CPU | %s |\n", sys.CPUModel)
	}

	if sys.CPUCores > 0 {
		fmt.Fprintf(sb, "| Cores | %d |\n", sys.CPUCores)
	}

	if sys.MemoryTotalGB > 0 {
		fmt.Fprintf(sb, "| Memory | %.1f GB |\n", sys.MemoryTotalGB)
	}

	if sys.Platform != "" {
		platform := sys.Platform
		if sys.PlatformVersion != "" {
			platform += " " + sys.PlatformVersion
		}

		fmt.Fprintf(sb, "| Platform | %s |\n", platform)
	}

	if sys.Arch != "" {
		fmt.Fprintf(sb, "| Arch | %s |\n", sys.Arch)
	}

	if sys.KernelVersion != "" {
		fmt.Fprintf(sb, "| Kernel | %s |\n", sys.KernelVersion)
	}

	sb.WriteByte('\n')
}

func writeFailedCases(sb *strings.Builder, execs []ExportedExecution, maxChars int) {
	var failed []ExportedExecution

	for _, e := range execs {
		if e.Status == store.ExecFailed {
			failed = append(failed, e)
		}
	}

	if len(failed) == 0 {
		return
	}

	sb.WriteString("## Failed Cases\n\n")
	sb.WriteString("| Case | Reason |\n")
	sb.WriteString("|---|---|\n")

	// Reserve space for the truncation message.
	const reserveChars = 100

	for i, e := range failed {
		row := fmt.Sprintf("| %s | %s |\n", e.TestName, escapeCell(failureReason(e)))

		if maxChars > 0 && sb.Len()+len(row)+reserveChars > maxChars {
			fmt.Fprintf(sb,
				"\n*%d more failed case(s) not shown "+
					"(output truncated at %d chars)*\n",
				len(failed)-i, maxChars)

			return
		}

		sb.WriteString(row)
	}
}

// failureReason is the error message, or the formats that failed validation.
func failureReason(e ExportedExecution) string {
	if e.ErrorMessage != nil && *e.ErrorMessage != "" {
		return *e.ErrorMessage
	}

	var formats []string

	for _, v := range e.Validations {
		if v.Status == store.ValidationFailed {
			formats = append(formats, v.Format)
		}
	}

	if len(formats) == 0 {
		return "unknown"
	}

	return "output mismatch: " + strings.Join(formats, ", ")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)

	return strings.ReplaceAll(s, "\n", " ")
}

func suiteDuration(execs []ExportedExecution) time.Duration {
	var total float64
	for _, e := range execs {
		total += e.DurationSeconds
	}

	return secondsToDuration(total)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// formatDuration formats a time.Duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := d.Seconds() - float64(hours*3600+minutes*60)

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, int(seconds))
	}

	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, int(seconds))
	}

	return fmt.Sprintf("%.2fs", seconds)
}

// formatMemory renders a mebibyte value with binary units.
func formatMemory(mb *float64) string {
	if mb == nil {
		return "-"
	}

	return units.BytesSize(*mb * 1024 * 1024)
}

func formatExitCode(code *int) string {
	if code == nil {
		return "-"
	}

	return fmt.Sprintf("%d", *code)
}
