package main

import (
	"fmt"
	"os"
	"sync"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/ethpandaops/testbench/pkg/runner"
	"github.com/ethpandaops/testbench/pkg/store"
)

// progressReporter drives a terminal progress bar from runner events.
type progressReporter struct {
	mu     sync.Mutex
	bar    *progressbar.ProgressBar
	failed int
}

var _ runner.Reporter = (*progressReporter)(nil)

func (p *progressReporter) RunStarted(runID uint, cases int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.bar = progressbar.NewOptions(cases,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(fmt.Sprintf("run %d", runID)),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
}

func (p *progressReporter) CaseFinished(res *runner.CaseResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar == nil {
		return
	}

	if res.Status == store.ExecFailed {
		p.failed++
		p.bar.Describe(color.RedString("%d failed", p.failed))
	}

	_ = p.bar.Add(1)
}

func (p *progressReporter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Finish()
	}
}
