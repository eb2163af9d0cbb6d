package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/testbench/pkg/config"
)

// TimeoutExitCode is reported when the subject produced no exit status,
// either because it timed out or because it was killed by a signal.
const TimeoutExitCode = -1

// ErrBinaryNotFound is returned when the subject binary cannot be resolved
// or is not executable.
var ErrBinaryNotFound = errors.New("subject binary not found")

// ErrCaseDirectory is returned when the working directory of a request
// cannot be entered. It affects only that case.
var ErrCaseDirectory = errors.New("case directory not accessible")

// Executor runs the subject binary for a single case.
type Executor interface {
	// Preflight resolves the subject binary. It must succeed before a run
	// is recorded.
	Preflight() error

	// Execute runs the subject once and captures its output.
	Execute(ctx context.Context, req *Request) (*Result, error)

	// Binary returns the resolved binary path after a successful Preflight.
	Binary() string
}

// Request describes one subject invocation.
type Request struct {
	// Dir is the working directory, normally the case directory.
	Dir  string
	Args []string
}

// Result captures a completed invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// PeakMemoryBytes is the highest RSS observed while sampling, nil when
	// sampling is disabled or the process exited before the first sample.
	PeakMemoryBytes *uint64
	TimedOut        bool
}

// PeakMemoryMB returns the peak RSS in mebibytes, or nil.
func (r *Result) PeakMemoryMB() *float64 {
	if r.PeakMemoryBytes == nil {
		return nil
	}

	mb := float64(*r.PeakMemoryBytes) / (1024 * 1024)

	return &mb
}

// Compile-time interface check.
var _ Executor = (*executor)(nil)

// NewExecutor creates a new executor for the configured subject binary.
func NewExecutor(log logrus.FieldLogger, cfg *config.SuiteConfig) Executor {
	return &executor{
		log: log.WithField("component", "executor"),
		cfg: cfg,
	}
}

type executor struct {
	log    logrus.FieldLogger
	cfg    *config.SuiteConfig
	binary string
}

// Preflight implements Executor.
func (e *executor) Preflight() error {
	path, err := resolveBinary(e.cfg.Binary)
	if err != nil {
		return err
	}

	e.binary = path
	e.log.WithField("binary", path).Debug("Resolved subject binary")

	return nil
}

// Binary implements Executor.
func (e *executor) Binary() string {
	return e.binary
}

// Execute implements Executor.
func (e *executor) Execute(ctx context.Context, req *Request) (*Result, error) {
	if e.binary == "" {
		if err := e.Preflight(); err != nil {
			return nil, err
		}
	}

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(runCtx, e.binary, req.Args...)
	cmd.Dir = req.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	log := e.log.WithFields(logrus.Fields{
		"dir":  req.Dir,
		"args": strings.Join(req.Args, " "),
	})

	start := time.Now()

	if err := cmd.Start(); err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
			return nil, fmt.Errorf("%w: %s: %w", ErrCaseDirectory, req.Dir, pathErr.Err)
		}

		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) ||
			errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, e.binary, err)
		}

		return nil, fmt.Errorf("starting subject: %w", err)
	}

	var sampler *memorySampler
	if e.cfg.MeasureMemory {
		sampler = newMemorySampler(runCtx, cmd.Process.Pid, e.cfg.MemorySampleInterval)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
		ExitCode: TimeoutExitCode,
	}

	if sampler != nil {
		result.PeakMemoryBytes = sampler.stop()
	}

	// Operator interrupt takes precedence over the subject's outcome.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subject interrupted: %w", err)
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true

		log.WithField("timeout", timeout).Warn("Subject timed out")

		return result, nil
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, fmt.Errorf("waiting for subject: %w", waitErr)
		}
	}

	result.ExitCode = cmd.ProcessState.ExitCode()

	log.WithFields(logrus.Fields{
		"exit_code": result.ExitCode,
		"duration":  duration,
	}).Debug("Subject finished")

	return result, nil
}

// resolveBinary returns an absolute path to an executable binary. Names
// without a path separator are looked up on PATH.
func resolveBinary(binary string) (string, error) {
	if binary == "" {
		return "", fmt.Errorf("%w: no binary configured", ErrBinaryNotFound)
	}

	path, err := exec.LookPath(binary)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrBinaryNotFound, binary, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}

	return abs, nil
}

// memorySampler polls the RSS of a process until stopped.
type memorySampler struct {
	done chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	peak uint64
	seen bool
}

func newMemorySampler(ctx context.Context, pid int, interval time.Duration) *memorySampler {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}

	s := &memorySampler{done: make(chan struct{})}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return s
	}

	s.sample(ctx, proc)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sample(ctx, proc)
			}
		}
	}()

	return s
}

func (s *memorySampler) sample(ctx context.Context, proc *process.Process) {
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil || info == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info.RSS > s.peak {
		s.peak = info.RSS
	}

	s.seen = true
}

// stop ends sampling and returns the peak RSS, or nil without samples.
func (s *memorySampler) stop() *uint64 {
	close(s.done)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.seen {
		return nil
	}

	peak := s.peak

	return &peak
}
