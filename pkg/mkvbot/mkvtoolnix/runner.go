// Package mkvtoolnix runs the MKVToolNix command line tools (mkvmerge,
// mkvextract, mkvinfo) as external processes. Arguments are always passed as
// a discrete list, never through a shell.
//
// The runner streams tool output line by line, turns progress lines into
// throttled, monotonically increasing progress events, enforces an
// inactivity timeout and kills the whole process group on cancellation.
package mkvtoolnix

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Runner executes JobRequests.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	// lookPath resolves binaries; replaced in tests.
	lookPath func(string) (string, error)
}

// NewRunner creates a runner with the given configuration.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	return &Runner{
		cfg:      cfg,
		logger:   logger.With("component", "mkvtoolnix"),
		lookPath: exec.LookPath,
	}
}

// Config returns the runner configuration.
func (r *Runner) Config() Config { return r.cfg }

// Run starts the job and returns its event stream. Progress events come
// first; the final event carries the JobResult or the error. The channel is
// closed after the final event, so callers must drain it.
func (r *Runner) Run(ctx context.Context, req *JobRequest) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)

		// Updates that do not fit are coalesced into the latest one, which
		// is delivered before the final event.
		var (
			mu      sync.Mutex
			pending *Progress
		)
		res, err := r.execute(ctx, req, func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			select {
			case events <- Event{Progress: &p}:
				pending = nil
			default:
				pending = &p
			}
		})
		if pending != nil {
			events <- Event{Progress: pending}
		}
		events <- Event{Result: res, Err: err}
	}()
	return events
}

// Wait drains an event stream, calling onProgress for each progress event,
// and returns the final result.
func Wait(events <-chan Event, onProgress func(Progress)) (*JobResult, error) {
	var (
		res *JobResult
		err error
	)
	for ev := range events {
		if ev.Progress != nil {
			if onProgress != nil {
				onProgress(*ev.Progress)
			}
			continue
		}
		res, err = ev.Result, ev.Err
	}
	return res, err
}

// execute runs the process to completion.
func (r *Runner) execute(ctx context.Context, req *JobRequest, emit func(Progress)) (*JobResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidJob)
	}
	if !req.consumed.CompareAndSwap(false, true) {
		return nil, ErrJobConsumed
	}

	bin := r.cfg.Binary(req.Tool())
	path, err := r.lookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, bin)
	}

	if dir := req.OutputDir(); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("preparing output dir: %w", err)
		}
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	cmd := exec.CommandContext(runCtx, path, req.Args()...)
	configureCommand(cmd)
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	r.logger.Info("starting tool", "job_id", req.ID(), "tool", req.Tool(), "args", req.Args())
	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.removeOutputs(req)
		return nil, fmt.Errorf("starting %s: %w", req.Tool(), err)
	}

	gate := NewProgressGate(r.cfg.ProgressInterval)
	activity := make(chan struct{}, 1)
	outBuf := newTailBuffer(r.cfg.MaxOutputBytes)
	errBuf := newTailBuffer(r.cfg.MaxOutputBytes)

	onLine := func(buf *tailBuffer) func(string) {
		return func(line string) {
			select {
			case activity <- struct{}{}:
			default:
			}
			if pct, ok := ParseProgress(line); ok {
				if gate.Offer(pct) {
					emit(Progress{JobID: req.ID(), Percent: pct})
				}
				return
			}
			buf.add(line)
		}
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		readLines(stdout, onLine(outBuf))
	}()
	go func() {
		defer readers.Done()
		readLines(stderr, onLine(errBuf))
	}()

	watchdogDone := make(chan struct{})
	if r.cfg.InactivityTimeout > 0 {
		go watchdog(r.cfg.InactivityTimeout, activity, watchdogDone, func() { cancel(ErrTimeout) })
	}

	readers.Wait()
	waitErr := cmd.Wait()
	close(watchdogDone)

	result := &JobResult{
		JobID:    req.ID(),
		Tool:     req.Tool(),
		Stdout:   outBuf.String(),
		Stderr:   errBuf.String(),
		Percent:  gate.Last(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case errors.Is(context.Cause(runCtx), ErrTimeout):
		r.removeOutputs(req)
		r.logger.Warn("tool timed out", "job_id", req.ID(), "tool", req.Tool(), "timeout", r.cfg.InactivityTimeout)
		return result, &ProcessError{
			Tool:     req.Tool(),
			ExitCode: result.ExitCode,
			Excerpt:  diagnostics(result),
			Err:      ErrTimeout,
		}

	case ctx.Err() != nil:
		r.removeOutputs(req)
		r.logger.Info("tool cancelled", "job_id", req.ID(), "tool", req.Tool())
		return result, ctx.Err()

	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			r.removeOutputs(req)
			return result, fmt.Errorf("waiting for %s: %w", req.Tool(), waitErr)
		}
		if result.ExitCode == 1 && r.cfg.AcceptWarnings {
			result.Warnings = true
			break
		}
		r.removeOutputs(req)
		r.logger.Warn("tool failed", "job_id", req.ID(), "tool", req.Tool(), "exit_code", result.ExitCode)
		return result, &ProcessError{
			Tool:     req.Tool(),
			ExitCode: result.ExitCode,
			Excerpt:  diagnostics(result),
			Err:      exitErr,
		}
	}

	for _, out := range req.Outputs() {
		if _, err := os.Stat(out); err == nil {
			result.Outputs = append(result.Outputs, out)
		}
	}
	if result.Percent < 100 && result.Percent >= 0 {
		// Tools do not always print the final 100% line.
		emit(Progress{JobID: req.ID(), Percent: 100})
		result.Percent = 100
	}

	r.logger.Info("tool finished",
		"job_id", req.ID(),
		"tool", req.Tool(),
		"outputs", len(result.Outputs),
		"warnings", result.Warnings,
		"duration", result.Duration,
	)
	return result, nil
}

// removeOutputs deletes partial outputs of a job that did not succeed.
func (r *Runner) removeOutputs(req *JobRequest) {
	for _, out := range req.Outputs() {
		if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("failed to remove partial output", "path", out, "error", err)
		}
	}
}

// diagnostics picks the most useful captured stream for error reports.
// mkvmerge writes its "Error:" lines to stdout.
func diagnostics(res *JobResult) string {
	if res.Stderr != "" {
		return res.Stderr
	}
	return res.Stdout
}

// readLines scans r and calls fn for every non-empty line.
func readLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLines)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			fn(line)
		}
	}
	// Drain anything left after a scanner error so the process never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// watchdog calls expire when no activity was signalled for timeout.
func watchdog(timeout time.Duration, activity <-chan struct{}, done <-chan struct{}, expire func()) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-done:
			return
		case <-activity:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			expire()
			return
		}
	}
}
