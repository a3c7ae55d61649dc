// Package executor runs external binaries with discrete arguments and
// captures their combined output and exit code.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/breeze-rmm/provision/internal/logging"
)

// MaxOutputSize caps the combined stdout/stderr kept per invocation.
const MaxOutputSize = 1024 * 1024 // 1MB

// waitDelay bounds how long Wait blocks on inherited pipes after the
// process group has been killed.
const waitDelay = 5 * time.Second

// InvocationResult is the outcome of one child process run. A non-zero
// ExitCode is data, not an error.
type InvocationResult struct {
	ExitCode int
	Output   string
	Duration time.Duration
	TimedOut bool
}

// ExecutionError means the binary could not be located or started at all.
// Callers treat it as fatal: retrying will not make the binary appear.
type ExecutionError struct {
	Path string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("cannot execute %s: %v", e.Path, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Runner launches child processes. The zero value is usable and applies no
// timeout.
type Runner struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner returns a Runner that kills any child still running after
// timeout. A timeout of zero disables the bound.
func NewRunner(timeout time.Duration, logger *slog.Logger) *Runner {
	return &Runner{timeout: timeout, logger: logger}
}

// WithTimeout returns a copy of r using a different per-invocation bound.
func (r *Runner) WithTimeout(timeout time.Duration) *Runner {
	cp := *r
	cp.timeout = timeout
	return &cp
}

// Run executes path with args and waits for it to exit. Stdout and stderr are
// merged into a single bounded buffer in arrival order.
func (r *Runner) Run(ctx context.Context, path string, args ...string) (InvocationResult, error) {
	log := logging.Or(r.logger, "executor")

	resolved, err := exec.LookPath(path)
	if err != nil {
		return InvocationResult{ExitCode: -1}, &ExecutionError{Path: path, Err: err}
	}

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, resolved, args...)
	var buf bytes.Buffer
	out := &limitedWriter{buf: &buf, limit: MaxOutputSize}
	cmd.Stdout = out
	cmd.Stderr = out

	// Set process group so children are killed on timeout
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	log.Debug("starting process", "path", resolved, "args", args)
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return InvocationResult{ExitCode: -1}, &ExecutionError{Path: resolved, Err: err}
	}
	waitErr := cmd.Wait()

	result := InvocationResult{
		Output:   out.String(),
		Duration: time.Since(start),
	}

	switch {
	case waitErr == nil:
		result.ExitCode = 0
	case r.timeout > 0 && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.ExitCode = -1
		result.TimedOut = true
		log.Warn("process timed out", "path", resolved, "timeout", r.timeout)
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	}

	log.Debug("process exited",
		"path", resolved,
		logging.KeyExitCode, result.ExitCode,
		logging.KeyDurationMs, result.Duration.Milliseconds(),
	)
	return result, nil
}

// limitedWriter wraps a buffer with a size limit. Stdout and stderr share
// one instance, so writes are serialized.
type limitedWriter struct {
	mu      sync.Mutex
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	remaining := w.limit - w.written
	orig := len(p)
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return orig, err // Return original length to avoid short write errors
}

func (w *limitedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}
