package patching

import "fmt"

// UpdateFailure records one update that still failed after every attempt.
// It is recorded in the tally and never aborts the batch.
type UpdateFailure struct {
	ID       string
	Name     string
	Outcome  Outcome
	Attempts int
	TimedOut bool
	// Err is set when the last attempt failed before an exit code existed.
	Err error
}

func (e *UpdateFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("update %s failed after %d attempt(s): %v", e.ID, e.Attempts, e.Err)
	}
	if e.TimedOut {
		return fmt.Sprintf("update %s timed out after %d attempt(s)", e.ID, e.Attempts)
	}
	return fmt.Sprintf("update %s failed after %d attempt(s): exit %s", e.ID, e.Attempts, FormatExitCode(e.Outcome.Code))
}

func (e *UpdateFailure) Unwrap() error { return e.Err }

// FatalInitError means the package manager itself is unusable. The batch is
// aborted and the process exits non-zero.
type FatalInitError struct {
	Phase State
	Err   error
}

func (e *FatalInitError) Error() string {
	return fmt.Sprintf("package manager unavailable during %s: %v", e.Phase, e.Err)
}

func (e *FatalInitError) Unwrap() error { return e.Err }
