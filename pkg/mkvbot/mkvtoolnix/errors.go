package mkvtoolnix

import (
	"errors"
	"fmt"
)

// Errors.
var (
	// ErrToolNotFound is returned when a configured binary cannot be resolved on PATH.
	ErrToolNotFound = errors.New("tool not found")

	// ErrProcessFailed is returned when a tool exits with a failing exit code.
	ErrProcessFailed = errors.New("process failed")

	// ErrTimeout is returned when a tool produced no output within the inactivity window.
	// A timed out job is also a failed process: errors.Is(err, ErrProcessFailed) holds.
	ErrTimeout = errors.New("tool stopped producing output")

	// ErrJobConsumed is returned when a JobRequest is passed to Run a second time.
	ErrJobConsumed = errors.New("job request already consumed")

	// ErrInvalidJob is returned by the job builders for arguments that cannot be passed to a tool.
	ErrInvalidJob = errors.New("invalid job request")
)

// ProcessError describes a failed tool invocation.
type ProcessError struct {
	Tool     Tool
	ExitCode int
	// Excerpt is the tail of the tool's diagnostic output.
	Excerpt string
	// Err is the underlying cause (ErrTimeout, or the *exec.ExitError).
	Err error
}

func (e *ProcessError) Error() string {
	if errors.Is(e.Err, ErrTimeout) {
		return fmt.Sprintf("%s: %v", e.Tool, ErrTimeout)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}

// Unwrap exposes both ErrProcessFailed and the underlying cause.
func (e *ProcessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProcessFailed}
	}
	return []error{ErrProcessFailed, e.Err}
}
