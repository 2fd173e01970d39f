package modelrun

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across runtime implementations. Match with
// errors.Is; concrete errors wrap these with situational detail.
var (
	// ErrUnavailable means the runtime cannot take this invocation right
	// now, for example because its pool is full of busy workers. The
	// request itself was fine; retrying later may succeed.
	ErrUnavailable = errors.New("modelrun: runtime unavailable")

	// ErrBusy means the session named by the request already has an
	// invocation in flight.
	ErrBusy = errors.New("modelrun: session busy")

	// ErrHang means a running invocation produced no output for longer
	// than the runtime's hang threshold and was killed.
	ErrHang = errors.New("modelrun: runtime hang")

	// ErrTerminated means the underlying process went away before or
	// during the invocation.
	ErrTerminated = errors.New("modelrun: process terminated")
)

// ExitError reports that an invocation's process exited unsuccessfully.
type ExitError struct {
	// Code is the process exit code, or -1 when the process was killed by
	// a signal and no code is available.
	Code int

	// Err is the underlying error from the wait, if any.
	Err error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("modelrun: process exited with code %d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("modelrun: process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode extracts the exit code from an error chain containing an
// ExitError. The second return is false when no ExitError is present.
func ExitCode(err error) (int, bool) {
	var exit *ExitError
	if errors.As(err, &exit) {
		return exit.Code, true
	}
	return 0, false
}
