// Package process holds the exit path shared by the exepack binaries.
// Fatal conditions travel up to main as errors; main hands them to Exit,
// which prints one line to stderr and terminates with the carried code.
package process

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// ExitError attaches an exit status to an error.
type ExitError struct {
	Code int
	Err  error
}

// WithCode wraps err so that Exit terminates with code. A nil err stays nil.
func WithCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: code, Err: err}
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode returns the status Exit would use for err: the code of the
// outermost ExitError, 0 for nil, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return 1
}

// Report writes "name: error: err" to w and returns the exit status.
func Report(w io.Writer, name string, err error) int {
	code := ExitCode(err)
	if code != 0 {
		fmt.Fprintf(w, "%s: error: %v\n", name, err)
	}
	return code
}

// Exit reports err on stderr and terminates the process. It returns
// normally only when err is nil.
func Exit(name string, err error) {
	if err == nil {
		return
	}
	os.Exit(Report(os.Stderr, name, err))
}
