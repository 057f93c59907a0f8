//go:build !unix

package extract

import (
	"errors"
	"os"
	"os/exec"
)

// execProcess emulates exec where the platform has none: it runs the
// program as a child with the same stdio, waits, removes the temporary
// file and exits with the child's status. Unlike a real exec the stub
// stays alive as the parent, so the program gets a new pid and signals
// sent to the stub are not forwarded.
func execProcess(argv0 string, argv []string, envv []string) error {
	cmd := exec.Command(argv0)
	cmd.Args = argv
	cmd.Env = envv
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return err
	}
	err := cmd.Wait()
	os.Remove(argv0)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	if err != nil {
		os.Exit(ExitFailure)
	}
	os.Exit(0)
	return nil
}
