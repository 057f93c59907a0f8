//go:build unix

package extract

import "golang.org/x/sys/unix"

// execProcess replaces the process image in place: same pid, same
// parent, signals go straight to the extracted program.
func execProcess(argv0 string, argv []string, envv []string) error {
	return unix.Exec(argv0, argv, envv)
}
