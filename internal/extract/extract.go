// Package extract is the self-extraction runtime linked into the stub.
//
// A run reads the running executable, finds the container trailer,
// decompresses and verifies the payload, writes it to a private temporary
// file and execs that file with the caller's arguments and environment.
// While the exec is being prepared the container on disk is replaced by
// the plain program, so later launches of the same path skip all of this.
package extract

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/synthesio/exepack/container"
	"github.com/synthesio/exepack/internal/logging"
	"github.com/synthesio/exepack/internal/process"
)

// Environment knobs read by New.
const (
	EnvDir       = "EXEPACK_DIR"
	EnvNoReplace = "EXEPACK_NO_REPLACE"
)

// Exit statuses, one per failure class so wrappers can tell them apart.
const (
	ExitFailure        = 1
	ExitMarkerNotFound = 2
	ExitTruncated      = 3
	ExitDecompression  = 4
	ExitDigestMismatch = 5
)

// State is a step of a run.
type State int

const (
	StateStart State = iota
	StateLocated
	StateDecompressed
	StateLaunching
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateLocated:
		return "located"
	case StateDecompressed:
		return "decompressed"
	case StateLaunching:
		return "launching"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ExecFunc replaces the current process image. It has the signature of
// syscall.Exec and returns only on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Runtime holds the seams of a run. The zero value is not usable; use New.
type Runtime struct {
	// Executable returns the path of the running container.
	Executable func() (string, error)

	// Exec hands off to the extracted program.
	Exec ExecFunc

	// TempDir is where the extracted program is written. Empty means
	// os.TempDir.
	TempDir string

	// Replace enables rewriting the container with the plain program.
	Replace bool

	Logger *slog.Logger

	state State
}

// New returns a Runtime configured from the environment.
func New(logger *slog.Logger) *Runtime {
	return &Runtime{
		Executable: selfPath,
		Exec:       execProcess,
		TempDir:    os.Getenv(EnvDir),
		Replace:    !logging.IsTruthy(os.Getenv(EnvNoReplace)),
		Logger:     logger,
	}
}

// State returns the last state reached.
func (r *Runtime) State() State {
	return r.state
}

func (r *Runtime) enter(s State, args ...any) {
	r.state = s
	r.Logger.Debug("state "+s.String(), args...)
}

func (r *Runtime) fail(code int, err error) error {
	r.state = StateFailed
	return process.WithCode(code, err)
}

// Run extracts and launches the embedded program. args is the full
// command line including the program name; args[1:] and env are passed
// on untouched. On success Run does not return unless Exec does.
func (r *Runtime) Run(args []string, env []string) error {
	start := time.Now()
	r.enter(StateStart)

	self, err := r.Executable()
	if err != nil {
		return r.fail(ExitFailure, fmt.Errorf("locating own executable: %w", err))
	}
	image, err := os.ReadFile(self)
	if err != nil {
		return r.fail(ExitFailure, fmt.Errorf("reading own executable: %w", err))
	}
	r.Logger.Info("read container", "path", self, "bytes", len(image), "elapsed", time.Since(start))

	c, err := container.Decode(image)
	if err != nil {
		return r.fail(exitCodeFor(err), err)
	}
	r.enter(StateLocated,
		"marker_offset", c.MarkerOffset,
		"compressed", len(c.Payload),
		"digest", c.Digest.String(),
	)

	decompressStart := time.Now()
	data, err := c.Decompress()
	if err != nil {
		return r.fail(exitCodeFor(err), err)
	}
	if err := c.Verify(data); err != nil {
		return r.fail(exitCodeFor(err), err)
	}
	r.enter(StateDecompressed,
		"bytes", len(data),
		"elapsed", time.Since(decompressStart),
	)

	program, err := materialize(r.TempDir, data)
	if err != nil {
		return r.fail(ExitFailure, err)
	}
	r.Logger.Info("extracted program", "path", program)

	replaced := make(chan struct{})
	if r.Replace {
		go func() {
			defer close(replaced)
			replaceStart := time.Now()
			if err := replaceFunc(self, data); err != nil {
				r.Logger.Warn("could not replace container with extracted program",
					"path", self,
					"error", err,
				)
				return
			}
			r.Logger.Debug("replaced container", "path", self, "elapsed", time.Since(replaceStart))
		}()
	} else {
		close(replaced)
	}

	argv := make([]string, 0, len(args))
	argv = append(argv, program)
	if len(args) > 1 {
		argv = append(argv, args[1:]...)
	}
	r.Logger.Debug("prepared launch", "args", len(argv)-1, "env", len(env))

	// The on-disk artifact is consistent before the handoff, whichever
	// way the replacement went.
	<-replaced

	r.enter(StateLaunching, "program", program, "elapsed", time.Since(start))
	err = r.Exec(program, argv, env)

	// Exec returned: the process was not replaced.
	os.Remove(program)
	return r.fail(ExitFailure, fmt.Errorf("executing %s: %w", program, err))
}

func exitCodeFor(err error) int {
	switch container.KindOf(err) {
	case container.MarkerNotFound:
		return ExitMarkerNotFound
	case container.Truncated:
		return ExitTruncated
	case container.DecompressionFailed:
		return ExitDecompression
	case container.DigestMismatch:
		return ExitDigestMismatch
	default:
		return ExitFailure
	}
}

func selfPath() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", err
	}
	// Replace the file, not a symlink pointing at it.
	return filepath.EvalSymlinks(path)
}
