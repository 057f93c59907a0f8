package extract

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"

	"github.com/synthesio/exepack/container"
	"github.com/synthesio/exepack/internal/process"
)

var stub = []byte("stub image bytes\x00\x01")

var errExecFailed = errors.New("exec not permitted in tests")

type execCall struct {
	argv0   string
	argv    []string
	env     []string
	program []byte
	mode    fs.FileMode
	self    []byte
}

// recorder captures the handoff instead of replacing the test process.
type recorder struct {
	self  string
	calls []execCall
}

func (r *recorder) exec(argv0 string, argv []string, envv []string) error {
	call := execCall{argv0: argv0, argv: argv, env: envv}
	call.program, _ = os.ReadFile(argv0)
	if info, err := os.Stat(argv0); err == nil {
		call.mode = info.Mode().Perm()
	}
	call.self, _ = os.ReadFile(r.self)
	r.calls = append(r.calls, call)
	return errExecFailed
}

func testLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

func buildImage(t *testing.T, payload []byte, digest container.Digest) []byte {
	t.Helper()
	var compressed, out bytes.Buffer
	if err := container.Compress(&compressed, payload, container.DefaultLevel, 0, nil); err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := container.Encode(&out, stub, digest, &compressed); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return out.Bytes()
}

func writeContainer(t *testing.T, image []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "packed")
	if err := os.WriteFile(path, image, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Chmod(path, 0o755); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	return path
}

func newRuntime(t *testing.T, self string) (*Runtime, *recorder, *bytes.Buffer) {
	t.Helper()
	rec := &recorder{self: self}
	logger, logs := testLogger()
	return &Runtime{
		Executable: func() (string, error) { return self, nil },
		Exec:       rec.exec,
		TempDir:    t.TempDir(),
		Replace:    true,
		Logger:     logger,
	}, rec, logs
}

func TestRunLaunchesProgram(t *testing.T) {
	payload := []byte("#!/bin/sh\necho extracted\n")
	self := writeContainer(t, buildImage(t, payload, container.Sum(payload)))
	rt, rec, _ := newRuntime(t, self)

	args := []string{self, "--flag", "value"}
	env := []string{"FOO=bar", "PATH=/usr/bin"}
	err := rt.Run(args, env)

	if !errors.Is(err, errExecFailed) {
		t.Fatalf("Run error = %v, want the exec error", err)
	}
	if code := process.ExitCode(err); code != ExitFailure {
		t.Errorf("exit code = %d, want %d", code, ExitFailure)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("exec called %d times, want 1", len(rec.calls))
	}

	call := rec.calls[0]
	if filepath.Dir(call.argv0) != rt.TempDir {
		t.Errorf("program %s not in temp dir %s", call.argv0, rt.TempDir)
	}
	if want := []string{call.argv0, "--flag", "value"}; !slices.Equal(call.argv, want) {
		t.Errorf("argv = %q, want %q", call.argv, want)
	}
	if !slices.Equal(call.env, env) {
		t.Errorf("env = %q, want %q", call.env, env)
	}
	if !bytes.Equal(call.program, payload) {
		t.Errorf("temporary program = %q, want %q", call.program, payload)
	}
	if runtime.GOOS != "windows" && call.mode&0o100 == 0 {
		t.Errorf("temporary program mode = %v, want owner execute", call.mode)
	}
	if !bytes.Equal(call.self, payload) {
		t.Error("container was not replaced before the handoff")
	}

	if rt.State() != StateFailed {
		t.Errorf("State = %v, want failed after exec error", rt.State())
	}
	if _, err := os.Stat(call.argv0); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("temporary program left behind after failed exec: %v", err)
	}
}

func TestRunPreservesContainerMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permission bits")
	}
	payload := []byte("program")
	self := writeContainer(t, buildImage(t, payload, container.Sum(payload)))
	if err := os.Chmod(self, 0o750); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	rt, _, _ := newRuntime(t, self)
	rt.Run([]string{self}, nil)

	info, err := os.Stat(self)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o750 {
		t.Errorf("replaced file mode = %v, want 0750", got)
	}
	entries, err := os.ReadDir(filepath.Dir(self))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("sibling files left behind: %v", entries)
	}
}

func TestRunWithoutReplace(t *testing.T) {
	payload := []byte("program")
	image := buildImage(t, payload, container.Sum(payload))
	self := writeContainer(t, image)
	rt, rec, _ := newRuntime(t, self)
	rt.Replace = false

	rt.Run([]string{self}, nil)
	if len(rec.calls) != 1 {
		t.Fatalf("exec called %d times, want 1", len(rec.calls))
	}
	if !bytes.Equal(rec.calls[0].self, image) {
		t.Error("container changed with replacement disabled")
	}
	if len(rec.calls[0].argv) != 1 {
		t.Errorf("argv = %q, want only the program", rec.calls[0].argv)
	}
}

func TestRunReplaceFailureIsNotFatal(t *testing.T) {
	original := replaceFunc
	t.Cleanup(func() { replaceFunc = original })
	replaceFunc = func(string, []byte) error { return errors.New("read-only filesystem") }

	payload := []byte("program")
	image := buildImage(t, payload, container.Sum(payload))
	self := writeContainer(t, image)
	rt, rec, logs := newRuntime(t, self)

	err := rt.Run([]string{self, "x"}, nil)
	if !errors.Is(err, errExecFailed) {
		t.Fatalf("Run error = %v, want the exec error", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("exec called %d times, want 1", len(rec.calls))
	}
	if !bytes.Equal(rec.calls[0].self, image) {
		t.Error("container changed although replacement failed")
	}
	if !strings.Contains(logs.String(), "could not replace container") {
		t.Errorf("missing replacement warning:\n%s", logs.String())
	}
}

func TestRunFormatErrors(t *testing.T) {
	payload := []byte("program")
	valid := buildImage(t, payload, container.Sum(payload))
	markerEnd := len(stub) + container.MarkerSize

	corrupt := append([]byte{}, valid[:markerEnd+container.DigestSize]...)
	corrupt = append(corrupt, []byte("not zstd at all")...)

	tests := []struct {
		name  string
		image []byte
		code  int
		err   error
	}{
		{"plain binary", []byte("\x7fELF an ordinary program"), ExitMarkerNotFound, container.ErrMarkerNotFound},
		{"truncated", valid[:markerEnd+10], ExitTruncated, container.ErrTruncated},
		{"corrupt payload", corrupt, ExitDecompression, container.ErrDecompressionFailed},
		{"digest mismatch", buildImage(t, payload, container.Sum([]byte("other"))), ExitDigestMismatch, container.ErrDigestMismatch},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			self := writeContainer(t, test.image)
			rt, rec, _ := newRuntime(t, self)

			err := rt.Run([]string{self}, nil)
			if !errors.Is(err, test.err) {
				t.Fatalf("Run error = %v, want %v", err, test.err)
			}
			if code := process.ExitCode(err); code != test.code {
				t.Errorf("exit code = %d, want %d", code, test.code)
			}
			if len(rec.calls) != 0 {
				t.Error("exec called for an invalid container")
			}
			if rt.State() != StateFailed {
				t.Errorf("State = %v, want failed", rt.State())
			}
			after, _ := os.ReadFile(self)
			if !bytes.Equal(after, test.image) {
				t.Error("invalid container was modified")
			}
			entries, _ := os.ReadDir(rt.TempDir)
			if len(entries) != 0 {
				t.Errorf("temporary files created for an invalid container: %v", entries)
			}
		})
	}
}

func TestRunExecutableError(t *testing.T) {
	rt, rec, _ := newRuntime(t, "")
	rt.Executable = func() (string, error) { return "", errors.New("no /proc") }
	err := rt.Run([]string{"stub"}, nil)
	if code := process.ExitCode(err); code != ExitFailure {
		t.Errorf("exit code = %d, want %d (err %v)", code, ExitFailure, err)
	}
	if len(rec.calls) != 0 {
		t.Error("exec called without a container")
	}
}

func TestRunTempDirMissing(t *testing.T) {
	payload := []byte("program")
	self := writeContainer(t, buildImage(t, payload, container.Sum(payload)))
	rt, rec, _ := newRuntime(t, self)
	rt.TempDir = filepath.Join(t.TempDir(), "missing")

	err := rt.Run([]string{self}, nil)
	if code := process.ExitCode(err); code != ExitFailure {
		t.Errorf("exit code = %d, want %d (err %v)", code, ExitFailure, err)
	}
	if len(rec.calls) != 0 {
		t.Error("exec called without a materialized program")
	}
}

func TestRunRealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}

	script := []byte("#!/bin/sh\nprintf '%s|' \"$@\"\nprintf 'FOO=%s' \"$FOO\"\n")
	self := writeContainer(t, buildImage(t, script, container.Sum(script)))
	rt, _, _ := newRuntime(t, self)

	var stdout bytes.Buffer
	rt.Exec = func(argv0 string, argv []string, envv []string) error {
		cmd := exec.Command(argv0)
		cmd.Args = argv
		cmd.Env = envv
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return err
		}
		return errExecFailed
	}

	err := rt.Run([]string{self, "--flag", "value"}, []string{"FOO=bar"})
	if !errors.Is(err, errExecFailed) {
		t.Fatalf("Run error = %v", err)
	}
	if got, want := stdout.String(), "--flag|value|FOO=bar"; got != want {
		t.Errorf("program output = %q, want %q", got, want)
	}

	// The container is now the plain program; a second launch runs it
	// directly.
	stdout.Reset()
	cmd := exec.Command(self, "again")
	cmd.Env = []string{"FOO=baz"}
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		t.Fatalf("running replaced container: %v", err)
	}
	if got, want := stdout.String(), "again|FOO=baz"; got != want {
		t.Errorf("replaced container output = %q, want %q", got, want)
	}
}

func TestReplaceFileMissing(t *testing.T) {
	err := replaceFile(filepath.Join(t.TempDir(), "gone"), []byte("x"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("replaceFile error = %v, want ErrNotExist", err)
	}
}

func TestNewFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDir, dir)
	t.Setenv(EnvNoReplace, "yes")
	rt := New(slog.Default())
	if rt.TempDir != dir {
		t.Errorf("TempDir = %q, want %q", rt.TempDir, dir)
	}
	if rt.Replace {
		t.Error("Replace enabled despite EXEPACK_NO_REPLACE")
	}

	t.Setenv(EnvNoReplace, "")
	if !New(slog.Default()).Replace {
		t.Error("Replace disabled by default")
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateStart:        "start",
		StateLocated:      "located",
		StateDecompressed: "decompressed",
		StateLaunching:    "launching",
		StateFailed:       "failed",
		State(42):         "state(42)",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}
