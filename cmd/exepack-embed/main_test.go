package main

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/synthesio/exepack/container"
	"github.com/synthesio/exepack/internal/bootstrap"
	"github.com/synthesio/exepack/internal/logging"
	"github.com/synthesio/exepack/internal/process"
)

func writeStub(t *testing.T, data []byte) string {
	t.Helper()
	t.Setenv(logging.EnvLogLevel, "off")
	path := filepath.Join(t.TempDir(), "exepack-stub")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunInstalls(t *testing.T) {
	stub := writeStub(t, []byte("compiled stub"))
	dist := t.TempDir()

	var out bytes.Buffer
	if err := run([]string{"--dist", dist, "--variant", "universal", stub}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.String(), "universal ") {
		t.Errorf("output = %q", out.String())
	}

	table, err := bootstrap.Load(os.DirFS(dist))
	if err != nil {
		t.Fatalf("bootstrap.Load: %v", err)
	}
	image, ok := table.Lookup(bootstrap.Universal)
	if !ok || string(image.Bytes) != "compiled stub" {
		t.Errorf("installed image = %q, %v", image.Bytes, ok)
	}
}

func TestRunRejectsMarker(t *testing.T) {
	stub := writeStub(t, append([]byte("stub "), container.Marker[:]...))
	dist := t.TempDir()

	err := run([]string{"--dist", dist, stub}, &bytes.Buffer{})
	if !errors.Is(err, bootstrap.ErrMarkerInBootstrap) {
		t.Fatalf("run error = %v, want ErrMarkerInBootstrap", err)
	}
	if _, err := os.Stat(filepath.Join(dist, bootstrap.Default)); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("rejected image was installed: %v", err)
	}
}

func TestRunCheckOnly(t *testing.T) {
	stub := writeStub(t, []byte("compiled stub"))
	dist := filepath.Join(t.TempDir(), "dist")

	if err := run([]string{"--check", "--dist", dist, stub}, &bytes.Buffer{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := os.Stat(dist); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("--check wrote to dist: %v", err)
	}
}

func TestRunUsage(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "off")
	err := run(nil, &bytes.Buffer{})
	if code := process.ExitCode(err); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}
