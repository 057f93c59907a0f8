// exepack-embed installs a compiled exepack-stub as a bootstrap variant.
//
//	go build -o stub ./cmd/exepack-stub
//	exepack-embed --variant default stub
//	go build ./cmd/exepack
//
// The image is rejected if it contains the container marker.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/synthesio/exepack/internal/bootstrap"
	"github.com/synthesio/exepack/internal/logging"
	"github.com/synthesio/exepack/internal/process"
)

const defaultDist = "internal/bootstrap/dist"

func main() {
	process.Exit("exepack-embed", run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) error {
	flags := pflag.NewFlagSet("exepack-embed", pflag.ContinueOnError)
	variant := flags.String("variant", bootstrap.Default, "variant name to install the image as")
	dist := flags.String("dist", defaultDist, "bootstrap directory embedded by cmd/exepack")
	check := flags.Bool("check", false, "only verify the image, do not install it")
	if err := flags.Parse(args); err != nil {
		return process.WithCode(2, err)
	}
	if flags.NArg() != 1 {
		return process.WithCode(2, fmt.Errorf("expected one stub binary, got %d", flags.NArg()))
	}
	logger := logging.New(logging.LevelFromEnv(slog.LevelInfo))

	path := flags.Arg(0)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	image, err := bootstrap.NewImage(*variant, data)
	if err != nil {
		return err
	}
	logger.Info("verified bootstrap", "path", path, "variant", image.Variant, "bytes", len(data))

	if !*check {
		if err := install(filepath.Join(*dist, image.Variant), data); err != nil {
			return err
		}
		logger.Info("installed bootstrap", "dist", *dist, "variant", image.Variant)
	}
	fmt.Fprintf(stdout, "%s %x\n", image.Variant, image.Fingerprint)
	return nil
}

func install(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating bootstrap directory: %w", err)
	}
	temporaryPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(temporaryPath, data, 0o644); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("writing bootstrap: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("installing bootstrap: %w", err)
	}
	return nil
}
