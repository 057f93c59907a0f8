// exepack-stub is the bootstrap prepended to every exepack container. It
// takes no flags: all arguments belong to the packed program.
//
// Environment:
//
//	EXEPACK_LOG_LEVEL   debug, info, warn (default) or error
//	EXEPACK_DIR         directory for the extracted program
//	EXEPACK_NO_REPLACE  keep the container on disk instead of replacing it
package main

import (
	"log/slog"
	"os"

	"github.com/synthesio/exepack/internal/extract"
	"github.com/synthesio/exepack/internal/logging"
	"github.com/synthesio/exepack/internal/process"
)

func main() {
	logger := logging.New(logging.LevelFromEnv(slog.LevelWarn)).With("component", "exepack-stub")
	err := extract.New(logger).Run(os.Args, os.Environ())
	process.Exit("exepack-stub", err)
}
