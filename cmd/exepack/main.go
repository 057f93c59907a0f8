// exepack compresses an executable into a self-extracting container.
//
//	exepack [flags] INPUT
//
// The container runs like the original program. On its first launch it
// extracts itself and replaces its own file with the original program.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/synthesio/exepack/container"
	"github.com/synthesio/exepack/internal/bootstrap"
	"github.com/synthesio/exepack/internal/config"
	"github.com/synthesio/exepack/internal/logging"
	"github.com/synthesio/exepack/internal/pack"
	"github.com/synthesio/exepack/internal/process"
)

func main() {
	table, err := bootstrap.Embedded()
	if err != nil {
		process.Exit("exepack", fmt.Errorf("loading embedded bootstrap images: %w", err))
	}
	process.Exit("exepack", run(os.Args[1:], os.Stdout, table))
}

type options struct {
	output       string
	level        int
	variant      string
	universal    bool
	configPath   string
	verbose      bool
	listVariants bool
}

func parseFlags(args []string, stderr io.Writer) (*pflag.FlagSet, *options, error) {
	var o options
	flags := pflag.NewFlagSet("exepack", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: exepack [flags] INPUT\n\n")
		flags.PrintDefaults()
	}

	flags.StringVarP(&o.output, "output", "o", "", "output file (default <input>.cmprs)")
	flags.IntVarP(&o.level, "level", "l", container.DefaultLevel,
		fmt.Sprintf("compression level (%d-%d, higher = smaller but slower)", container.MinLevel, container.MaxLevel))
	flags.StringVar(&o.variant, "variant", bootstrap.Default, "bootstrap variant to embed")
	flags.BoolVar(&o.universal, "universal", false, "embed the universal (multi-arch) bootstrap")
	flags.StringVarP(&o.configPath, "config", "c", os.Getenv(config.EnvConfig), "YAML file with default settings")
	flags.BoolVarP(&o.verbose, "verbose", "v", false, "debug output")
	flags.BoolVar(&o.listVariants, "list-variants", false, "list embedded bootstrap variants and exit")
	if runtime.GOOS != "darwin" {
		flags.MarkHidden("universal")
	}

	if err := flags.Parse(args); err != nil {
		return nil, nil, process.WithCode(2, err)
	}
	return flags, &o, nil
}

func run(args []string, stdout io.Writer, table *bootstrap.Table) error {
	flags, o, err := parseFlags(args, os.Stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(logging.LevelFromEnv(level))

	if o.listVariants {
		return listVariants(stdout, table)
	}

	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if flags.Changed("level") {
		cfg.Level = o.level
	}
	if flags.Changed("variant") {
		cfg.Variant = o.variant
	}
	if o.universal {
		cfg.Variant = bootstrap.Universal
	}

	if flags.NArg() != 1 {
		flags.Usage()
		return process.WithCode(2, fmt.Errorf("expected one input file, got %d", flags.NArg()))
	}
	input := flags.Arg(0)
	output := o.output
	if output == "" {
		output = cfg.OutputPath(input)
	}

	logger.Info("packing", "input", input, "output", output, "level", cfg.Level, "variant", cfg.Variant)
	_, err = pack.Pack(pack.Options{
		InputPath:  input,
		OutputPath: output,
		Level:      cfg.Level,
		Variant:    cfg.Variant,
		Table:      table,
		Logger:     logger,
	})
	return err
}

func listVariants(w io.Writer, table *bootstrap.Table) error {
	variants := table.Variants()
	if len(variants) == 0 {
		return bootstrap.ErrNoBootstrap
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "VARIANT\tSIZE\tBLAKE3")
	for _, name := range variants {
		image, _ := table.Lookup(name)
		fmt.Fprintf(tw, "%s\t%d\t%x\n", name, len(image.Bytes), image.Fingerprint)
	}
	return tw.Flush()
}
