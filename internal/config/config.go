// Package config loads producer defaults from a YAML file.
//
// The file is named explicitly, by the --config flag or the
// EXEPACK_CONFIG environment variable; there is no discovery. Values from
// the file replace built-in defaults, and flags given on the command
// line replace values from the file.
//
//	level: 9
//	variant: universal
//	suffix: packed
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"gopkg.in/yaml.v3"

	"github.com/synthesio/exepack/container"
)

// EnvConfig names the config file when --config is not given.
const EnvConfig = "EXEPACK_CONFIG"

// DefaultSuffix is appended to the input path to name the output.
const DefaultSuffix = "cmprs"

// Config holds producer defaults.
type Config struct {
	// Level is the zstd compression level, 1-22.
	Level int `yaml:"level"`

	// Variant selects the bootstrap image.
	Variant string `yaml:"variant"`

	// Suffix is appended, after a dot, to the input path when no output
	// path is given.
	Suffix string `yaml:"suffix"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Level:   container.DefaultLevel,
		Variant: "default",
		Suffix:  DefaultSuffix,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := cfg.decode(data); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the values that can be checked without the bootstrap
// table; unknown variants are handled by the table's fallback.
func (c Config) Validate() error {
	if err := container.CheckLevel(c.Level); err != nil {
		return err
	}
	if c.Suffix == "" {
		return errors.New("suffix must not be empty")
	}
	return nil
}

// OutputPath returns the default output path for input.
func (c Config) OutputPath(input string) string {
	out := input + "." + c.Suffix
	if runtime.GOOS == "windows" {
		out += ".exe"
	}
	return out
}
