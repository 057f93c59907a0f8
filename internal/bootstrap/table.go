// Package bootstrap holds the stub images the producer prepends to every
// container.
//
// Images are compiled from cmd/exepack-stub and copied into dist/ by
// cmd/exepack-embed before cmd/exepack is built; each file in dist/ is one
// variant, named after it. The table is built once and never mutated.
package bootstrap

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/synthesio/exepack/container"
)

// Known variants.
const (
	Default   = "default"
	Universal = "universal"
)

var (
	ErrNoBootstrap       = errors.New("no bootstrap image embedded")
	ErrEmptyBootstrap    = errors.New("bootstrap image is empty")
	ErrMarkerInBootstrap = errors.New("bootstrap image contains the container marker")
)

//go:embed all:dist
var dist embed.FS

// Image is one selectable bootstrap build.
type Image struct {
	Variant     string
	Bytes       []byte
	Fingerprint [32]byte
}

// FingerprintString returns the short form used in logs.
func (i Image) FingerprintString() string {
	return fmt.Sprintf("%x", i.Fingerprint[:8])
}

// Table maps variant names to images.
type Table struct {
	images map[string]Image
}

var (
	embeddedOnce  sync.Once
	embeddedTable *Table
	embeddedErr   error
)

// Embedded returns the table compiled into this binary.
func Embedded() (*Table, error) {
	embeddedOnce.Do(func() {
		sub, err := fs.Sub(dist, "dist")
		if err != nil {
			embeddedErr = err
			return
		}
		embeddedTable, embeddedErr = Load(sub)
	})
	return embeddedTable, embeddedErr
}

// Load builds a table from the regular files at the root of fsys. Dot
// files are ignored. Every image is checked with Verify.
func Load(fsys fs.FS) (*Table, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("listing bootstrap images: %w", err)
	}

	t := &Table{images: make(map[string]Image, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || !entry.Type().IsRegular() {
			continue
		}
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("reading bootstrap %q: %w", name, err)
		}
		image, err := NewImage(name, data)
		if err != nil {
			return nil, err
		}
		t.images[name] = image
	}
	return t, nil
}

// NewImage verifies data and wraps it as an Image.
func NewImage(variant string, data []byte) (Image, error) {
	if err := Verify(variant, data); err != nil {
		return Image{}, err
	}
	return Image{
		Variant:     variant,
		Bytes:       data,
		Fingerprint: blake3.Sum256(data),
	}, nil
}

// Verify checks that data can serve as a bootstrap image: it must be
// non-empty and must not contain the container marker, otherwise the
// runtime's first-occurrence search would stop inside the stub.
func Verify(variant string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("variant %q: %w", variant, ErrEmptyBootstrap)
	}
	if container.ContainsMarker(data) {
		return fmt.Errorf("variant %q: %w", variant, ErrMarkerInBootstrap)
	}
	return nil
}

// Variants returns the available variant names, sorted.
func (t *Table) Variants() []string {
	names := make([]string, 0, len(t.images))
	for name := range t.images {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Lookup returns the image for variant without falling back.
func (t *Table) Lookup(variant string) (Image, bool) {
	image, ok := t.images[variant]
	return image, ok
}

// Select returns the image for variant. An unavailable variant falls back
// to Default with a warning; only a missing Default is an error.
func (t *Table) Select(variant string, logger *slog.Logger) (Image, error) {
	if variant == "" {
		variant = Default
	}
	if image, ok := t.images[variant]; ok {
		return image, nil
	}

	image, ok := t.images[Default]
	if !ok {
		return Image{}, fmt.Errorf("%w (requested %q, available %v)", ErrNoBootstrap, variant, t.Variants())
	}
	logger.Warn("bootstrap variant not embedded, falling back",
		"requested", variant,
		"using", Default,
	)
	return image, nil
}
