// Package pack turns one executable into a self-extracting container.
//
// The input is read once into memory and shared, read-only, by two
// goroutines: one hashes it, the other compresses it. Meanwhile the
// output file is created and the bootstrap image and marker are written.
// The digest is written as soon as hashing finishes and the payload as
// soon as compression finishes; the positional layout fixes that order.
package pack

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/synthesio/exepack/container"
	"github.com/synthesio/exepack/internal/bootstrap"
)

const (
	hashChunkSize     = 1 << 20
	compressChunkSize = 64 << 10

	// slowCompression triggers a hint to pick a lower level.
	slowCompression = 5 * time.Second
)

// Options configures one Pack run.
type Options struct {
	InputPath  string
	OutputPath string
	Level      int
	Variant    string
	Table      *bootstrap.Table
	Logger     *slog.Logger
}

// Result describes a produced container.
type Result struct {
	OutputPath     string
	Mode           fs.FileMode
	Variant        string
	Fingerprint    string
	Digest         container.Digest
	InputSize      int
	CompressedSize int
	OutputSize     int64
	HashTime       time.Duration
	CompressTime   time.Duration
	Elapsed        time.Duration
}

var ErrNoTable = errors.New("no bootstrap table")

type hashResult struct {
	digest  container.Digest
	elapsed time.Duration
}

type compressResult struct {
	data    []byte
	elapsed time.Duration
	err     error
}

// Pack builds the container described by options. Errors before the
// output file is created leave nothing behind; a failure while writing
// leaves a partial output file.
func Pack(options Options) (*Result, error) {
	start := time.Now()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if options.Table == nil {
		return nil, ErrNoTable
	}
	if err := container.CheckLevel(options.Level); err != nil {
		return nil, err
	}

	image, err := options.Table.Select(options.Variant, logger)
	if err != nil {
		return nil, err
	}

	input, mode, err := readInput(options.InputPath, logger)
	if err != nil {
		return nil, err
	}

	hashDone := make(chan hashResult, 1)
	go func() {
		hashDone <- hashInput(input, logger)
	}()

	compressDone := make(chan compressResult, 1)
	go func() {
		compressDone <- compressInput(input, options.Level, logger)
	}()

	logger.Debug("writing bootstrap",
		"output", options.OutputPath,
		"variant", image.Variant,
		"fingerprint", image.FingerprintString(),
	)
	f, err := os.OpenFile(options.OutputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		// Let the workers finish so their buffers are not retained.
		<-hashDone
		<-compressDone
		return nil, fmt.Errorf("creating output: %w", err)
	}
	defer f.Close()

	written, err := container.WriteHeader(f, image.Bytes)
	if err != nil {
		<-hashDone
		<-compressDone
		return nil, err
	}
	logger.Info("wrote bootstrap and marker", "bytes", written)

	hashed := <-hashDone
	n, err := container.WriteDigest(f, hashed.digest)
	written += n
	if err != nil {
		<-compressDone
		return nil, err
	}

	compressed := <-compressDone
	if compressed.err != nil {
		return nil, compressed.err
	}
	m, err := f.Write(compressed.data)
	written += int64(m)
	if err != nil {
		return nil, fmt.Errorf("writing payload: %w", err)
	}
	logger.Info("wrote compressed payload", "bytes", m)

	// Permissions last: the file must not look runnable before it is
	// complete.
	if err := f.Chmod(mode); err != nil {
		return nil, fmt.Errorf("setting output mode: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing output: %w", err)
	}

	result := &Result{
		OutputPath:     options.OutputPath,
		Mode:           mode,
		Variant:        image.Variant,
		Fingerprint:    image.FingerprintString(),
		Digest:         hashed.digest,
		InputSize:      len(input),
		CompressedSize: len(compressed.data),
		OutputSize:     written,
		HashTime:       hashed.elapsed,
		CompressTime:   compressed.elapsed,
		Elapsed:        time.Since(start),
	}
	logger.Info("packed",
		"output", result.OutputPath,
		"size", result.OutputSize,
		"parallel", max(result.HashTime, result.CompressTime),
		"elapsed", result.Elapsed,
	)
	return result, nil
}

func readInput(path string, logger *slog.Logger) ([]byte, fs.FileMode, error) {
	start := time.Now()
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("opening input: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("stat input: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("input %s is not a regular file", path)
	}
	mode := info.Mode().Perm()
	if mode&0o111 == 0 {
		logger.Warn("input is not executable", "input", path, "mode", mode)
	}

	var buf bytes.Buffer
	buf.Grow(int(info.Size()))
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, 0, fmt.Errorf("reading input: %w", err)
	}
	logger.Info("read input",
		"input", path,
		"bytes", buf.Len(),
		"elapsed", time.Since(start),
	)
	return buf.Bytes(), mode, nil
}

func hashInput(data []byte, logger *slog.Logger) hashResult {
	start := time.Now()
	h := sha256.New()
	for i, off := 0, 0; off < len(data); i++ {
		end := min(off+hashChunkSize, len(data))
		h.Write(data[off:end])
		off = end
		if i%10 == 0 {
			logger.Debug("hashing", "done", off, "total", len(data))
		}
	}

	var r hashResult
	copy(r.digest[:], h.Sum(nil))
	r.elapsed = time.Since(start)
	logger.Info("computed digest",
		"sha256", r.digest.String(),
		"elapsed", r.elapsed,
		"mb_per_sec", throughput(len(data), r.elapsed),
	)
	return r
}

func compressInput(data []byte, level int, logger *slog.Logger) compressResult {
	start := time.Now()
	var buf bytes.Buffer
	err := container.Compress(&buf, data, level, compressChunkSize, func(chunk, done int) {
		if chunk%100 == 0 {
			logger.Debug("compressing", "done", done, "total", len(data))
		}
	})
	r := compressResult{data: buf.Bytes(), elapsed: time.Since(start), err: err}
	if err != nil {
		return r
	}

	ratio := 0.0
	if len(data) > 0 {
		ratio = float64(len(r.data)) / float64(len(data))
	}
	logger.Info("compressed",
		"level", level,
		"input", len(data),
		"output", len(r.data),
		"ratio", fmt.Sprintf("%.1f%%", ratio*100),
		"elapsed", r.elapsed,
		"mb_per_sec", throughput(len(data), r.elapsed),
	)
	if r.elapsed > slowCompression {
		logger.Warn("compression took longer than 5s, consider a lower level", "level", level)
	}
	return r
}

func throughput(n int, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "inf"
	}
	return fmt.Sprintf("%.1f", float64(n)/elapsed.Seconds()/(1<<20))
}
