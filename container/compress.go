package container

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compression levels follow the zstd command line scale.
const (
	MinLevel     = 1
	MaxLevel     = 22
	DefaultLevel = 3
)

// ErrInvalidLevel is returned for levels outside [MinLevel, MaxLevel].
var ErrInvalidLevel = errors.New("compression level out of range")

// CheckLevel validates a compression level.
func CheckLevel(level int) error {
	if level < MinLevel || level > MaxLevel {
		return fmt.Errorf("%w: %d (want %d-%d)", ErrInvalidLevel, level, MinLevel, MaxLevel)
	}
	return nil
}

// zstd.Decoder is safe for concurrent DecodeAll calls, so one is shared.
var decoder *zstd.Decoder

func init() {
	var err error
	decoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic("container: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress streams data through a zstd encoder at level, feeding it
// chunkSize bytes at a time. progress, if not nil, is called after each
// chunk with the chunk index and the number of input bytes consumed.
// The output is a single self-terminating frame, also for empty input.
func Compress(w io.Writer, data []byte, level, chunkSize int, progress func(chunk, done int)) error {
	if err := CheckLevel(level); err != nil {
		return err
	}
	if chunkSize <= 0 {
		chunkSize = len(data)
	}

	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	for i, off := 0, 0; off < len(data); i++ {
		end := min(off+chunkSize, len(data))
		if _, err := enc.Write(data[off:end]); err != nil {
			enc.Close()
			return fmt.Errorf("compressing chunk %d: %w", i, err)
		}
		off = end
		if progress != nil {
			progress(i, off)
		}
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("finishing zstd stream: %w", err)
	}
	return nil
}

// Decompress decodes a complete zstd stream. Truncated or corrupt input
// is reported as DecompressionFailed.
func Decompress(compressed []byte) ([]byte, error) {
	if len(compressed) == 0 {
		return nil, &FormatError{Kind: DecompressionFailed, Err: io.ErrUnexpectedEOF}
	}
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &FormatError{Kind: DecompressionFailed, Err: err}
	}
	return data, nil
}
