package container

import (
	"errors"
	"fmt"
)

// FormatErrorKind classifies why an image is not a usable container.
type FormatErrorKind int

const (
	MarkerNotFound FormatErrorKind = iota + 1
	Truncated
	DecompressionFailed
	DigestMismatch
)

func (k FormatErrorKind) String() string {
	switch k {
	case MarkerNotFound:
		return "marker not found"
	case Truncated:
		return "truncated trailer"
	case DecompressionFailed:
		return "decompression failed"
	case DigestMismatch:
		return "digest mismatch"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Sentinels for errors.Is. A *FormatError matches the sentinel of its kind.
var (
	ErrMarkerNotFound      = errors.New("container: " + MarkerNotFound.String())
	ErrTruncated           = errors.New("container: " + Truncated.String())
	ErrDecompressionFailed = errors.New("container: " + DecompressionFailed.String())
	ErrDigestMismatch      = errors.New("container: " + DigestMismatch.String())
)

// FormatError is returned by Decode, Decompress and Verify.
type FormatError struct {
	Kind FormatErrorKind
	Err  error
}

func (e *FormatError) Error() string {
	if e.Err == nil {
		return "container: " + e.Kind.String()
	}
	return fmt.Sprintf("container: %s: %v", e.Kind, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

func (e *FormatError) Is(target error) bool {
	switch target {
	case ErrMarkerNotFound:
		return e.Kind == MarkerNotFound
	case ErrTruncated:
		return e.Kind == Truncated
	case ErrDecompressionFailed:
		return e.Kind == DecompressionFailed
	case ErrDigestMismatch:
		return e.Kind == DigestMismatch
	}
	return false
}

// KindOf returns the FormatErrorKind wrapped in err, or 0.
func KindOf(err error) FormatErrorKind {
	var fe *FormatError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
