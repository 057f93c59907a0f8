// Package container implements the exepack on-disk layout shared by the
// producer and the self-extraction stub:
//
//	[bootstrap image][marker (16)][sha256 digest (32)][zstd stream]
//
// The marker is located by a first-occurrence search from the start of
// the image. That is only sound because every bootstrap image is checked
// for the marker before it is embedded in the producer; Decode trusts
// that invariant and does not re-verify it.
package container

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Marker separates the bootstrap image from the trailer. It spells
// "DCMPRS_DATA_HERE".
var Marker [MarkerSize]byte

// markerComplement holds the marker bit-inverted. The stub links this
// package, and the plain bytes must never occur in its image, so Marker
// is only assembled at run time.
var markerComplement = [MarkerSize]byte{
	^byte('D'), ^byte('C'), ^byte('M'), ^byte('P'), ^byte('R'), ^byte('S'), ^byte('_'), ^byte('D'),
	^byte('A'), ^byte('T'), ^byte('A'), ^byte('_'), ^byte('H'), ^byte('E'), ^byte('R'), ^byte('E'),
}

func init() {
	for i, b := range markerComplement {
		Marker[i] = ^b
	}
}

const (
	MarkerSize = 16
	DigestSize = sha256.Size

	// Overhead is the number of bytes a container adds on top of the
	// bootstrap image and the compressed payload.
	Overhead = MarkerSize + DigestSize
)

// Digest is the SHA-256 of the original, uncompressed program.
type Digest [DigestSize]byte

// Sum computes the digest of data.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

func (d Digest) String() string {
	return FormatDigest(d)
}

// FormatDigest returns the hex encoding used in logs.
func FormatDigest(d Digest) string {
	return hex.EncodeToString(d[:])
}

// ParseDigest parses a 64 character hex string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("parsing digest: %w", err)
	}
	if len(decoded) != DigestSize {
		return d, fmt.Errorf("digest is %d bytes, want %d", len(decoded), DigestSize)
	}
	copy(d[:], decoded)
	return d, nil
}

// ContainsMarker reports whether b contains the marker anywhere.
func ContainsMarker(b []byte) bool {
	return bytes.Contains(b, Marker[:])
}

// WriteHeader writes the bootstrap image followed by the marker. It has
// no dependency on the payload and can be issued before the digest or
// the compressed stream are ready.
func WriteHeader(w io.Writer, bootstrap []byte) (int64, error) {
	n, err := w.Write(bootstrap)
	if err != nil {
		return int64(n), fmt.Errorf("writing bootstrap: %w", err)
	}
	m, err := w.Write(Marker[:])
	if err != nil {
		return int64(n + m), fmt.Errorf("writing marker: %w", err)
	}
	return int64(n + m), nil
}

// WriteDigest writes the digest, which must immediately follow the header.
func WriteDigest(w io.Writer, d Digest) (int64, error) {
	n, err := w.Write(d[:])
	if err != nil {
		return int64(n), fmt.Errorf("writing digest: %w", err)
	}
	return int64(n), nil
}

// Encode writes a complete container to w. payload must already be a
// compressed stream, see Compress.
func Encode(w io.Writer, bootstrap []byte, digest Digest, payload io.Reader) (int64, error) {
	total, err := WriteHeader(w, bootstrap)
	if err != nil {
		return total, err
	}
	n, err := WriteDigest(w, digest)
	total += n
	if err != nil {
		return total, err
	}
	n, err = io.Copy(w, payload)
	total += n
	if err != nil {
		return total, fmt.Errorf("writing payload: %w", err)
	}
	return total, nil
}

// Container is a decoded view over a container image. The slices alias
// the image passed to Decode.
type Container struct {
	MarkerOffset int
	Bootstrap    []byte
	Digest       Digest
	Payload      []byte
}

// Decode locates the trailer inside image.
func Decode(image []byte) (*Container, error) {
	offset := bytes.Index(image, Marker[:])
	if offset < 0 {
		return nil, &FormatError{Kind: MarkerNotFound}
	}
	payloadStart := offset + MarkerSize
	if payloadStart+DigestSize >= len(image) {
		return nil, &FormatError{
			Kind: Truncated,
			Err:  fmt.Errorf("%d bytes after marker at offset %d, need more than %d", len(image)-payloadStart, offset, DigestSize),
		}
	}

	c := &Container{
		MarkerOffset: offset,
		Bootstrap:    image[:offset],
		Payload:      image[payloadStart+DigestSize:],
	}
	copy(c.Digest[:], image[payloadStart:payloadStart+DigestSize])
	return c, nil
}

// Decompress fully decodes the payload stream.
func (c *Container) Decompress() ([]byte, error) {
	return Decompress(c.Payload)
}

// Verify checks data against the stored digest.
func (c *Container) Verify(data []byte) error {
	got := Sum(data)
	if got != c.Digest {
		return &FormatError{
			Kind: DigestMismatch,
			Err:  fmt.Errorf("stored %s, computed %s", c.Digest, got),
		}
	}
	return nil
}
