// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression names the stream compression applied to an archive.
type Compression string

const (
	// CompressionZstd suits the text-heavy content of job logs and is
	// the default.
	CompressionZstd Compression = "zstd"

	// CompressionLZ4 trades ratio for speed.
	CompressionLZ4 Compression = "lz4"

	CompressionNone Compression = "none"
)

// ParseCompression parses a compression name. The empty string selects
// CompressionZstd.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "":
		return CompressionZstd, nil
	case CompressionZstd, CompressionLZ4, CompressionNone:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("unknown compression %q (want zstd, lz4 or none)", name)
	}
}

// Extension returns the archive file suffix, e.g. ".tar.zst.age".
func Extension(compression Compression, encrypted bool) string {
	suffix := ".tar"
	switch compression {
	case CompressionZstd:
		suffix += ".zst"
	case CompressionLZ4:
		suffix += ".lz4"
	}
	if encrypted {
		suffix += ".age"
	}
	return suffix
}

// nopWriteCloser leaves the underlying writer open on Close.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// compressWriter wraps w so that bytes written are compressed. Closing
// the result finishes the compressed stream but does not close w.
func compressWriter(w io.Writer, compression Compression) (io.WriteCloser, error) {
	switch compression {
	case CompressionZstd:
		encoder, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd writer: %w", err)
		}
		return encoder, nil
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	case CompressionNone:
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}

// decompressReader is the inverse of compressWriter.
func decompressReader(r io.Reader, compression Compression) (io.ReadCloser, error) {
	switch compression {
	case CompressionZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return decoder.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressionNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", compression)
	}
}
