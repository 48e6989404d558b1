// Copyright 2026 The Copse Authors
// SPDX-License-Identifier: Apache-2.0

package filesync

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the whole-file compression applied to the
// snapshot. The chosen tag is recorded in the integrity sidecar so
// Load never has to guess.
type Compression string

const (
	// CompressionNone leaves the snapshot as plain XML text,
	// readable with any editor. The default.
	CompressionNone Compression = "none"

	// CompressionLZ4 applies LZ4 frame compression: cheap to decode,
	// modest ratio. A good fit when startup time dominates.
	CompressionLZ4 Compression = "lz4"

	// CompressionZstd applies zstd at its default level. XML
	// snapshots are highly repetitive text, so the ratio is
	// typically severalfold better than LZ4.
	CompressionZstd Compression = "zstd"
)

// ParseCompression parses a compression tag from its string form. An
// empty name means [CompressionNone], matching the config default.
func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "":
		return CompressionNone, nil
	case CompressionNone, CompressionLZ4, CompressionZstd:
		return Compression(name), nil
	default:
		return "", fmt.Errorf("filesync: unknown compression %q", name)
	}
}

func compress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		var buf bytes.Buffer
		writer := lz4.NewWriter(&buf)
		if _, err := writer.Write(data); err != nil {
			return nil, fmt.Errorf("filesync: lz4 compress: %w", err)
		}
		if err := writer.Close(); err != nil {
			return nil, fmt.Errorf("filesync: lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		encoder, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("filesync: zstd encoder: %w", err)
		}
		defer encoder.Close()
		return encoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("filesync: unknown compression %q", tag)
	}
}

func decompress(data []byte, tag Compression) ([]byte, error) {
	switch tag {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		reader := lz4.NewReader(bytes.NewReader(data))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("filesync: lz4 decompress: %w", err)
		}
		return decompressed, nil
	case CompressionZstd:
		decoder, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("filesync: zstd decoder: %w", err)
		}
		defer decoder.Close()
		decompressed, err := decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("filesync: zstd decompress: %w", err)
		}
		return decompressed, nil
	default:
		return nil, fmt.Errorf("filesync: unknown compression %q", tag)
	}
}
