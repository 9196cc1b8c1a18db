package compressor

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/pierrec/lz4/v4"
)

// Name is the chunk encoding label used on the wire.
const Name = "lz4"

// minGain is the fraction a chunk must shrink by before the compressed form is used.
const minGain = 0.05

var skipExtensions = map[string]bool{
	".mp4": true, ".mov": true, ".avi": true, ".mkv": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
	".zip": true, ".rar": true, ".7z": true, ".gz": true, ".zst": true, ".lz4": true,
	".mp3": true, ".flac": true, ".aac": true,
	".apk": true, ".iso": true,
}

// ShouldSkipCompression reports whether the file is already compressed by format.
func ShouldSkipCompression(fileName string) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	return skipExtensions[ext]
}

// CompressChunk lz4-encodes data. ok is false when the result would not be
// meaningfully smaller, in which case the raw bytes should be sent instead.
func CompressChunk(data []byte) (compressed []byte, ok bool, err error) {
	if len(data) == 0 {
		return nil, false, nil
	}
	var buf bytes.Buffer
	writer := lz4.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		return nil, false, fmt.Errorf("compression failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, false, fmt.Errorf("compression failed: %w", err)
	}
	if float64(buf.Len()) > float64(len(data))*(1-minGain) {
		return nil, false, nil
	}
	return buf.Bytes(), true, nil
}

// DecompressChunk reverses CompressChunk. expected bounds the output size.
func DecompressChunk(data []byte, expected int64) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	var out bytes.Buffer
	if _, err := io.Copy(&out, io.LimitReader(reader, expected+1)); err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if int64(out.Len()) != expected {
		return nil, fmt.Errorf("decompressed %d bytes, expected %d", out.Len(), expected)
	}
	return out.Bytes(), nil
}
