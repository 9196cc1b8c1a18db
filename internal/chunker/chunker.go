package chunker

import (
	"fmt"
	"io"
)

// DefaultChunkSize is used when the caller does not ask for a specific size.
const DefaultChunkSize int64 = 1024 * 1024

// Chunk describes a contiguous byte range of the source file.
type Chunk struct {
	Index  uint32
	Offset int64
	Length int64
}

// TotalChunks returns ceil(fileSize/chunkSize), with a zero-byte file counting as one chunk.
func TotalChunks(fileSize, chunkSize int64) uint32 {
	if fileSize <= 0 {
		return 1
	}
	return uint32((fileSize + chunkSize - 1) / chunkSize)
}

// Plan splits a file of fileSize bytes into chunks of at most chunkSize bytes.
// The last chunk may be shorter. A zero-byte file yields a single empty chunk so the
// protocol still performs its init and verify round trips. chunkSize must be positive.
func Plan(fileSize, chunkSize int64) []Chunk {
	total := TotalChunks(fileSize, chunkSize)
	chunks := make([]Chunk, total)
	for i := range chunks {
		offset := int64(i) * chunkSize
		length := chunkSize
		if offset+length > fileSize {
			length = fileSize - offset
		}
		if length < 0 {
			length = 0
		}
		chunks[i] = Chunk{Index: uint32(i), Offset: offset, Length: length}
	}
	return chunks
}

// ReadChunk reads the bytes covered by c from src.
func ReadChunk(src io.ReaderAt, c Chunk) ([]byte, error) {
	buf := make([]byte, c.Length)
	if c.Length == 0 {
		return buf, nil
	}
	n, err := src.ReadAt(buf, c.Offset)
	if err != nil && !(err == io.EOF && int64(n) == c.Length) {
		return nil, fmt.Errorf("failed to read chunk %d at offset %d: %w", c.Index, c.Offset, err)
	}
	return buf, nil
}
