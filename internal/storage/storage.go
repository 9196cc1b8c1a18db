package storage

import (
	"errors"
	"io"
)

// ErrChunkNotFound is returned when a chunk has not been stored.
var ErrChunkNotFound = errors.New("chunk not found")

// ChunkStore keeps the chunks of partially received files, keyed by transfer id.
type ChunkStore interface {
	// SaveChunk durably stores one verified chunk, replacing any previous copy.
	SaveChunk(transferID string, index uint32, data []byte) error
	// LoadChunk returns a stored chunk.
	LoadChunk(transferID string, index uint32) (io.ReadCloser, error)
	// ScanChunks lists the stored chunk indices in ascending order.
	ScanChunks(transferID string) ([]uint32, error)
	// Assemble concatenates chunks [0,total) into the final file and returns its path.
	Assemble(transferID, fileName string, total uint32) (string, error)
	// RemoveChunks drops the chunk files, keeping any assembled file.
	RemoveChunks(transferID string) error
	// Cleanup removes everything stored for the transfer.
	Cleanup(transferID string) error
}
