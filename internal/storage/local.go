package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const (
	chunksDir = "chunks"
	finalDir  = "final"
)

// LocalStorage implements ChunkStore on the local filesystem as
// <base>/<transfer id>/chunks/chunk-NNNNNN.bin and <base>/<transfer id>/final/<name>.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

func (s *LocalStorage) transferDir(transferID string) (string, error) {
	if transferID == "" || transferID != filepath.Base(transferID) || strings.HasPrefix(transferID, ".") {
		return "", fmt.Errorf("invalid transfer id %q", transferID)
	}
	return filepath.Join(s.basePath, transferID), nil
}

func (s *LocalStorage) chunkPath(transferID string, index uint32) (string, error) {
	dir, err := s.transferDir(transferID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, chunksDir, fmt.Sprintf("chunk-%06d.bin", index)), nil
}

// SaveChunk writes to a temporary file first so a crash never leaves a torn chunk.
func (s *LocalStorage) SaveChunk(transferID string, index uint32, data []byte) error {
	path, err := s.chunkPath(transferID, index)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// LoadChunk retrieves a chunk from the local filesystem.
func (s *LocalStorage) LoadChunk(transferID string, index uint32) (io.ReadCloser, error) {
	path, err := s.chunkPath(transferID, index)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s #%d", ErrChunkNotFound, transferID, index)
		}
		return nil, fmt.Errorf("failed to open chunk file: %w", err)
	}
	return file, nil
}

func (s *LocalStorage) ScanChunks(transferID string) ([]uint32, error) {
	dir, err := s.transferDir(transferID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, chunksDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan chunks: %w", err)
	}
	var indices []uint32
	for _, e := range entries {
		var index uint32
		if e.IsDir() {
			continue
		}
		if _, err := fmt.Sscanf(e.Name(), "chunk-%06d.bin", &index); err != nil {
			continue
		}
		indices = append(indices, index)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices, nil
}

func (s *LocalStorage) Assemble(transferID, fileName string, total uint32) (string, error) {
	dir, err := s.transferDir(transferID)
	if err != nil {
		return "", err
	}
	name := filepath.Base(fileName)
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return "", fmt.Errorf("invalid file name %q", fileName)
	}
	finalPath := filepath.Join(dir, finalDir, name)

	err = writeAtomic(finalPath, func(w io.Writer) error {
		for i := uint32(0); i < total; i++ {
			chunk, err := s.LoadChunk(transferID, i)
			if err != nil {
				return err
			}
			_, err = io.Copy(w, chunk)
			chunk.Close()
			if err != nil {
				return fmt.Errorf("failed to copy chunk %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to assemble %s: %w", name, err)
	}
	return finalPath, nil
}

func (s *LocalStorage) RemoveChunks(transferID string) error {
	dir, err := s.transferDir(transferID)
	if err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(dir, chunksDir))
}

func (s *LocalStorage) Cleanup(transferID string) error {
	dir, err := s.transferDir(transferID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func writeAtomic(path string, write func(io.Writer) error) (err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := filepath.Join(filepath.Dir(path), ".tmp-"+uuid.NewString())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
