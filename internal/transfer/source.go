package transfer

import (
	"fmt"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

// Source is the content of one logical file. It is read by offset, one chunk at a time.
type Source interface {
	io.ReaderAt
	Size() int64
}

// FileSource is a Source backed by a local file.
type FileSource struct {
	*os.File
	size int64
}

// OpenFile opens path for transfer.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &FileSource{File: f, size: info.Size()}, nil
}

func (f *FileSource) Size() int64 { return f.size }

const mimeSniffLen = 3072

// DetectMimeType sniffs the content type from the head of src.
func DetectMimeType(src Source) string {
	n := src.Size()
	if n > mimeSniffLen {
		n = mimeSniffLen
	}
	buf := make([]byte, n)
	read, err := src.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return ""
	}
	return mimetype.Detect(buf[:read]).String()
}
