package models

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Payload is the local bytes behind a pending upload. The store owns the
// reference and releases it once the item is queued; holding payloads past
// that point leaks large buffers.
type Payload interface {
	// Open returns a fresh reader over the full content. Callers close it.
	Open() (io.ReadCloser, error)
	Size() int64
}

// BytesPayload keeps the content in memory. Used by tests and callers that
// already buffered the file.
type BytesPayload []byte

func (p BytesPayload) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(p)), nil
}

func (p BytesPayload) Size() int64 {
	return int64(len(p))
}

// FilePayload streams content from disk, avoiding a full in-memory copy
// for large recordings.
type FilePayload struct {
	Path string
	size int64
}

// NewFilePayload stats the file once so Size never touches disk again.
func NewFilePayload(path string) (*FilePayload, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat payload: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("payload %s is a directory", path)
	}
	return &FilePayload{Path: path, size: info.Size()}, nil
}

func (p *FilePayload) Open() (io.ReadCloser, error) {
	f, err := os.Open(p.Path)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return f, nil
}

func (p *FilePayload) Size() int64 {
	return p.size
}
