package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// ObjectStore spools uploaded media objects on disk under a base directory.
type ObjectStore struct {
	baseDir string
}

// NewObjectStore ensures the base directory exists and returns a handle.
func NewObjectStore(baseDir string) (*ObjectStore, error) {
	if baseDir == "" {
		baseDir = "./spool"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	return &ObjectStore{baseDir: baseDir}, nil
}

// Save writes the given bytes to the object key under the base dir.
func (s *ObjectStore) Save(objectKey string, data []byte) (string, error) {
	path := s.resolve(objectKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return objectKey, nil
}

// SaveStream copies from reader into the object file.
func (s *ObjectStore) SaveStream(objectKey string, r io.Reader) (string, error) {
	path := s.resolve(objectKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare object directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create object file: %w", err)
	}
	defer file.Close() //nolint:errcheck
	if _, err := io.Copy(file, r); err != nil {
		return "", fmt.Errorf("write object stream: %w", err)
	}
	return objectKey, nil
}

// Open returns a read-only handle for the stored object.
func (s *ObjectStore) Open(objectKey string) (*os.File, error) {
	path := s.resolve(objectKey)
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	return file, nil
}

// Delete removes a stored object if present.
func (s *ObjectStore) Delete(objectKey string) error {
	path := s.resolve(objectKey)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// CleanupOlderThan removes objects older than the provided TTL and returns
// the deleted keys.
func (s *ObjectStore) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)
	deleted := make([]string, 0)
	err := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		rel, err := filepath.Rel(s.baseDir, path)
		if err != nil {
			rel = path
		}
		deleted = append(deleted, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup spool: %w", err)
	}
	return deleted, nil
}

// Path exposes the underlying absolute path (useful for debugging).
func (s *ObjectStore) Path(objectKey string) string {
	return s.resolve(objectKey)
}

func (s *ObjectStore) resolve(objectKey string) string {
	if filepath.IsAbs(objectKey) {
		return objectKey
	}
	return filepath.Join(s.baseDir, objectKey)
}
