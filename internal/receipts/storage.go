package receipts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DiskStorage keeps receipt blobs on the local filesystem. Keys map to paths
// under the base directory.
type DiskStorage struct {
	base string
}

// NewDiskStorage creates the base directory if needed.
func NewDiskStorage(base string) (*DiskStorage, error) {
	if base == "" {
		return nil, fmt.Errorf("receipts: storage directory is required")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &DiskStorage{base: base}, nil
}

func (s *DiskStorage) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("receipts: invalid storage key %q", key)
	}
	return filepath.Join(s.base, clean), nil
}

// Put writes a blob. The content type is not persisted; it travels with the
// file metadata row instead.
func (s *DiskStorage) Put(ctx context.Context, key, contentType string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create blob directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

// Delete removes a blob. Missing blobs are not an error.
func (s *DiskStorage) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

var _ Storage = (*DiskStorage)(nil)
