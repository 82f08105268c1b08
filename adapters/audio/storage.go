package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexlevy0/mycompanion/domain/repositories"
)

// FileSegmentStorage reads and removes segment files under one directory
type FileSegmentStorage struct {
	dir string
}

var _ repositories.SegmentStorage = (*FileSegmentStorage)(nil)

// NewFileSegmentStorage creates storage rooted at dir
func NewFileSegmentStorage(dir string) *FileSegmentStorage {
	return &FileSegmentStorage{dir: filepath.Clean(dir)}
}

// ReadBytes implements repositories.SegmentStorage
func (s *FileSegmentStorage) ReadBytes(ctx context.Context, handle string) ([]byte, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment: %w", err)
	}
	return data, nil
}

// Delete implements repositories.SegmentStorage
func (s *FileSegmentStorage) Delete(ctx context.Context, handle string) error {
	path, err := s.resolve(handle)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return nil
}

// resolve rejects handles outside the storage directory
func (s *FileSegmentStorage) resolve(handle string) (string, error) {
	path := filepath.Clean(handle)
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, path)
	}
	rel, err := filepath.Rel(s.dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("segment %q is outside %s", handle, s.dir)
	}
	return path, nil
}
