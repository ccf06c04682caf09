package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStorage keeps generated statement files under one base
// directory. Callers address files by storage-relative path only; paths
// that escape the base directory are rejected.
type LocalStorage struct {
	baseDir string
}

func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./statements"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create statement directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Save writes data under the base directory, creating intermediate
// directories as needed, and echoes back the relative path.
func (s *LocalStorage) Save(relPath string, data []byte) (string, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare statement directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write statement file: %w", err)
	}
	return relPath, nil
}

func (s *LocalStorage) Open(relPath string) (*os.File, error) {
	path, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open statement file: %w", err)
	}
	return file, nil
}

// Delete removes a stored file. A missing file is not an error; cleanup
// may race with manual removal.
func (s *LocalStorage) Delete(relPath string) error {
	path, err := s.resolve(relPath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete statement file: %w", err)
	}
	return nil
}

func (s *LocalStorage) resolve(relPath string) (string, error) {
	if relPath == "" {
		return "", errors.New("empty storage path")
	}
	cleaned := filepath.Clean(relPath)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("storage path %q escapes base directory", relPath)
	}
	return filepath.Join(s.baseDir, cleaned), nil
}
