package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStorage keeps uploaded documents and generated export files on the
// local filesystem, rooted at a single base directory. Relative paths are
// confined to that root.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage creates the base directory if needed and returns a store.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "./data"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// Save writes data to the relative path and returns that path on success.
func (s *LocalStorage) Save(filename string, data []byte) (string, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("store file: %w", err)
	}
	return filename, nil
}

// SaveStream streams the reader into the target path. Used for multipart
// uploads so large DS-160 documents never sit fully in memory.
func (s *LocalStorage) SaveStream(filename string, r io.Reader) (string, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare directory: %w", err)
	}
	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	_, copyErr := io.Copy(dst, r)
	closeErr := dst.Close()
	if copyErr != nil {
		return "", fmt.Errorf("store stream: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("close file: %w", closeErr)
	}
	return filename, nil
}

// Open returns a read-only handle for a stored file.
func (s *LocalStorage) Open(filename string) (*os.File, error) {
	path, err := s.resolve(filename)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return file, nil
}

// Delete removes a stored file. A missing file is not an error.
func (s *LocalStorage) Delete(filename string) error {
	path, err := s.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// CleanupOlderThan deletes files whose modification time predates the TTL and
// reports the relative paths it removed.
func (s *LocalStorage) CleanupOlderThan(ttl time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-ttl)
	var removed []string
	walkErr := filepath.WalkDir(s.baseDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		rel, relErr := filepath.Rel(s.baseDir, path)
		if relErr != nil {
			rel = path
		}
		removed = append(removed, rel)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("cleanup storage: %w", walkErr)
	}
	return removed, nil
}

// resolve joins the relative name under the base directory, rejecting
// absolute paths and traversal outside the root.
func (s *LocalStorage) resolve(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	cleaned := filepath.Clean(filename)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes storage root")
	}
	return filepath.Join(s.baseDir, cleaned), nil
}
