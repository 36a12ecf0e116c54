// Package storage provides the JSON key-value store that session metadata is
// persisted through. Values live in one file per key on an afero filesystem,
// so the same code serves the real disk and in-memory test stores.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidKey = errors.New("invalid key")
)

// KV is the persistence port used by the session registry.
type KV interface {
	Get(ctx context.Context, key string, v any) error
	Set(ctx context.Context, key string, v any) error
}

// Storage provides file-based JSON storage.
type Storage struct {
	fs       afero.Fs
	basePath string
	mu       sync.Mutex
	locks    map[string]*FileLock
}

var _ KV = (*Storage)(nil)

// New creates a Storage rooted at basePath on fs.
func New(fs afero.Fs, basePath string) *Storage {
	return &Storage{
		fs:       fs,
		basePath: basePath,
		locks:    make(map[string]*FileLock),
	}
}

// NewOS creates a Storage on the local disk.
func NewOS(dir string) *Storage {
	return New(afero.NewOsFs(), dir)
}

// NewMemory creates a Storage backed by an in-memory filesystem.
func NewMemory() *Storage {
	return New(afero.NewMemMapFs(), "/runchat")
}

// keyToFile converts a slash-separated key to a file path.
func (s *Storage) keyToFile(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.HasSuffix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)) + ".json", nil
}

// Get decodes the value stored under key into v.
func (s *Storage) Get(ctx context.Context, key string, v any) error {
	filePath, err := s.keyToFile(key)
	if err != nil {
		return err
	}

	data, err := afero.ReadFile(s.fs, filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read file: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// Set stores v under key, replacing the file atomically.
func (s *Storage) Set(ctx context.Context, key string, v any) error {
	filePath, err := s.keyToFile(key)
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal: %w", err)
	}

	tmpPath := filePath + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := s.fs.Rename(tmpPath, filePath); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Storage) Delete(ctx context.Context, key string) error {
	filePath, err := s.keyToFile(key)
	if err != nil {
		return err
	}

	lock := s.getLock(filePath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer lock.Unlock()

	if err := s.fs.Remove(filePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// Exists reports whether a value is stored under key.
func (s *Storage) Exists(ctx context.Context, key string) bool {
	filePath, err := s.keyToFile(key)
	if err != nil {
		return false
	}
	ok, _ := afero.Exists(s.fs, filePath)
	return ok
}

func (s *Storage) getLock(filePath string) *FileLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[filePath]
	if !ok {
		lock = NewFileLock(s.fs, filePath)
		s.locks[filePath] = lock
	}
	return lock
}
