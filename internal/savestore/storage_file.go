package savestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

type FileStorage struct {
	dirs    Dirs
	maxSize int64
	mu      sync.RWMutex
}

type FileOption func(*FileStorage)

// WithMaxSize caps the size of blobs read back from disk. Zero means no cap.
func WithMaxSize(n int64) FileOption {
	return func(s *FileStorage) {
		s.maxSize = n
	}
}

func NewFileStorage(dirs Dirs, opts ...FileOption) (*FileStorage, error) {
	for _, dir := range []string{dirs.States, dirs.SRAM, dirs.Screenshots} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir: %w", err)
		}
	}
	s := &FileStorage{dirs: dirs}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *FileStorage) path(kind Kind, name string) (string, error) {
	dir, err := s.dirs.forKind(kind)
	if err != nil {
		return "", err
	}
	if name == "" || name != filepath.Base(name) {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	return filepath.Join(dir, name), nil
}

func (s *FileStorage) Save(kind Kind, name string, data []byte) (string, error) {
	p, err := s.path(kind, name)
	if err != nil {
		return "", err
	}
	if err := s.SaveAt(p, data); err != nil {
		return "", err
	}
	return p, nil
}

func (s *FileStorage) Load(kind Kind, name string) ([]byte, error) {
	p, err := s.path(kind, name)
	if err != nil {
		return nil, err
	}
	return s.LoadAt(p)
}

func (s *FileStorage) Exists(kind Kind, name string) bool {
	p, err := s.path(kind, name)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(p)
	return err == nil
}

// SaveAt writes through a temporary file and renames it into place so a
// crash mid-write never leaves a truncated blob behind.
func (s *FileStorage) SaveAt(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func (s *FileStorage) LoadAt(path string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if s.maxSize > 0 && info.Size() > s.maxSize {
		return nil, fmt.Errorf("%s is %d bytes: %w", path, info.Size(), ErrTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}
