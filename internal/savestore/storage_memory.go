package savestore

import (
	"fmt"
	"path"
	"sync"
)

// MemoryStorage keeps blobs in process memory. Locations it returns are
// synthetic "mem://" paths.
type MemoryStorage struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	maxSize int
}

func NewMemoryStorage(maxSize int) *MemoryStorage {
	return &MemoryStorage{
		blobs:   make(map[string][]byte),
		maxSize: maxSize,
	}
}

func memKey(kind Kind, name string) string {
	return "mem://" + path.Join(string(kind), name)
}

func (s *MemoryStorage) Save(kind Kind, name string, data []byte) (string, error) {
	if name == "" {
		return "", fmt.Errorf("invalid blob name %q", name)
	}
	key := memKey(kind, name)
	if err := s.SaveAt(key, data); err != nil {
		return "", err
	}
	return key, nil
}

func (s *MemoryStorage) Load(kind Kind, name string) ([]byte, error) {
	return s.LoadAt(memKey(kind, name))
}

func (s *MemoryStorage) Exists(kind Kind, name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[memKey(kind, name)]
	return ok
}

func (s *MemoryStorage) SaveAt(p string, data []byte) error {
	if s.maxSize > 0 && len(data) > s.maxSize {
		return fmt.Errorf("%s is %d bytes: %w", p, len(data), ErrTooLarge)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[p] = append([]byte{}, data...)
	return nil
}

func (s *MemoryStorage) LoadAt(p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[p]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotFound)
	}
	return append([]byte{}, data...), nil
}

// Keys lists every stored location.
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.blobs))
	for k := range s.blobs {
		keys = append(keys, k)
	}
	return keys
}
