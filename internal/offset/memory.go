package offset

import (
	"context"
	"sync"
)

// MemoryStore keeps offsets in a map. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	offsets map[string]uint64
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{offsets: make(map[string]uint64)}
}

func (s *MemoryStore) Get(ctx context.Context, sourceType, filePath string) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.offsets[makeKey(sourceType, filePath)]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, sourceType, filePath string, offset uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[makeKey(sourceType, filePath)] = offset
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sourceType, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.offsets, makeKey(sourceType, filePath))
	return nil
}

func (s *MemoryStore) List(ctx context.Context) (map[string]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]uint64, len(s.offsets))
	for k, v := range s.offsets {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
