package checkpoint

import (
	"context"
	"sync"
)

// InMemoryStore keeps checkpoints in process memory (tests and the memory backend).
type InMemoryStore struct {
	mu    sync.Mutex
	saved map[string]int64
	saves int
}

// NewInMemoryStore creates an empty checkpoint store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{saved: make(map[string]int64)}
}

// Load returns the saved sequence, or 0.
func (s *InMemoryStore) Load(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[name], nil
}

// Save moves the checkpoint forward.
func (s *InMemoryStore) Save(_ context.Context, name string, sequence int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.saves++
	if sequence > s.saved[name] {
		s.saved[name] = sequence
	}
	return nil
}

// Saves returns how many times Save was called (for tests).
func (s *InMemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
