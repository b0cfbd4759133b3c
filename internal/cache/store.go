package cache

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/rich1edwards/vividly-mvp-sub011/internal/domain/generation"
)

// ArtifactStore is the durable side of the cache. GetByKey returns nil, nil
// on a miss; CreateIfAbsent keeps the first artifact written for a key.
type ArtifactStore interface {
	GetByKey(ctx context.Context, cacheKey string) (*generation.CachedArtifact, error)
	CreateIfAbsent(ctx context.Context, a *generation.CachedArtifact) (*generation.CachedArtifact, bool, error)
	DeleteByKey(ctx context.Context, cacheKey string) (bool, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*generation.CachedArtifact
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*generation.CachedArtifact)}
}

func (s *MemoryStore) GetByKey(ctx context.Context, cacheKey string) (*generation.CachedArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.items[cacheKey]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) CreateIfAbsent(ctx context.Context, a *generation.CachedArtifact) (*generation.CachedArtifact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[a.CacheKey]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	cp := *a
	s.items[a.CacheKey] = &cp
	return a, true, nil
}

func (s *MemoryStore) DeleteByKey(ctx context.Context, cacheKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.items[cacheKey]
	delete(s.items, cacheKey)
	return ok, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
