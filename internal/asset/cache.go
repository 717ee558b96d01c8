package asset

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// CachedStore fronts any backend with an in-memory LRU of hot blobs.
// Concurrent misses for the same id are collapsed into one backend read.
type CachedStore struct {
	backend Store
	hot     *lru.Cache[string, []byte]
	group   singleflight.Group
}

func NewCachedStore(backend Store, entries int) (*CachedStore, error) {
	hot, err := lru.New[string, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &CachedStore{backend: backend, hot: hot}, nil
}

func (s *CachedStore) Put(ctx context.Context, data []byte) (string, error) {
	id, err := s.backend.Put(ctx, data)
	if err != nil {
		return "", err
	}
	s.hot.Add(id, data)
	return id, nil
}

func (s *CachedStore) Get(ctx context.Context, id string) ([]byte, error) {
	if data, ok := s.hot.Get(id); ok {
		return data, nil
	}
	v, err, _ := s.group.Do(id, func() (any, error) {
		data, err := s.backend.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		s.hot.Add(id, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *CachedStore) Exists(ctx context.Context, id string) (bool, error) {
	if s.hot.Contains(id) {
		return true, nil
	}
	return s.backend.Exists(ctx, id)
}

func (s *CachedStore) Unreferenced(ctx context.Context, referenced map[string]bool) ([]string, error) {
	return s.backend.Unreferenced(ctx, referenced)
}
