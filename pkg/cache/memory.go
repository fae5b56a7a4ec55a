package cache

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/olivpeter/compressorPro/pkg/media"
	"github.com/olivpeter/compressorPro/pkg/metrics"
)

const DefaultMemoryEntries = 256

// MemoryStore is a process-local LRU of encoded versions.
type MemoryStore struct {
	entries *lru.Cache[string, *media.Version]
	metrics *metrics.Metrics
	hits    atomic.Int64
	misses  atomic.Int64
}

func NewMemoryStore(size int, m *metrics.Metrics) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	entries, err := lru.New[string, *media.Version](size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{entries: entries, metrics: m}, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*media.Version, bool) {
	v, ok := s.entries.Get(key)
	if ok {
		s.hits.Add(1)
	} else {
		s.misses.Add(1)
	}
	s.metrics.ObserveCache("memory", ok)
	return v, ok
}

func (s *MemoryStore) Set(_ context.Context, key string, v *media.Version) {
	s.entries.Add(key, v)
}

// Stats returns hit and miss counts and the current entry count.
func (s *MemoryStore) Stats() (hits, misses int64, size int) {
	return s.hits.Load(), s.misses.Load(), s.entries.Len()
}

func (s *MemoryStore) Clear() {
	s.entries.Purge()
	s.hits.Store(0)
	s.misses.Store(0)
}
