package cache

import (
	"context"
	"path"
	"sync"
	"time"
)

// Store is a short-TTL read cache. Invalidate accepts a glob pattern
// ("screening:patient:*") so writers can drop every shape derived from a row.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Invalidate(ctx context.Context, pattern string) int
	Clear(ctx context.Context)
}

// entry holds a cached value and its expiration time.
type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is a thread-safe in-process Store with lazy expiration.
type Memory struct {
	entries map[string]*entry
	mu      sync.RWMutex
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Get returns a miss for expired entries and deletes them.
func (s *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return e.data, true
}

func (s *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &entry{
		data:      value,
		expiresAt: s.now().Add(ttl),
	}
}

// Invalidate removes every key matching the glob pattern and returns how
// many were removed. A pattern without wildcards removes at most one key.
func (s *Memory) Invalidate(_ context.Context, pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

func (s *Memory) Clear(_ context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*entry)
}

// Len returns the number of entries, expired or not.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// StartCleanup periodically removes expired entries until ctx is cancelled.
func (s *Memory) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				now := s.now()
				for k, v := range s.entries {
					if now.After(v.expiresAt) {
						delete(s.entries, k)
					}
				}
				s.mu.Unlock()
			}
		}
	}()
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (Noop) Set(context.Context, string, []byte, time.Duration) {}
func (Noop) Invalidate(context.Context, string) int { return 0 }
func (Noop) Clear(context.Context) {}
