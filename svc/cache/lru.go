package cache

import (
	"context"
	"errors"
	"sync"

	"hastypaste/pkg/domain"

	lru "github.com/hashicorp/golang-lru/v2"
)

const maxLRUSize = 100000

// LRU is a bounded in-memory level. Reads and writes both move an id to the
// most recently used end; eviction is purely by recency, expiry is ignored.
type LRU struct {
	mu sync.Mutex
	c  *lru.Cache[string, Fields]
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > maxLRUSize {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, Fields](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}

func (l *LRU) Name() string { return "lru" }

func (l *LRU) Push(_ context.Context, id string, f Fields) error {
	if f.Empty() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, _ := l.c.Peek(id)
	l.c.Add(id, f.over(cur))
	return nil
}
func (l *LRU) entry(id string) (Fields, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Get(id)
}
func (l *LRU) Meta(_ context.Context, id string) (*domain.PasteMeta, bool, error) {
	e, ok := l.entry(id)
	if !ok || e.Meta == nil {
		return nil, false, nil
	}
	return e.Meta, true, nil
}
func (l *LRU) Rendered(_ context.Context, id string) (string, bool, error) {
	e, ok := l.entry(id)
	if !ok || e.HTML == nil {
		return "", false, nil
	}
	return *e.HTML, true, nil
}
func (l *LRU) Raw(_ context.Context, id string) ([]byte, bool, error) {
	e, ok := l.entry(id)
	if !ok || e.Raw == nil {
		return nil, false, nil
	}
	return e.Raw, true, nil
}
func (l *LRU) Remove(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
	return nil
}

// Contains reports whether id is cached without touching its recency.
func (l *LRU) Contains(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Contains(id)
}

// Keys lists cached ids from least to most recently used.
func (l *LRU) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Keys()
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
