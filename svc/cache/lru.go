package cache

import (
	"errors"
	"pastel/metrics"
	"pastel/pkg/domain"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRU caches paste records by id. Values are copied on the way in and out so
// callers can never alias the cached record.
type LRU struct {
	c  *lru.Cache[string, *domain.Paste]
	mu sync.Mutex
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, *domain.Paste](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(id string) (*domain.Paste, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.c.Get(id)
	if !ok {
		metrics.CacheMisses.WithLabelValues("record").Inc()
		return nil, false
	}
	metrics.CacheHits.WithLabelValues("record").Inc()
	return p.Clone(), true
}
func (l *LRU) Set(p *domain.Paste) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Add(p.ID, p.Clone())
}
func (l *LRU) Delete(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(id)
}
func (l *LRU) Purge() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Purge()
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
