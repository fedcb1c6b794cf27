package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/oaikl/kneegrade/vision/preprocessing"
)

// CacheManager is a goroutine-safe LRU cache of decoded images keyed by path.
// Cached images must be treated as read-only; callers clone before mutating.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	hits      int64
	misses    int64
	evictions int64
}

// NewCacheManager creates a cache holding at most maxSize images.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cm := &CacheManager{maxSize: maxSize}
	cache, err := lru.NewWithEvict(maxSize, func(key, value interface{}) {
		atomic.AddInt64(&cm.evictions, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create image cache: %w", err)
	}
	cm.cache = cache
	return cm, nil
}

// Get retrieves an item from the cache
func (cm *CacheManager) Get(key string) (*preprocessing.ProcessedImage, bool) {
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.(*preprocessing.ProcessedImage), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return nil, false
}

// Put adds an item to the cache
func (cm *CacheManager) Put(key string, img *preprocessing.ProcessedImage) {
	cm.cache.Add(key, img)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	stats := CacheStats{
		Size:      cm.cache.Len(),
		MaxSize:   cm.maxSize,
		Hits:      hits,
		Misses:    misses,
		Evictions: atomic.LoadInt64(&cm.evictions),
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// Clear drops every cached image. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
	atomic.StoreInt64(&cm.evictions, 0)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
