package dataloader

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oaikl/kneegrade/vision/preprocessing"
)

func image(v float32) *preprocessing.ProcessedImage {
	return &preprocessing.ProcessedImage{Data: []float32{v}, Width: 1, Height: 1, Channels: 1}
}

func TestCacheGetPut(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	_, ok := cm.Get("a")
	assert.False(t, ok)

	cm.Put("a", image(1))
	got, ok := cm.Get("a")
	require.True(t, ok)
	assert.Equal(t, float32(1), got.Data[0])

	stats := cm.Stats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 50.0, stats.HitRate)
	assert.Equal(t, "Cache: 1/2 items, Hits: 1, Misses: 1, Hit Rate: 50.0%", stats.String())
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	cm, err := NewCacheManager(2)
	require.NoError(t, err)

	cm.Put("a", image(1))
	cm.Put("b", image(2))
	_, _ = cm.Get("a")
	cm.Put("c", image(3))

	_, ok := cm.Get("b")
	assert.False(t, ok)
	_, ok = cm.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), cm.Stats().Evictions)
}

func TestCacheClearKeepsStats(t *testing.T) {
	cm, err := NewCacheManager(4)
	require.NoError(t, err)
	cm.Put("a", image(1))
	_, _ = cm.Get("a")

	cm.Clear()
	assert.Equal(t, 0, cm.Stats().Size)
	assert.Equal(t, int64(1), cm.Stats().Hits)

	cm.ResetStats()
	assert.Equal(t, CacheStats{MaxSize: 4}, cm.Stats())
}

func TestCacheRejectsInvalidSize(t *testing.T) {
	_, err := NewCacheManager(0)
	assert.Error(t, err)
}

func TestCacheConcurrentAccess(t *testing.T) {
	cm, err := NewCacheManager(16)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("img%d", (w+i)%32)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, image(float32(i)))
				}
			}
		}(w)
	}
	wg.Wait()

	stats := cm.Stats()
	assert.Equal(t, int64(800), stats.Hits+stats.Misses)
	assert.LessOrEqual(t, stats.Size, 16)
}
