package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Dicondur/openHistorian/logging"
	"github.com/Dicondur/openHistorian/pool"
)

func cachePage(t *testing.T, memoryPool *pool.MemoryPool, cache *PageCache, lock *PageLock, position uint64) {
	index, buffer, err := memoryPool.AllocatePage()
	assert.Nil(t, err)
	_, wasAdded := cache.AddOrGetPage(lock, position, buffer, index)
	assert.True(t, wasAdded)
}

func TestPageCache(t *testing.T) {

	t.Run("Test hit pins and counts", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lock := cache.GetPageLock()

		_, ok := cache.TryGetSubPage(lock, 0)
		assert.False(t, ok)
		assert.Nil(t, lock.current)

		cachePage(t, memoryPool, cache, lock, 0)
		buffer, ok := cache.TryGetSubPage(lock, 0)
		assert.True(t, ok)
		assert.Len(t, buffer, 4096)
		assert.Equal(t, uint32(2), cache.pages[0].accessCount)
	})

	t.Run("Test race loser keeps the incumbent", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lockA := cache.GetPageLock()
		lockB := cache.GetPageLock()

		indexA, bufferA, _ := memoryPool.AllocatePage()
		incumbent, wasAdded := cache.AddOrGetPage(lockA, 4096, bufferA, indexA)
		assert.True(t, wasAdded)

		indexB, bufferB, _ := memoryPool.AllocatePage()
		got, wasAdded := cache.AddOrGetPage(lockB, 4096, bufferB, indexB)
		assert.False(t, wasAdded)
		assert.Same(t, &incumbent[0], &got[0])

		// caller releases the losing page; pool books balance
		memoryPool.ReleasePage(indexB)
		assert.Equal(t, 1, memoryPool.AllocatedPages())
	})

	t.Run("Test aging halves and evicts", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lock := cache.GetPageLock()

		cachePage(t, memoryPool, cache, lock, 0)
		cachePage(t, memoryPool, cache, lock, 4096)

		// heat up page 0: counter 1 + 4 hits = 5
		for i := 0; i < 4; i++ {
			cache.TryGetSubPage(lock, 0)
		}
		cache.ReleaseLock(lock)

		// one pass: page 0 at 2, page 4096 drops to 0 and is evicted
		evicted := cache.DoCollection(pool.Normal)
		assert.Equal(t, 1, evicted)
		assert.Equal(t, 1, cache.Count())
		assert.Equal(t, uint32(2), cache.pages[0].accessCount)
		assert.Equal(t, 1, memoryPool.AllocatedPages())
	})

	t.Run("Test critical runs two passes", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lock := cache.GetPageLock()

		cachePage(t, memoryPool, cache, lock, 0)
		cache.TryGetSubPage(lock, 0) // counter 2
		cache.ReleaseLock(lock)

		evicted := cache.DoCollection(pool.Critical)
		assert.Equal(t, 1, evicted)
		assert.Equal(t, 0, cache.Count())
		assert.Equal(t, 0, memoryPool.AllocatedPages())
	})

	t.Run("Test pinned page survives collection", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lock := cache.GetPageLock()

		cachePage(t, memoryPool, cache, lock, 0)
		assert.NotNil(t, lock.current)

		// counter reaches zero but the pin holds the page resident
		for i := 0; i < 4; i++ {
			cache.DoCollection(pool.Normal)
		}
		assert.Equal(t, 1, cache.Count())

		cache.ReleaseLock(lock)
		cache.DoCollection(pool.Normal)
		assert.Equal(t, 0, cache.Count())
	})

	t.Run("Test lock moves between pages", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lock := cache.GetPageLock()

		cachePage(t, memoryPool, cache, lock, 0)
		first := lock.current
		cachePage(t, memoryPool, cache, lock, 4096)
		assert.NotEqual(t, first, lock.current)

		// the first page lost its pin when the lock moved on
		cache.DoCollection(pool.Normal)
		assert.Equal(t, 1, cache.Count())
		_, ok := cache.TryGetSubPageNoLock(0)
		assert.False(t, ok)
	})

	t.Run("Test release all returns pool pages", func(t *testing.T) {
		memoryPool := pool.New(*logging.CreateDebugLogger(), pool.Options{PageSize: 4096, MaxPages: 16})
		cache := NewPageCache(memoryPool)
		lock := cache.GetPageLock()

		for i := uint64(0); i < 4; i++ {
			cachePage(t, memoryPool, cache, lock, i*4096)
		}
		assert.Equal(t, 4, memoryPool.AllocatedPages())

		cache.ReleaseAll()
		assert.Equal(t, 0, cache.Count())
		assert.Equal(t, 0, memoryPool.AllocatedPages())
		assert.Nil(t, lock.current)
	})
}
