package archive

import (
	"math"

	"github.com/Dicondur/openHistorian/pool"
)

/*
PageCache maps file relative page positions to resident pool pages and
ages them under memory pressure.

Every resident page carries an access counter. Hits increment it
(saturating) and every collection pass halves it; a page whose counter
reaches zero while no session pins it is released back to the pool.
Hot pages accumulate counter faster than halving erodes it, while a
one shot scan leaves counter one behind and is gone on the next pass,
which is what keeps wide range scans from flushing the working set.

The cache is not self synchronizing. The owning file serializes every
call under its own mutex, including collection callbacks; keeping the
lock outside lets the file pair a lookup with a repair copy in one
critical section. A sharded map would cut contention here, but the
collection pass needs a globally consistent counter population, so
the single map stays.
*/

type cachedPage struct {
	poolIndex   int
	buffer      []byte
	accessCount uint32
}

// PageLock pins at most one resident page for one reading session.
// While the lock references a page the collection pass may not evict
// it. Every lookup through the lock drops the previous pin.
type PageLock struct {
	current *cachedPage
}

type PageCache struct {
	pool     *pool.MemoryPool
	pageSize uint64
	pages    map[uint64]*cachedPage
	locks    map[*PageLock]struct{}
}

func NewPageCache(memoryPool *pool.MemoryPool) *PageCache {
	return &PageCache{
		pool:     memoryPool,
		pageSize: uint64(memoryPool.PageSize()),
		pages:    make(map[uint64]*cachedPage),
		locks:    make(map[*PageLock]struct{}),
	}
}

func (c *PageCache) GetPageLock() *PageLock {
	lock := &PageLock{}
	c.locks[lock] = struct{}{}
	return lock
}

func (c *PageCache) ReleaseLock(lock *PageLock) {
	lock.current = nil
	delete(c.locks, lock)
}

// TryGetSubPage looks up the page at pagePosition (file relative,
// page aligned), pins it through lock and bumps its access counter.
func (c *PageCache) TryGetSubPage(lock *PageLock, pagePosition uint64) ([]byte, bool) {
	page, ok := c.pages[pagePosition]
	if !ok {
		lock.current = nil
		return nil, false
	}
	if page.accessCount < math.MaxUint32 {
		page.accessCount++
	}
	lock.current = page
	return page.buffer, true
}

// AddOrGetPage inserts the freshly read page or returns the incumbent
// when a concurrent miss won the race. When wasAdded is false the
// caller still owns pageMemory and must release it back to the pool.
func (c *PageCache) AddOrGetPage(lock *PageLock, pagePosition uint64, pageMemory []byte, poolIndex int) ([]byte, bool) {
	if incumbent, ok := c.pages[pagePosition]; ok {
		if incumbent.accessCount < math.MaxUint32 {
			incumbent.accessCount++
		}
		lock.current = incumbent
		return incumbent.buffer, false
	}
	page := &cachedPage{
		poolIndex:   poolIndex,
		buffer:      pageMemory,
		accessCount: 1,
	}
	c.pages[pagePosition] = page
	lock.current = page
	return page.buffer, true
}

// TryGetSubPageNoLock looks up a page without pinning it or touching
// its counter. The commit boundary repair uses this inside the same
// critical section that performs the copy.
func (c *PageCache) TryGetSubPageNoLock(pagePosition uint64) ([]byte, bool) {
	page, ok := c.pages[pagePosition]
	if !ok {
		return nil, false
	}
	return page.buffer, true
}

func (c *PageCache) isPinned(page *cachedPage) bool {
	for lock := range c.locks {
		if lock.current == page {
			return true
		}
	}
	return false
}

// DoCollection ages every resident page and evicts the ones that aged
// out. Critical pressure runs two halving passes in one event so that
// single visit pages are gone immediately.
func (c *PageCache) DoCollection(mode pool.CollectionMode) int {
	passes := 1
	if mode == pool.Critical {
		passes = 2
	}

	evicted := 0
	for pass := 0; pass < passes; pass++ {
		for position, page := range c.pages {
			page.accessCount >>= 1
			if page.accessCount == 0 && !c.isPinned(page) {
				c.pool.ReleasePage(page.poolIndex)
				delete(c.pages, position)
				evicted++
			}
		}
	}
	return evicted
}

// ReleaseAll drops every resident page back to the pool and clears
// all locks. Only the dispose path calls this.
func (c *PageCache) ReleaseAll() {
	for position, page := range c.pages {
		c.pool.ReleasePage(page.poolIndex)
		delete(c.pages, position)
	}
	for lock := range c.locks {
		lock.current = nil
		delete(c.locks, lock)
	}
}

func (c *PageCache) Count() int {
	return len(c.pages)
}
