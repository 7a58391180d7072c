package ledger

import (
	"container/list"
	"sync"
)

// ReplayCache is a bounded LRU over idempotency key -> RecordResult.
// It is tier 1 of deduplication: a hit resolves a replay without touching
// storage. Tier 2 is the unique index on ledger_entries.idempotency_key,
// which stays authoritative; a miss here proves nothing.
//
// Safe for concurrent use.
type ReplayCache struct {
	mu       sync.Mutex
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

type replayEntry struct {
	key    string
	result RecordResult
}

// NewReplayCache creates a cache holding at most capacity results.
func NewReplayCache(capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReplayCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element, capacity),
		lruList:  list.New(),
	}
}

// Get returns the cached result for key, promoting it to most recent.
func (c *ReplayCache) Get(key string) (RecordResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.cache[key]
	if !ok {
		return RecordResult{}, false
	}
	c.lruList.MoveToFront(elem)
	return elem.Value.(*replayEntry).result, true
}

// Put stores the result for key, evicting the oldest entry when full.
func (c *ReplayCache) Put(key string, result RecordResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lruList.MoveToFront(elem)
		elem.Value.(*replayEntry).result = result
		return
	}

	elem := c.lruList.PushFront(&replayEntry{key: key, result: result})
	c.cache[key] = elem

	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.cache, oldest.Value.(*replayEntry).key)
			c.evictions++
		}
	}
}

// Size returns the current number of cached results.
func (c *ReplayCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lruList.Len()
}

// Evictions returns the total evictions since creation.
func (c *ReplayCache) Evictions() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictions
}
