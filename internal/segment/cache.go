package segment

import (
	"container/list"
	"sync"

	"github.com/rs/zerolog"
)

// Cache is a bounded LRU of open, read-only segments. The consumer loads
// every segment it reads through it, its current one included; the
// producer's tail segment is never stored here. The bound limits how many
// mapped-but-idle segments accumulate behind the consumer, e.g. after a
// recovery repositioning sends it far back.
// Adapted from the teacher's internal/resource/segment_cache.go, keyed by
// start offset instead of a topic/partition string.
type Cache struct {
	mu       sync.Mutex
	capacity int
	lruList  *list.List
	items    map[int64]*list.Element
	log      zerolog.Logger
}

type cacheItem struct {
	start int64
	seg   *Segment
}

// NewCache returns a Cache holding at most capacity open segments.
// capacity <= 0 defaults to 16.
func NewCache(capacity int, log zerolog.Logger) *Cache {
	if capacity <= 0 {
		capacity = 16
	}
	return &Cache{
		capacity: capacity,
		lruList:  list.New(),
		items:    make(map[int64]*list.Element),
		log:      log,
	}
}

// GetOrLoad returns the cached segment for start, loading it with loader on
// a miss and evicting the least-recently-used entry if the cache is full.
func (c *Cache) GetOrLoad(start int64, loader func() (*Segment, error)) (*Segment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[start]; ok {
		c.lruList.MoveToFront(elem)
		return elem.Value.(*cacheItem).seg, nil
	}

	seg, err := loader()
	if err != nil {
		return nil, err
	}

	if c.lruList.Len() >= c.capacity {
		c.evict()
	}

	item := &cacheItem{start: start, seg: seg}
	elem := c.lruList.PushFront(item)
	c.items[start] = elem

	return seg, nil
}

// Evict removes start from the cache and disposes its segment, if present.
// Used by the retention worker right before it deletes a segment file, so a
// stale mapping is never left open against a deleted file.
func (c *Cache) Evict(start int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[start]
	if !ok {
		return
	}
	c.lruList.Remove(elem)
	delete(c.items, start)
	_ = elem.Value.(*cacheItem).seg.Dispose()
}

func (c *Cache) evict() {
	elem := c.lruList.Back()
	if elem == nil {
		return
	}
	c.lruList.Remove(elem)
	item := elem.Value.(*cacheItem)
	delete(c.items, item.start)

	if err := item.seg.Dispose(); err != nil {
		c.log.Warn().Err(err).Int64("start", item.start).Msg("failed to dispose evicted segment")
	}
}

// Close disposes every cached segment.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for e := c.lruList.Front(); e != nil; e = e.Next() {
		item := e.Value.(*cacheItem)
		if err := item.seg.Dispose(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.lruList.Init()
	c.items = make(map[int64]*list.Element)
	return firstErr
}
