// Package transfer handles document payload encoding and short-term caching
// of prepared transfer blobs.
package transfer

import (
	"container/list"
	"sync"
)

// cacheKey identifies one prepared payload. A document re-encoded after an
// edit gets a new content hash and therefore a new slot.
type cacheKey struct {
	docID string
	hash  string
}

type cacheItem struct {
	key      cacheKey
	data     []byte
	encoding string
}

// Cache is an LRU over encoded payloads, bounded by total payload bytes.
// Serving a repeat fetch from here skips re-reading and re-compressing the
// document.
type Cache struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	order    *list.List
	items    map[cacheKey]*list.Element
}

// NewCache returns a cache holding at most maxBytes of payload data.
// maxBytes <= 0 disables caching entirely.
func NewCache(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		order:    list.New(),
		items:    make(map[cacheKey]*list.Element),
	}
}

// Get returns the cached payload for (docID, hash) and marks it recently
// used
func (c *Cache) Get(docID, hash string) (data []byte, encoding string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[cacheKey{docID, hash}]
	if !ok {
		return nil, "", false
	}
	c.order.MoveToFront(el)
	it := el.Value.(*cacheItem)
	return it.data, it.encoding, true
}

// Put stores a payload, evicting least-recently-used entries to stay within
// the byte budget. Payloads larger than the whole budget are not cached.
func (c *Cache) Put(docID, hash string, data []byte, encoding string) {
	if c.maxBytes <= 0 || int64(len(data)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{docID, hash}
	if el, ok := c.items[key]; ok {
		it := el.Value.(*cacheItem)
		c.size += int64(len(data)) - int64(len(it.data))
		it.data = data
		it.encoding = encoding
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&cacheItem{key: key, data: data, encoding: encoding})
		c.items[key] = el
		c.size += int64(len(data))
	}

	for c.size > c.maxBytes {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.evict(oldest)
	}
}

// InvalidateDoc drops every cached payload for a document, regardless of
// hash. Called when the document changes or is deleted locally.
func (c *Cache) InvalidateDoc(docID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, el := range c.items {
		if key.docID == docID {
			c.evict(el)
		}
	}
}

// Len returns the number of cached payloads
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Size returns total cached payload bytes
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) evict(el *list.Element) {
	it := el.Value.(*cacheItem)
	c.order.Remove(el)
	delete(c.items, it.key)
	c.size -= int64(len(it.data))
}
