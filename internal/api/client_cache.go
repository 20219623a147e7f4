package api

import (
	"container/list"
	"sync"
)

// nameKey identifies one entity within one session
type nameKey struct {
	session string
	id      int64
}

type nameEntry struct {
	key  nameKey
	name string
}

// nameCache keeps the most recently used entity display names.
// The backend treats names as stable for the lifetime of a session, so entries never expire.
type nameCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[nameKey]*list.Element
	order    *list.List // front = most recently used
}

func newNameCache(capacity int) *nameCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &nameCache{
		capacity: capacity,
		entries:  make(map[nameKey]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *nameCache) get(key nameKey) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*nameEntry).name, true
}

func (c *nameCache) put(key nameKey, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*nameEntry).name = name
		c.order.MoveToFront(elem)
		return
	}

	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*nameEntry).key)
	}
	c.entries[key] = c.order.PushFront(&nameEntry{key: key, name: name})
}

// dropSession forgets every name cached for a session
func (c *nameCache) dropSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		if key.session == session {
			c.order.Remove(elem)
			delete(c.entries, key)
		}
	}
}

func (c *nameCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
