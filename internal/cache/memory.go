package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	key        string
	value      []byte
	insertedAt time.Time
	expiresAt  time.Time
}

func (e *memoryEntry) size() int64 {
	return int64(len(e.key) + len(e.value))
}

// MemoryStore is an in-process LRU bounded by a byte budget.
// Expired entries are dropped lazily when they are looked up or when they
// reach the cold end of the list.
type MemoryStore struct {
	mu        sync.Mutex
	maxBytes  int64
	usedBytes int64
	items     map[string]*list.Element
	order     *list.List // front = most recently used
}

// NewMemoryStore creates a memory store holding at most maxBytes of keys and
// values. A non-positive budget means unbounded.
func NewMemoryStore(maxBytes int64) *MemoryStore {
	return &MemoryStore{
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves value from cache, expiring the entry if its TTL has passed.
func (c *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}

	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(el)
		return nil, false, nil
	}

	c.order.MoveToFront(el)
	return entry.value, true, nil
}

// Set inserts or replaces key. A non-positive ttl removes it.
func (c *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if ttl <= 0 {
		return nil
	}

	// Copy to decouple from caller's buffer
	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)

	now := time.Now()
	entry := &memoryEntry{
		key:        key,
		value:      valueCopy,
		insertedAt: now,
		expiresAt:  now.Add(ttl),
	}

	// an entry larger than the whole budget is never stored
	if c.maxBytes > 0 && entry.size() > c.maxBytes {
		return nil
	}

	c.items[key] = c.order.PushFront(entry)
	c.usedBytes += entry.size()
	c.evict()

	return nil
}

// Exists reports whether key is present and unexpired without touching recency.
func (c *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return false, nil
	}
	if time.Now().After(el.Value.(*memoryEntry).expiresAt) {
		c.removeElement(el)
		return false, nil
	}
	return true, nil
}

// Clear removes all items from cache.
func (c *MemoryStore) Clear(context.Context) error {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.usedBytes = 0
	c.mu.Unlock()
	return nil
}

// Len returns the number of items currently in the cache.
func (c *MemoryStore) Len(context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), nil
}

// Bytes returns the accounted size of all keys and values.
func (c *MemoryStore) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedBytes
}

// evict drops least recently used entries until the budget holds.
// Caller holds c.mu.
func (c *MemoryStore) evict() {
	if c.maxBytes <= 0 {
		return
	}
	for c.usedBytes > c.maxBytes {
		el := c.order.Back()
		if el == nil {
			return
		}
		c.removeElement(el)
	}
}

func (c *MemoryStore) removeElement(el *list.Element) {
	entry := c.order.Remove(el).(*memoryEntry)
	delete(c.items, entry.key)
	c.usedBytes -= entry.size()
}
