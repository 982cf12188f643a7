package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Expired   int64
	Entries   int
	Bytes     int64
	MaxBytes  int64
}

// Cache is a threadsafe LRU of byte slices bounded by their total size, with
// optional TTL expiry. Values are shared with callers and must be treated as
// read-only.
type Cache struct {
	mu          sync.Mutex
	ll          *list.List
	items       map[string]*list.Element
	maxBytes    int64
	bytes       int64
	ttl         time.Duration
	now         func() time.Time
	stats       Stats
	cleanupStop context.CancelFunc
	cleanupDone chan struct{}
}

type entry struct {
	key    string
	value  []byte
	expire time.Time
}

// DefaultMaxBytes is used when New is given a non-positive budget.
const DefaultMaxBytes = 64 << 20

// New returns a cache holding at most maxBytes of values. If ttl > 0 a
// background goroutine drops expired entries; call Close to stop it.
func New(maxBytes int64, ttl time.Duration) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	c := &Cache{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		maxBytes: maxBytes,
		ttl:      ttl,
		now:      time.Now,
	}
	if ttl > 0 {
		c.cleanupDone = make(chan struct{})
		ctx, cancel := context.WithCancel(context.Background())
		c.cleanupStop = cancel
		go c.cleanupExpired(ctx, ttl)
	}
	return c
}

// Get returns the value for key if present and not expired.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ele, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	ent := ele.Value.(*entry)
	if c.expired(ent) {
		c.removeElement(ele)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.ll.MoveToFront(ele)
	c.stats.Hits++
	return ent.value, true
}

// Set stores value under key, evicting least recently used entries until it
// fits. Values larger than the whole budget are not cached.
func (c *Cache) Set(key string, value []byte) {
	size := int64(len(value))
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
	if size > c.maxBytes {
		return
	}
	for c.bytes+size > c.maxBytes {
		c.evictOldest()
	}
	ent := &entry{key: key, value: value}
	if c.ttl > 0 {
		ent.expire = c.now().Add(c.ttl)
	}
	c.items[key] = c.ll.PushFront(ent)
	c.bytes += size
}

// Delete removes a key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.removeElement(ele)
	}
}

// Clear removes all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.ll = list.New()
	c.bytes = 0
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.ll.Len()
	s.Bytes = c.bytes
	s.MaxBytes = c.maxBytes
	return s
}

// Len returns the current number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache) expired(ent *entry) bool {
	return c.ttl > 0 && c.now().After(ent.expire)
}

func (c *Cache) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *Cache) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	ent := ele.Value.(*entry)
	delete(c.items, ent.key)
	c.bytes -= int64(len(ent.value))
}

func (c *Cache) cleanupExpired(ctx context.Context, ttl time.Duration) {
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(c.cleanupDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanupOnce()
		}
	}
}

// cleanupOnce removes all expired entries in one pass.
func (c *Cache) cleanupOnce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	for ele := c.ll.Back(); ele != nil; {
		prev := ele.Prev()
		if c.expired(ele.Value.(*entry)) {
			c.removeElement(ele)
			c.stats.Expired++
		}
		ele = prev
	}
}

// Close stops the background cleanup goroutine and waits for it to finish.
// It's safe to call Close multiple times.
func (c *Cache) Close() error {
	c.mu.Lock()
	stop := c.cleanupStop
	c.cleanupStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-c.cleanupDone
	}
	return nil
}
