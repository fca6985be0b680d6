package classifier

import (
	"context"
	"sync"
	"time"

	"github.com/jxucoder/forgeline/pkg/model"
)

// Cache stores classification results by prompt hash.
type Cache interface {
	Get(ctx context.Context, key string) (model.OperationKind, bool)
	Set(ctx context.Context, key string, kind model.OperationKind)
}

// node is a doubly linked list node holding a cached decision.
type node struct {
	key     string
	kind    model.OperationKind
	expires time.Time
	prev    *node
	next    *node
}

// MemoryCache is a thread-safe LRU cache whose entries also expire after a TTL.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*node
	head     *node // most recently used (sentinel)
	tail     *node // least recently used (sentinel)
	now      func() time.Time
}

// NewMemoryCache creates a cache holding at most capacity entries for ttl each.
// A non-positive ttl disables expiry.
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity < 1 {
		capacity = 1
	}
	head := &node{}
	tail := &node{}
	head.next = tail
	tail.prev = head

	return &MemoryCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*node, capacity),
		head:     head,
		tail:     tail,
		now:      time.Now,
	}
}

// Get returns a live entry and marks it most recently used.
func (c *MemoryCache) Get(_ context.Context, key string) (model.OperationKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return "", false
	}
	if c.ttl > 0 && !c.now().Before(n.expires) {
		c.remove(n)
		delete(c.items, key)
		return "", false
	}
	c.moveToFront(n)
	return n.kind, true
}

// Set inserts or refreshes an entry, evicting the least recently used one
// when full.
func (c *MemoryCache) Set(_ context.Context, key string, kind model.OperationKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if n, ok := c.items[key]; ok {
		n.kind = kind
		n.expires = expires
		c.moveToFront(n)
		return
	}

	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.remove(victim)
		delete(c.items, victim.key)
	}

	n := &node{key: key, kind: kind, expires: expires}
	c.items[key] = n
	c.pushFront(n)
}

// Len returns the number of stored entries, including expired ones not yet
// touched.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// --- internal linked list operations (caller must hold lock) ---

func (c *MemoryCache) remove(n *node) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *MemoryCache) pushFront(n *node) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *MemoryCache) moveToFront(n *node) {
	c.remove(n)
	c.pushFront(n)
}
