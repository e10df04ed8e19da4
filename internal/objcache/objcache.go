// Package objcache provides the bounded, reference-counted LRU cache of hot
// object index roots.
//
// Resolving an object means walking the container's persistent index; the
// cache keeps recently used roots pinned in memory so repeated operations on
// the same object skip the walk. Entries are pinned while a foreground
// operation holds a handle: an entry being evicted is never handed out to a
// new lookup, and eviction of a pinned entry is deferred until its last
// handle is released.
package objcache

import (
	"container/list"
	"sync"
	"sync/atomic"

	"github.com/aalhour/vostore/internal/vformat"
	"github.com/google/uuid"
)

// Key identifies a cached object root.
type Key struct {
	Container uuid.UUID
	Object    vformat.ObjectID
}

// Handle is a pinned reference to a cached object root. Callers must
// Release every handle obtained from Lookup or Insert.
type Handle struct {
	key     Key
	value   any
	charge  uint64
	refs    int32
	deleted bool
}

// Value returns the cached object root.
func (h *Handle) Value() any {
	return h.value
}

// Cache is a thread-safe LRU cache with a fixed charge capacity.
type Cache struct {
	mu       sync.Mutex
	capacity uint64
	usage    uint64
	table    map[Key]*list.Element
	lru      *list.List

	hits   atomic.Uint64
	misses atomic.Uint64
}

type entry struct {
	handle *Handle
}

// getEntry safely extracts an entry from a list element. The assertion is
// safe because the list only ever stores *entry.
func getEntry(elem *list.Element) *entry {
	e, _ := elem.Value.(*entry)
	return e
}

// New creates a cache with the given capacity. Charge is nominally bytes;
// callers typically charge a fixed estimate per object root.
func New(capacity uint64) *Cache {
	return &Cache{
		capacity: capacity,
		table:    make(map[Key]*list.Element),
		lru:      list.New(),
	}
}

// Insert adds an object root, evicting cold unpinned entries as needed, and
// returns a pinned handle to it. Inserting over an existing key replaces
// its value.
func (c *Cache) Insert(key Key, value any, charge uint64) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		e := getEntry(elem)
		c.usage -= e.handle.charge
		e.handle.value = value
		e.handle.charge = charge
		c.usage += charge
		c.lru.MoveToFront(elem)
		e.handle.refs++
		return e.handle
	}

	h := &Handle{key: key, value: value, charge: charge, refs: 1}

	for c.usage+charge > c.capacity && c.lru.Len() > 0 {
		if !c.evictOne() {
			break
		}
	}

	elem := c.lru.PushFront(&entry{handle: h})
	c.table[key] = elem
	c.usage += charge
	return h
}

// Lookup returns a pinned handle to the cached root, or nil.
func (c *Cache) Lookup(key Key) *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		e := getEntry(elem)
		if !e.handle.deleted {
			c.lru.MoveToFront(elem)
			e.handle.refs++
			c.hits.Add(1)
			return e.handle
		}
	}
	c.misses.Add(1)
	return nil
}

// Release unpins a handle. The entry is removed once it is both marked
// deleted and unpinned.
func (c *Cache) Release(h *Handle) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	h.refs--
	if h.refs == 0 && h.deleted {
		if elem, ok := c.table[h.key]; ok {
			c.removeElement(elem)
		}
	}
}

// Erase removes a key. A pinned entry is marked and removed on its final
// Release; new lookups miss immediately either way.
func (c *Cache) Erase(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.table[key]; ok {
		e := getEntry(elem)
		e.handle.deleted = true
		if e.handle.refs == 0 {
			c.removeElement(elem)
		}
	}
}

// Usage returns the current charge total.
func (c *Cache) Usage() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// HitCount returns the number of lookup hits.
func (c *Cache) HitCount() uint64 {
	return c.hits.Load()
}

// MissCount returns the number of lookup misses.
func (c *Cache) MissCount() uint64 {
	return c.misses.Load()
}

// evictOne evicts the least recently used unpinned entry. Reports whether
// an entry was evicted. Called with mu held.
func (c *Cache) evictOne() bool {
	for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
		e := getEntry(elem)
		if e.handle.refs == 0 && !e.handle.deleted {
			c.removeElement(elem)
			return true
		}
	}
	return false
}

// removeElement unlinks an entry. Called with mu held.
func (c *Cache) removeElement(elem *list.Element) {
	e := getEntry(elem)
	delete(c.table, e.handle.key)
	c.lru.Remove(elem)
	c.usage -= e.handle.charge
}
