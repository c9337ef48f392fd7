package cache

// The cache keeps its entries on an intrusive doubly-linked list ordered by
// recency (most recent at the head) with a map index from key to node, so
// promotion on access and tail eviction are both O(1).

// entry is one cached item and its position in the recency list.
type entry struct {
	key        string
	data       []byte // serialized value, gzip-compressed when compressed is set
	compressed bool
	meta       Metadata

	prev, next *entry
}

// pushFront inserts e at the head of the recency list. Caller holds the lock.
func (c *Cache) pushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

// moveToFront promotes e to most-recently-used. Caller holds the lock.
func (c *Cache) moveToFront(e *entry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

// unlink detaches e from the recency list. Caller holds the lock.
func (c *Cache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

// removeEntry drops e from the list, the index, and the memory accounting.
// Caller holds the lock.
func (c *Cache) removeEntry(e *entry) {
	c.unlink(e)
	delete(c.items, e.key)
	c.memBytes -= e.meta.SizeBytes
}

// evictTail removes the least-recently-used entry. Caller holds the lock.
func (c *Cache) evictTail() {
	if c.tail == nil {
		return
	}
	c.removeEntry(c.tail)
	c.evictions++
}
