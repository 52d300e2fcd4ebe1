package lru

// Get retrieves a value and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		var zero V

		return zero, false
	}

	c.moveToFront(ent)

	return ent.value, true
}

// Peek retrieves a value without touching recency.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		var zero V

		return zero, false
	}

	return ent.value, true
}

// Put adds or updates a key-value pair. It reports false when the value is
// larger than the whole cache and was therefore not stored.
func (c *Cache[K, V]) Put(key K, value V) bool {
	valSize := c.valueSize(value)

	if c.maxSize > 0 && valSize > c.maxSize {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.putLocked(key, value, valSize)
}

// putLocked inserts or updates an entry under the lock.
func (c *Cache[K, V]) putLocked(key K, value V, valSize int64) bool {
	if ent, ok := c.entries[key]; ok {
		c.curSize += valSize - ent.size
		ent.value = value
		ent.size = valSize
		c.moveToFront(ent)

		// Growing an entry may push the total past the budget; shed the
		// oldest entries but never the one just written.
		for c.maxSize > 0 && c.curSize > c.maxSize && c.tail != ent {
			c.evictTail()
		}

		return true
	}

	c.evictUntilFits(valSize)

	ent := &entry[K, V]{
		key:   key,
		value: value,
		size:  valSize,
	}

	c.entries[key] = ent
	c.curSize += valSize
	c.addToFront(ent)

	return true
}

// Remove deletes key and reports whether it was present. Removal is not
// counted as an eviction.
func (c *Cache[K, V]) Remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok {
		return false
	}

	c.unlink(ent)

	return true
}

// RemoveIf deletes key only when match accepts its current value. It is used
// to drop a stale entry without racing a concurrent refresh of the same key.
func (c *Cache[K, V]) RemoveIf(key K, match func(V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if !ok || !match(ent.value) {
		return false
	}

	c.unlink(ent)

	return true
}

// Range calls fn for each entry from most to least recently used until fn
// returns false. fn runs with the lock held and must not call into the cache.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ent := c.head; ent != nil; ent = ent.next {
		if !fn(ent.key, ent.value) {
			return
		}
	}
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]*entry[K, V])
	c.head = nil
	c.tail = nil
	c.curSize = 0
}

// valueSize returns the size of a value using the configured size function,
// or 1 if no size function is configured.
func (c *Cache[K, V]) valueSize(value V) int64 {
	if c.sizeFunc != nil {
		return c.sizeFunc(value)
	}

	return 1
}

// evictUntilFits removes entries until a new value of valSize fits.
func (c *Cache[K, V]) evictUntilFits(valSize int64) {
	for c.maxEntries > 0 && len(c.entries) >= c.maxEntries && c.tail != nil {
		c.evictTail()
	}

	for c.maxSize > 0 && c.curSize+valSize > c.maxSize && c.tail != nil {
		c.evictTail()
	}
}

// evictTail removes the least recently used entry.
func (c *Cache[K, V]) evictTail() {
	victim := c.tail
	if victim == nil {
		return
	}

	c.unlink(victim)
	c.evictions.Add(1)

	if c.onEvict != nil {
		c.onEvict(victim.key, victim.value)
	}
}

// unlink drops ent from both the list and the index.
func (c *Cache[K, V]) unlink(ent *entry[K, V]) {
	c.removeFromList(ent)
	delete(c.entries, ent.key)
	c.curSize -= ent.size
}

// moveToFront moves an entry to the head of the LRU list.
func (c *Cache[K, V]) moveToFront(ent *entry[K, V]) {
	if ent == c.head {
		return
	}

	c.removeFromList(ent)
	c.addToFront(ent)
}

// addToFront adds an entry at the head of the LRU list.
func (c *Cache[K, V]) addToFront(ent *entry[K, V]) {
	ent.prev = nil
	ent.next = c.head

	if c.head != nil {
		c.head.prev = ent
	}

	c.head = ent

	if c.tail == nil {
		c.tail = ent
	}
}

// removeFromList removes an entry from the LRU list.
func (c *Cache[K, V]) removeFromList(ent *entry[K, V]) {
	if ent.prev != nil {
		ent.prev.next = ent.next
	} else {
		c.head = ent.next
	}

	if ent.next != nil {
		ent.next.prev = ent.prev
	} else {
		c.tail = ent.prev
	}

	ent.prev = nil
	ent.next = nil
}
