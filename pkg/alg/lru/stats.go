package lru

// Stats describes the occupancy of a cache.
type Stats struct {
	Entries     int
	CurrentSize int64
	Evictions   int64
	MaxEntries  int   // 0 when count-based limit is not set.
	MaxSize     int64 // 0 when size-based limit is not set.
}

// Utilization returns the fraction of the tightest configured limit in use.
func (s Stats) Utilization() float64 {
	var byCount, bySize float64

	if s.MaxEntries > 0 {
		byCount = float64(s.Entries) / float64(s.MaxEntries)
	}

	if s.MaxSize > 0 {
		bySize = float64(s.CurrentSize) / float64(s.MaxSize)
	}

	return max(byCount, bySize)
}

// Stats returns current cache statistics.
func (c *Cache[K, V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Entries:     len(c.entries),
		CurrentSize: c.curSize,
		Evictions:   c.evictions.Load(),
		MaxEntries:  c.maxEntries,
		MaxSize:     c.maxSize,
	}
}

// Evictions returns the number of entries dropped to make room (lock-free).
func (c *Cache[K, V]) Evictions() int64 { return c.evictions.Load() }
