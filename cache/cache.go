package cache

// Cache is a bounded cache keyed by 64 bit hashes, split into shards to keep
// lock contention low.
type Cache struct {
	shards [shardSize]*shard
}

// New returns a new cache holding about size elements.
func New(size int) *Cache {
	ssize := size / shardSize
	if ssize < 4 {
		ssize = 4
	}

	c := &Cache{}
	for i := range c.shards {
		c.shards[i] = newShard(ssize)
	}

	return c
}

// Get looks up element index under key.
func (c *Cache) Get(key uint64) (any, bool) {
	return c.shards[key&(shardSize-1)].Get(key)
}

// Add adds a new element to the cache. If the element already exists it is overwritten.
func (c *Cache) Add(key uint64, el any) {
	c.shards[key&(shardSize-1)].Add(key, el)
}

// Remove removes the element indexed with key.
func (c *Cache) Remove(key uint64) {
	c.shards[key&(shardSize-1)].Remove(key)
}

// Len returns the number of elements in the cache.
func (c *Cache) Len() int {
	l := 0
	for _, s := range c.shards {
		l += s.Len()
	}
	return l
}
