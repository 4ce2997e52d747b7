// Copyright 2016-2020 The CoreDNS authors and contributors
// Adapted for authdns usage.

package cache

import "sync"

// shard is a cache with random eviction.
type shard struct {
	items map[uint64]any
	size  int

	sync.RWMutex
}

// newShard returns a new shard with size.
func newShard(size int) *shard { return &shard{items: make(map[uint64]any), size: size} }

// Add adds element indexed by key into the cache. Any existing element is overwritten
func (s *shard) Add(key uint64, el any) {
	s.Lock()
	if _, ok := s.items[key]; !ok && len(s.items)+1 > s.size {
		s.evictLocked()
	}
	s.items[key] = el
	s.Unlock()
}

// Remove removes the element indexed by key from the cache.
func (s *shard) Remove(key uint64) {
	s.Lock()
	delete(s.items, key)
	s.Unlock()
}

// evictLocked removes a random element from the cache.
func (s *shard) evictLocked() {
	for k := range s.items {
		delete(s.items, k)
		return
	}
}

// Get looks up the element indexed under key.
func (s *shard) Get(key uint64) (any, bool) {
	s.RLock()
	el, found := s.items[key]
	s.RUnlock()
	return el, found
}

// Len returns the current length of the cache.
func (s *shard) Len() int {
	s.RLock()
	l := len(s.items)
	s.RUnlock()
	return l
}

const shardSize = 256
