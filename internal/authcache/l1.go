package authcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/familyhub/familyhub/internal/rbac"
)

type entry struct {
	Decision  rbac.Decision `json:"decision"`
	Deps      []uuid.UUID   `json:"deps"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// shard is one slice of L1. The LRU carries its own lock; mu guards only the
// dependency index, and is never held while calling into the LRU so that the
// removal callback can take it. Entries expire by their own ExpiresAt, checked
// on read, so the LRU needs no background cleanup.
type shard struct {
	lru *lru.Cache[string, entry]

	mu   sync.Mutex
	deps map[uuid.UUID]map[string]struct{}

	stats *l1Stats
}

// l1Stats counts removals the cache made on its own, as opposed to
// invalidations and clears, which the tier counts.
type l1Stats struct {
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

func newShard(capacity int, stats *l1Stats) *shard {
	s := &shard{deps: make(map[uuid.UUID]map[string]struct{}), stats: stats}
	// NewWithEvict fails only for a non-positive size, which newL1 rules out.
	s.lru, _ = lru.NewWithEvict[string, entry](capacity, s.unindex)
	return s
}

// unindex runs for every removal: capacity eviction, expiry, invalidation or purge.
func (s *shard) unindex(key string, e entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range e.Deps {
		if keys, ok := s.deps[dep]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(s.deps, dep)
			}
		}
	}
}

func (s *shard) get(key string, now time.Time) (entry, bool) {
	e, ok := s.lru.Get(key)
	if !ok {
		return entry{}, false
	}
	if !now.Before(e.ExpiresAt) {
		if s.lru.Remove(key) {
			s.stats.expirations.Add(1)
		}
		return entry{}, false
	}
	return e, true
}

func (s *shard) add(key string, e entry) {
	if s.lru.Add(key, e) {
		s.stats.evictions.Add(1)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dep := range e.Deps {
		keys, ok := s.deps[dep]
		if !ok {
			keys = make(map[string]struct{})
			s.deps[dep] = keys
		}
		keys[key] = struct{}{}
	}
}

// dropUsers removes every key that depends on any of users and returns how many were present.
func (s *shard) dropUsers(users []uuid.UUID) int {
	s.mu.Lock()
	var keys []string
	for _, u := range users {
		for k := range s.deps[u] {
			keys = append(keys, k)
		}
		delete(s.deps, u)
	}
	s.mu.Unlock()
	removed := 0
	for _, k := range keys {
		if s.lru.Remove(k) {
			removed++
		}
	}
	return removed
}

func (s *shard) purge() {
	s.lru.Purge()
	s.mu.Lock()
	s.deps = make(map[uuid.UUID]map[string]struct{})
	s.mu.Unlock()
}

func (s *shard) len() int {
	return s.lru.Len()
}

type l1 struct {
	shards   []*shard
	capacity int
	stats    l1Stats
}

func newL1(capacity, shards int) *l1 {
	c := &l1{shards: make([]*shard, shards)}
	per := (capacity + shards - 1) / shards
	for i := range c.shards {
		c.shards[i] = newShard(per, &c.stats)
	}
	c.capacity = per * shards
	return c
}

// shardFor keeps every decision about one subject in the same shard.
func (c *l1) shardFor(userID uuid.UUID) *shard {
	return c.shards[xxhash.Sum64(userID[:])%uint64(len(c.shards))]
}

func (c *l1) dropUsers(users []uuid.UUID) int {
	removed := 0
	for _, s := range c.shards {
		removed += s.dropUsers(users)
	}
	return removed
}

func (c *l1) purge() {
	for _, s := range c.shards {
		s.purge()
	}
}

func (c *l1) len() int {
	n := 0
	for _, s := range c.shards {
		n += s.len()
	}
	return n
}
