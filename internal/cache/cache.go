// Package cache provides the in-memory result cache used by the aggregator.
package cache

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTTL is the sliding expiry applied to aggregated result sets.
const DefaultTTL = 5 * time.Minute

const shardCount = 16

// Store is the capability the aggregator needs from a cache.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V, ttl time.Duration)
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

// HitRatio returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
	expiresAt  time.Time
}

type shard[V any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[V]
}

// Memory is a sharded in-memory cache with sliding expiry. A successful Get
// pushes the entry's expiry to now+ttl. Each shard has its own lock, so
// writers on one key do not block readers of keys in other shards.
type Memory[V any] struct {
	shards [shardCount]shard[V]
	now    func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	janitorInterval time.Duration
	done            chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// Option configures a Memory cache.
type Option func(*options)

type options struct {
	now             func() time.Time
	janitorInterval time.Duration
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithJanitor sets how often expired entries are swept. Zero disables the
// sweeper; expired entries are then only dropped when looked up.
func WithJanitor(interval time.Duration) Option {
	return func(o *options) { o.janitorInterval = interval }
}

// NewMemory creates a cache and starts its janitor when one is configured.
func NewMemory[V any](opts ...Option) *Memory[V] {
	o := options{now: time.Now, janitorInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Memory[V]{
		now:             o.now,
		janitorInterval: o.janitorInterval,
		done:            make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]*entry[V])
	}

	if c.janitorInterval > 0 {
		c.wg.Add(1)
		go c.janitor()
	}
	return c
}

func (c *Memory[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &c.shards[h.Sum32()%shardCount]
}

// Get returns the value for key and slides its expiry forward.
func (c *Memory[V]) Get(key string) (V, bool) {
	var zero V
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		return zero, false
	}
	if !now.Before(e.expiresAt) {
		delete(s.entries, key)
		s.mu.Unlock()
		c.evictions.Add(1)
		c.misses.Add(1)
		return zero, false
	}
	e.expiresAt = now.Add(e.ttl)
	v := e.value
	s.mu.Unlock()

	c.hits.Add(1)
	return v, true
}

// Peek returns the value for key without counting a lookup or sliding expiry.
func (c *Memory[V]) Peek(key string) (V, bool) {
	var zero V
	s := c.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok || !c.now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key with a fresh sliding ttl. A non-positive ttl
// uses DefaultTTL.
func (c *Memory[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := c.now()
	s := c.shardFor(key)
	s.mu.Lock()
	s.entries[key] = &entry[V]{value: value, insertedAt: now, ttl: ttl, expiresAt: now.Add(ttl)}
	s.mu.Unlock()
}

// Delete removes key. It reports whether the key was present.
func (c *Memory[V]) Delete(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()
	return ok
}

// Clear removes every entry and returns how many were dropped.
func (c *Memory[V]) Clear() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		n += len(s.entries)
		s.entries = make(map[string]*entry[V])
		s.mu.Unlock()
	}
	return n
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Memory[V]) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Keys returns the live keys in no particular order.
func (c *Memory[V]) Keys() []string {
	now := c.now()
	var keys []string
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for k, e := range s.entries {
			if now.Before(e.expiresAt) {
				keys = append(keys, k)
			}
		}
		s.mu.RUnlock()
	}
	return keys
}

// Stats returns a snapshot of the counters.
func (c *Memory[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   c.Len(),
	}
}

// Sweep drops expired entries and returns how many were removed.
func (c *Memory[V]) Sweep() int {
	now := c.now()
	removed := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for k, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evictions.Add(uint64(removed))
	return removed
}

func (c *Memory[V]) janitor() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Close stops the janitor. The cache stays usable afterwards.
func (c *Memory[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}
