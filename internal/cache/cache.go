// Package cache memoizes hook results with a per-entry TTL.
//
// Expired entries are evicted lazily on lookup; Sweep exists for callers
// that want to bound memory between lookups.
package cache

import (
	"encoding/json"
	"hash/fnv"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"hookpilot/internal/hook"
)

const shardCount = 16

// Entry is one cached result.
type Entry struct {
	Key      string
	Result   hook.Result
	TTL      time.Duration
	StoredAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !now.Before(e.StoredAt.Add(e.TTL))
}

// Stats are best-effort counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type shard struct {
	mu sync.Mutex
	m  map[string]Entry
}

// Cache is a sharded TTL map. Writes for one key are serialized by its
// shard; distinct keys in different shards proceed concurrently.
type Cache struct {
	shards [shardCount]*shard
	now    func() time.Time

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func New() *Cache {
	c := &Cache{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{m: map[string]Entry{}}
	}
	return c
}

// SetClock overrides the cache clock, primarily for tests.
func (c *Cache) SetClock(f func() time.Time) {
	if f == nil {
		f = time.Now
	}
	c.now = f
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the cached result for key. An entry past its TTL is removed
// and reported as a miss.
func (c *Cache) Get(key string) (hook.Result, bool) {
	s := c.shardFor(key)
	now := c.now()

	s.mu.Lock()
	e, ok := s.m[key]
	if ok && e.expired(now) {
		delete(s.m, key)
		ok = false
		c.evictions.Add(1)
	}
	s.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		return hook.Result{}, false
	}
	c.hits.Add(1)
	return e.Result, true
}

// Put stores r under key for ttl. Non-positive TTLs are ignored.
func (c *Cache) Put(key string, r hook.Result, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s := c.shardFor(key)
	s.mu.Lock()
	s.m[key] = Entry{Key: key, Result: r, TTL: ttl, StoredAt: c.now()}
	s.mu.Unlock()
}

func (c *Cache) Delete(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet evicted.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.m)
		s.mu.Unlock()
	}
	return n
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for k, e := range s.m {
			if e.expired(now) {
				delete(s.m, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.evictions.Add(uint64(removed))
	return removed
}

// Clear drops every entry.
func (c *Cache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.m = map[string]Entry{}
		s.mu.Unlock()
	}
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

// Key derives the cache key of a hook for a context fingerprint.
func Key(hookID string, fingerprint uint64) string {
	return hookID + "#" + strconv.FormatUint(fingerprint, 16)
}

// Fingerprint hashes the parts of a batch context that influence a hook
// result. encoding/json sorts map keys, so equal maps hash equally.
// Values that cannot be encoded hash to 0, which still yields a stable key.
func Fingerprint(ctx map[string]any, ignore ...string) uint64 {
	if len(ctx) == 0 {
		return 0
	}
	view := ctx
	if len(ignore) > 0 {
		view = make(map[string]any, len(ctx))
		for k, v := range ctx {
			view[k] = v
		}
		for _, k := range ignore {
			delete(view, k)
		}
	}
	b, err := json.Marshal(view)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
