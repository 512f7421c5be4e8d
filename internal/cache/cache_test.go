package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hookpilot/internal/hook"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGetRespectsTTL(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New()
	c.SetClock(clk.Now)

	c.Put("read_file#1", hook.Result{HookID: "read_file", Success: true, Output: "ok"}, time.Minute)

	got, ok := c.Get("read_file#1")
	require.True(t, ok)
	assert.Equal(t, "ok", got.Output)

	clk.Advance(59 * time.Second)
	_, ok = c.Get("read_file#1")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("read_file#1")
	assert.False(t, ok, "entry must expire exactly at TTL")
	assert.Zero(t, c.Len(), "lookup past TTL evicts")

	st := c.Stats()
	assert.Equal(t, uint64(2), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.Evictions)
}

func TestPutIgnoresNonPositiveTTL(t *testing.T) {
	t.Parallel()
	c := New()
	c.Put("k", hook.Result{}, 0)
	assert.Zero(t, c.Len())
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New()
	c.SetClock(clk.Now)
	c.Put("short", hook.Result{}, time.Second)
	c.Put("long", hook.Result{}, time.Hour)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	_, ok := c.Get("long")
	assert.True(t, ok)
	c.Clear()
	assert.Zero(t, c.Len())
}

func TestTTLForNamingCategories(t *testing.T) {
	t.Parallel()
	p := DefaultPolicy()
	tests := []struct {
		id       string
		ttl      time.Duration
		category string
	}{
		{id: "fetch_data", ttl: 60 * time.Second, category: "network"},
		{id: "write_log", ttl: 30 * time.Second, category: "write"},
		{id: "read_file", ttl: 1800 * time.Second, category: "read"},
		{id: "session_banner", ttl: DefaultTTL, category: "default"},
		{id: "Git-Fetch-Remote", ttl: 60 * time.Second, category: "network"},
		{id: "api_update_index", ttl: 60 * time.Second, category: "network"},
		{id: "update_readme", ttl: 30 * time.Second, category: "write"},
		{id: "analyze_deps", ttl: 1800 * time.Second, category: "read"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.id, func(t *testing.T) {
			ttl, cat := p.TTLFor(tt.id)
			assert.Equal(t, tt.ttl, ttl)
			assert.Equal(t, tt.category, cat)
		})
	}
}

func TestTTLForCustomFallback(t *testing.T) {
	t.Parallel()
	p := Policy{Rules: DefaultRules(), Fallback: 5 * time.Second}
	ttl, _ := p.TTLFor("banner")
	assert.Equal(t, 5*time.Second, ttl)
	ttl, _ = Policy{}.TTLFor("banner")
	assert.Equal(t, DefaultTTL, ttl)
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	t.Parallel()
	a := map[string]any{"cwd": "/repo", "tool": "Edit", "batch_id": "1"}
	b := map[string]any{"tool": "Edit", "batch_id": "2", "cwd": "/repo"}

	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.Equal(t, Fingerprint(a, "batch_id"), Fingerprint(b, "batch_id"))
	assert.Equal(t, "x#0", Key("x", Fingerprint(nil)))
	_, present := a["batch_id"]
	assert.True(t, present, "ignore must not mutate the input")
}

func TestConcurrentAccessAcrossKeys(t *testing.T) {
	t.Parallel()
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("hook_%d#0", i)
			for j := 0; j < 50; j++ {
				c.Put(key, hook.Result{HookID: key}, time.Minute)
				_, _ = c.Get(key)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 16, c.Len())
	assert.Equal(t, uint64(16*50), c.Stats().Hits)
}
