package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock { return &manualClock{t: time.Unix(1_700_000_000, 0)} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 3, Cooldown: 10 * time.Second})
	b.SetClock(clk.Now)

	assert.False(t, b.RecordFailure())
	assert.False(t, b.RecordFailure())
	assert.Equal(t, StateClosed, b.State())
	assert.True(t, b.RecordFailure())
	assert.Equal(t, StateOpen, b.State())

	d := b.Allow()
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCircuitOpen, d.Reason)
	assert.Equal(t, clk.Now().Add(10*time.Second), d.RetryAt)
	assert.Equal(t, uint64(1), b.Snapshot().Rejected)
}

func TestBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: 2})
	b.RecordFailure()
	b.RecordSuccess()
	assert.False(t, b.RecordFailure())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 5 * time.Second, MaxCooldown: 15 * time.Second})
	b.SetClock(clk.Now)
	require.True(t, b.RecordFailure())

	clk.Advance(5 * time.Second)
	first := b.Allow()
	require.True(t, first.Allowed)
	assert.Equal(t, StateHalfOpen, first.State)

	second := b.Allow()
	assert.False(t, second.Allowed, "only one probe at a time")
	assert.Equal(t, ReasonHalfOpenProbing, second.Reason)

	// Failed probe reopens with a doubled cooldown.
	assert.True(t, b.RecordFailure())
	assert.Equal(t, clk.Now().Add(10*time.Second), b.Snapshot().OpenUntil)

	clk.Advance(10 * time.Second)
	require.True(t, b.Allow().Allowed)
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Snapshot().Failures)
	assert.Equal(t, uint64(2), b.Snapshot().Opened)
}

func TestBreakerCooldownIsCapped(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: 4 * time.Second, MaxCooldown: 6 * time.Second})
	b.SetClock(clk.Now)
	b.RecordFailure()
	clk.Advance(4 * time.Second)
	b.Allow()
	b.RecordFailure()
	assert.Equal(t, clk.Now().Add(6*time.Second), b.Snapshot().OpenUntil)
}

func TestBreakerForgetsStaleFailures(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 2, ResetAfter: time.Minute})
	b.SetClock(clk.Now)
	b.RecordFailure()
	clk.Advance(2 * time.Minute)
	assert.False(t, b.RecordFailure())
	assert.Equal(t, 1, b.Snapshot().Failures)
}

func TestBreakerOpensOnSpacedOutFailures(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 5})
	b.SetClock(clk.Now)
	opened := false
	for i := 0; i < 5; i++ {
		opened = b.RecordFailure()
		clk.Advance(6 * time.Minute)
	}
	assert.True(t, opened)
	assert.Equal(t, 5, b.Snapshot().Failures)
}

func TestBreakerDisabled(t *testing.T) {
	t.Parallel()
	b := NewBreaker(BreakerConfig{Threshold: -1})
	for i := 0; i < 10; i++ {
		b.RecordFailure()
	}
	assert.True(t, b.Allow().Allowed)
}

func TestSetCreatesMembersLazily(t *testing.T) {
	t.Parallel()
	s := NewSet(BreakerConfig{Threshold: 1}, RetryConfig{MaxRetries: 1})
	b1, r1 := s.For("a")
	b2, r2 := s.For("a")
	assert.Same(t, b1, b2)
	assert.Same(t, r1, r2)

	b1.RecordFailure()
	s.For("b")
	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "a", snap[0].HookID)
	assert.Equal(t, StateOpen, snap[0].State)
	assert.Equal(t, 1, s.OpenCount())
	assert.Equal(t, uint64(1), s.Trips())

	s.Apply(BreakerConfig{Threshold: 4}, RetryConfig{MaxRetries: 2})
	assert.Equal(t, 2, r1.Config().MaxRetries)

	s.Forget("a")
	b3, _ := s.For("a")
	assert.NotSame(t, b1, b3)
}

func TestBreakerReleaseFreesProbe(t *testing.T) {
	t.Parallel()
	clk := newManualClock()
	b := NewBreaker(BreakerConfig{Threshold: 1, Cooldown: time.Second})
	b.SetClock(clk.Now)

	require.True(t, b.RecordFailure())
	clk.Advance(time.Second)
	require.True(t, b.Allow().Allowed)
	assert.False(t, b.Allow().Allowed)

	b.Release()
	assert.True(t, b.Allow().Allowed)
	assert.Equal(t, StateHalfOpen, b.State())
}
