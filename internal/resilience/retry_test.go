package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordSleeps(r *Retry) *[]time.Duration {
	var waits []time.Duration
	r.SetSleep(func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	})
	return &waits
}

func TestRetryStopsOnSuccess(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{MaxRetries: 3, Base: 10 * time.Millisecond, Jitter: 0.0001})
	waits := recordSleeps(r)

	calls := 0
	attempts, err := r.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, *waits, 2)
}

func TestRetryIsBounded(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{MaxRetries: 2})
	recordSleeps(r)
	boom := errors.New("boom")
	attempts, err := r.Do(context.Background(), func(context.Context, int) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestRetryHonoursNoRetry(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{MaxRetries: 5})
	waits := recordSleeps(r)
	cause := errors.New("bad config")
	attempts, err := r.Do(context.Background(), func(context.Context, int) error { return NoRetry(cause) })
	assert.Equal(t, 1, attempts)
	assert.Same(t, cause, err)
	assert.Empty(t, *waits)
	assert.True(t, IsNoRetry(NoRetry(cause)))
	assert.Nil(t, NoRetry(nil))
}

func TestRetryDisabled(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{MaxRetries: -1})
	attempts, err := r.Do(context.Background(), func(context.Context, int) error { return errors.New("x") })
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryStopsWhenContextDone(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{MaxRetries: 5})
	ctx, cancel := context.WithCancel(context.Background())
	r.SetSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})
	attempts, err := r.Do(ctx, func(context.Context, int) error { return errors.New("x") })
	require.ErrorIs(t, err, context.Canceled)
	assert.Contains(t, err.Error(), "last: x")
	assert.Equal(t, 1, attempts)
}

func TestDelayGrowsAndIsCapped(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{Base: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond, Jitter: 1e-9})
	assert.InDelta(t, float64(100*time.Millisecond), float64(r.Delay(1, nil)), float64(time.Millisecond))
	assert.InDelta(t, float64(200*time.Millisecond), float64(r.Delay(2, nil)), float64(time.Millisecond))
	assert.LessOrEqual(t, r.Delay(3, nil), 350*time.Millisecond)
	assert.LessOrEqual(t, r.Delay(10, nil), 350*time.Millisecond)
}

func TestDelayHonoursRetryAfter(t *testing.T) {
	t.Parallel()
	r := NewRetry(RetryConfig{Base: 10 * time.Millisecond, MaxDelay: time.Second, Jitter: 1e-9})
	d := r.Delay(1, RetryAfter(errors.New("429"), 500*time.Millisecond))
	assert.InDelta(t, float64(500*time.Millisecond), float64(d), float64(time.Millisecond))
	d = r.Delay(1, RetryAfter(errors.New("429"), time.Hour))
	assert.LessOrEqual(t, d, time.Second)
}
