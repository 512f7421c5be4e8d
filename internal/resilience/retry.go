package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// RetryConfig bounds re-attempts of one logical call.
//
// Defaults (zero values): MaxRetries 3, Base 100ms, MaxDelay 2s, Jitter 0.2.
// A MaxRetries < 0 disables retries.
type RetryConfig struct {
	MaxRetries int
	Base       time.Duration
	MaxDelay   time.Duration
	Jitter     float64 // 0.2 = ±20%
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Base <= 0 {
		c.Base = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
	if c.MaxDelay < c.Base {
		c.MaxDelay = c.Base
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter == 0 {
		c.Jitter = 0.2
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Retry re-runs a failing call with exponential backoff.
type Retry struct {
	mu    sync.Mutex
	cfg   RetryConfig
	rng   *rand.Rand
	sleep SleepFunc
}

func NewRetry(cfg RetryConfig) *Retry {
	return &Retry{
		cfg:   cfg.withDefaults(),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}
}

// SetSleep overrides the wait between attempts, primarily for tests.
func (r *Retry) SetSleep(f SleepFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f == nil {
		f = sleepCtx
	}
	r.sleep = f
}

func (r *Retry) Apply(cfg RetryConfig) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

func (r *Retry) Config() RetryConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Do runs fn until it succeeds, returns a NoRetry error, the retry budget
// is spent, or ctx is done. It returns the number of attempts made and
// the last error, with any NoRetry wrapper removed. When ctx ends before
// the budget is spent the error wraps ctx.Err().
func (r *Retry) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	r.mu.Lock()
	cfg := r.cfg
	sleep := r.sleep
	r.mu.Unlock()

	maxAttempts := 1 + cfg.MaxRetries
	var err error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = fn(ctx, attempt)
		if err == nil {
			return attempts, nil
		}
		var nr finalError
		if errors.As(err, &nr) {
			return attempts, nr.err
		}
		if attempt >= maxAttempts {
			break
		}
		if cerr := ctx.Err(); cerr != nil {
			return attempts, cancelled(cerr, err)
		}
		if serr := sleep(ctx, r.Delay(attempt, err)); serr != nil {
			return attempts, cancelled(serr, err)
		}
	}
	return attempts, err
}

// cancelled keeps the cancellation as the error chain so callers can tell
// it apart from a hook failure.
func cancelled(cause, last error) error {
	if errors.Is(last, cause) {
		return last
	}
	return fmt.Errorf("%w (last: %v)", cause, last)
}

// Delay returns the wait before retry number n (1-based), honouring a
// RetryAfter hint carried by err.
func (r *Retry) Delay(n int, err error) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg := r.cfg

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = cfg.Base
		for i := 1; i < n; i++ {
			d *= 2
			if d >= cfg.MaxDelay {
				break
			}
		}
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	if cfg.Jitter > 0 && d > 0 {
		j := (r.rng.Float64()*2 - 1) * cfg.Jitter
		d = time.Duration(float64(d) * (1 + j))
	}
	if d < 0 {
		d = 0
	}
	if d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}
