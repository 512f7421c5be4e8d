package resilience

import (
	"errors"
	"fmt"
	"time"
)

// Returned through Decision.Err when a breaker refuses a call.
var (
	ErrCircuitOpen  = errors.New("circuit breaker open")
	ErrProbeLimited = errors.New("circuit breaker half-open: probe in flight")
)

// NoRetry makes Retry.Do return err after the current attempt. A command
// hook that cannot start at all, or a rejection, is final:
//
//	return hook.Response{}, resilience.NoRetry(fmt.Errorf("hook binary: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return finalError{err: err}
}

func IsNoRetry(err error) bool {
	var e finalError
	return errors.As(err, &e)
}

type finalError struct{ err error }

func (e finalError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e finalError) Unwrap() error { return e.err }

// RetryAfter asks for at least d before the hook is attempted again.
// Retry.Delay caps the hint at MaxDelay and jitters it.
func RetryAfter(err error, d time.Duration) error {
	if err == nil {
		return nil
	}
	return delayedError{err: err, after: max(d, 0)}
}

// RetryAfterError is implemented by errors that carry their own delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e delayedError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e delayedError) Unwrap() error             { return e.err }
func (e delayedError) RetryAfter() time.Duration { return e.after }
