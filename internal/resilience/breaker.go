package resilience

import (
	"sync"
	"time"
)

// State is the gate position of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

const (
	ReasonCircuitOpen     = "circuit_open"
	ReasonHalfOpenProbing = "circuit_half_open_probe_limit"
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig controls a consecutive-failure circuit breaker.
//
// Defaults (zero values): Threshold 5, Cooldown 60s, MaxCooldown 10m.
// A Threshold < 0 disables the breaker.
type BreakerConfig struct {
	Threshold int
	Cooldown  time.Duration
	// MaxCooldown caps the cooldown, which doubles each time a half-open
	// probe fails.
	MaxCooldown time.Duration
	// ResetAfter forgets accumulated failures when the last one is older.
	// 0 keeps them until a success.
	ResetAfter time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold == 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = c.Cooldown
	}
	if c.ResetAfter < 0 {
		c.ResetAfter = 0
	}
	return c
}

func (c BreakerConfig) enabled() bool { return c.Threshold > 0 }

// Decision is the result of asking the breaker for permission.
type Decision struct {
	Allowed bool
	State   State
	Reason  string
	// RetryAt is when an open breaker will admit a probe.
	RetryAt time.Time
}

// Err returns nil for an admitted call, else ErrProbeLimited or
// ErrCircuitOpen.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonHalfOpenProbing:
		return ErrProbeLimited
	default:
		return ErrCircuitOpen
	}
}

// BreakerSnapshot is a point-in-time view for diagnostics.
type BreakerSnapshot struct {
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	OpenUntil   time.Time `json:"open_until,omitempty"`
	Rejected    uint64    `json:"rejected"`
	Opened      uint64    `json:"opened"`
}

// Breaker tracks one hook's consecutive failures.
//
//   - Closed: calls pass; Threshold consecutive failures open the circuit.
//   - Open: calls are rejected until the cooldown elapses, then half-open.
//   - HalfOpen: one probe passes; success closes, failure reopens with a
//     doubled cooldown.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state       State
	fails       int
	lastFailure time.Time
	openedAt    time.Time
	openFor     time.Duration
	probing     bool

	rejected uint64
	opened   uint64

	nowFn func() time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// SetClock overrides the breaker clock, primarily for tests.
func (b *Breaker) SetClock(f func() time.Time) {
	b.mu.Lock()
	b.nowFn = f
	b.mu.Unlock()
}

func (b *Breaker) now() time.Time {
	if b.nowFn != nil {
		return b.nowFn()
	}
	return time.Now()
}

// Apply swaps the configuration. Current state is kept.
func (b *Breaker) Apply(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updateLocked(b.now())
}

// Allow reports whether a call may proceed. Rejections are counted.
func (b *Breaker) Allow() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled() {
		return Decision{Allowed: true, State: StateClosed}
	}

	now := b.now()
	switch b.updateLocked(now) {
	case StateOpen:
		b.rejected++
		return Decision{State: StateOpen, Reason: ReasonCircuitOpen, RetryAt: b.openedAt.Add(b.openFor)}
	case StateHalfOpen:
		if b.probing {
			b.rejected++
			return Decision{State: StateHalfOpen, Reason: ReasonHalfOpenProbing}
		}
		b.probing = true
		return Decision{Allowed: true, State: StateHalfOpen}
	default:
		return Decision{Allowed: true, State: StateClosed}
	}
}

// Release gives back a half-open probe whose call ended without an outcome,
// such as a cancelled context.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updateLocked(b.now())
	b.transitionLocked(StateClosed, time.Time{})
}

// RecordFailure counts one failed logical attempt and reports whether the
// circuit opened as a result.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.cfg.enabled() {
		return false
	}
	now := b.now()
	state := b.updateLocked(now)

	if state == StateClosed && b.cfg.ResetAfter > 0 && !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
	}
	b.fails++
	b.lastFailure = now

	switch state {
	case StateHalfOpen:
		next := b.openFor * 2
		if next > b.cfg.MaxCooldown {
			next = b.cfg.MaxCooldown
		}
		b.openFor = next
		b.transitionLocked(StateOpen, now)
		return true
	case StateClosed:
		if b.fails >= b.cfg.Threshold {
			b.openFor = b.cfg.Cooldown
			b.transitionLocked(StateOpen, now)
			return true
		}
	}
	return false
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.updateLocked(b.now())
	snap := BreakerSnapshot{
		State:       st,
		Failures:    b.fails,
		LastFailure: b.lastFailure,
		Rejected:    b.rejected,
		Opened:      b.opened,
	}
	if st == StateOpen {
		snap.OpenUntil = b.openedAt.Add(b.openFor)
	}
	return snap
}

func (b *Breaker) updateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.openFor {
		b.transitionLocked(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.state = to
	b.probing = false
	switch to {
	case StateClosed:
		b.fails = 0
		b.lastFailure = time.Time{}
		b.openFor = 0
	case StateOpen:
		b.openedAt = now
		b.opened++
	}
}
