package resilience

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Set lazily holds one breaker and one retry policy per hook.
type Set struct {
	mu       sync.Mutex
	bcfg     BreakerConfig
	rcfg     RetryConfig
	breakers map[string]*Breaker
	retries  map[string]*Retry

	clock func() time.Time
	sleep SleepFunc
}

func NewSet(b BreakerConfig, r RetryConfig) *Set {
	return &Set{
		bcfg:     b,
		rcfg:     r,
		breakers: map[string]*Breaker{},
		retries:  map[string]*Retry{},
	}
}

// For returns the breaker and retry policy for id, creating them on first use.
func (s *Set) For(id string) (*Breaker, *Retry) {
	k := strings.TrimSpace(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakers[k]
	if b == nil {
		b = NewBreaker(s.bcfg)
		if s.clock != nil {
			b.SetClock(s.clock)
		}
		s.breakers[k] = b
	}
	r := s.retries[k]
	if r == nil {
		r = NewRetry(s.rcfg)
		if s.sleep != nil {
			r.SetSleep(s.sleep)
		}
		s.retries[k] = r
	}
	return b, r
}

// Apply changes the configuration of existing and future members.
func (s *Set) Apply(b BreakerConfig, r RetryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bcfg = b
	s.rcfg = r
	for _, br := range s.breakers {
		br.Apply(b)
	}
	for _, rt := range s.retries {
		rt.Apply(r)
	}
}

// SetClock sets the clock used by all breakers.
func (s *Set) SetClock(f func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = f
	for _, br := range s.breakers {
		br.SetClock(f)
	}
}

// SetSleep sets the backoff wait used by all retry policies.
func (s *Set) SetSleep(f SleepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleep = f
	for _, rt := range s.retries {
		rt.SetSleep(f)
	}
}

// Forget drops the members for id, e.g. after the hook is unregistered.
func (s *Set) Forget(id string) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	delete(s.breakers, id)
	delete(s.retries, id)
	s.mu.Unlock()
}

// NamedBreaker pairs a hook ID with its breaker snapshot.
type NamedBreaker struct {
	HookID string `json:"hook_id"`
	BreakerSnapshot
}

// Snapshot lists breaker states sorted by hook ID.
func (s *Set) Snapshot() []NamedBreaker {
	s.mu.Lock()
	ids := make([]string, 0, len(s.breakers))
	brs := make(map[string]*Breaker, len(s.breakers))
	for id, b := range s.breakers {
		ids = append(ids, id)
		brs[id] = b
	}
	s.mu.Unlock()

	sort.Strings(ids)
	out := make([]NamedBreaker, 0, len(ids))
	for _, id := range ids {
		out = append(out, NamedBreaker{HookID: id, BreakerSnapshot: brs[id].Snapshot()})
	}
	return out
}

// OpenCount returns how many breakers are currently open.
func (s *Set) OpenCount() int {
	n := 0
	for _, b := range s.Snapshot() {
		if b.State == StateOpen {
			n++
		}
	}
	return n
}

// Trips returns how many times any breaker has opened.
func (s *Set) Trips() uint64 {
	var n uint64
	for _, b := range s.Snapshot() {
		n += b.Opened
	}
	return n
}
