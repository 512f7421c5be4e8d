package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"hookpilot/internal/anomaly"
	"hookpilot/internal/cache"
	"hookpilot/internal/contextload"
	"hookpilot/internal/eventbus"
	"hookpilot/internal/hook"
	"hookpilot/internal/phase"
	"hookpilot/internal/prioritize"
	"hookpilot/internal/resilience"
	"hookpilot/internal/storage"
	logx "hookpilot/pkg/logx"
)

// Ranker orders hook IDs for a phase.
type Ranker interface {
	Rank(ids []string, phase hook.Phase, known bool) []prioritize.Ranked
}

// Service runs hooks for lifecycle events.
//
// ExecuteHook runs one hook under cache, circuit breaker and retry.
// ExecuteHooks ranks the hooks of an event and fans them out under a
// wall-clock budget.
type Service struct {
	mu     sync.RWMutex
	cfg    Config
	ranker Ranker
	ttl    cache.Policy
	warn   *rate.Limiter

	reg      *hook.Registry
	cache    *cache.Cache
	res      *resilience.Set
	detector *anomaly.Detector
	phases   phase.Detector
	loader   contextload.Loader
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time

	// customRanker is set by WithRanker; Apply then leaves the ranker alone.
	customRanker bool

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	cmu      sync.Mutex
	counters Counters

	inFlight atomic.Int64
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }
func WithBus(bus eventbus.Bus) Option   { return func(s *Service) { s.bus = bus } }

// WithStore records every execution in st.
func WithStore(st storage.Store) Option { return func(s *Service) { s.store = st } }

// WithLoader replaces the default token-budget context loader.
func WithLoader(l contextload.Loader) Option { return func(s *Service) { s.loader = l } }

// WithPhaseDetector sets the detector used when a request has no phase.
func WithPhaseDetector(d phase.Detector) Option { return func(s *Service) { s.phases = d } }

// WithRanker replaces the registry-backed prioritizer.
func WithRanker(r Ranker) Option {
	return func(s *Service) {
		s.ranker = r
		s.customRanker = true
	}
}

func WithCache(c *cache.Cache) Option { return func(s *Service) { s.cache = c } }

// WithClock overrides the clock of the service, its cache and breakers.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithSleep overrides the wait between retries.
func WithSleep(f resilience.SleepFunc) Option {
	return func(s *Service) { s.res.SetSleep(f) }
}

func New(cfg Config, reg *hook.Registry, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	if reg == nil {
		reg = hook.NewRegistry()
	}
	s := &Service{
		cfg:      cfg,
		ttl:      cfg.TTL,
		warn:     rate.NewLimiter(rate.Every(cfg.AnomalyWarnEvery), 3),
		reg:      reg,
		res:      resilience.NewSet(cfg.Breaker, cfg.Retry),
		detector: anomaly.New(cfg.Anomaly),
		locks:    map[string]chan struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	if s.cache == nil {
		s.cache = cache.New()
	}
	if s.loader == nil {
		s.loader = contextload.TokenBudget{}
	}
	if s.ranker == nil {
		s.ranker = prioritize.New(reg, cfg.Weights, s.log)
	}
	if s.now != nil {
		s.cache.SetClock(s.now)
		s.res.SetClock(s.now)
	} else {
		s.now = time.Now
	}
	return s
}

// Apply swaps the configuration. Breaker and profile state is kept.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.res.Apply(cfg.Breaker, cfg.Retry)
	s.detector.Apply(cfg.Anomaly)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.AnomalyWarnEvery != cfg.AnomalyWarnEvery {
		s.warn.SetLimit(rate.Every(cfg.AnomalyWarnEvery))
	}
	s.cfg = cfg
	s.ttl = cfg.TTL
	if !s.customRanker {
		s.ranker = prioritize.New(s.reg, cfg.Weights, s.log)
	}
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Service) Registry() *hook.Registry { return s.reg }

// Rank orders the hooks registered for event without running them.
func (s *Service) Rank(event hook.Event, ph hook.Phase, known bool) []prioritize.Ranked {
	ids := s.reg.HooksFor(event)
	if len(ids) == 0 {
		return nil
	}
	s.mu.RLock()
	r := s.ranker
	s.mu.RUnlock()
	return r.Rank(ids, ph, known)
}

// Forget drops the breaker, profile and cache lock of an unregistered hook.
func (s *Service) Forget(id string) {
	s.res.Forget(id)
	s.detector.Reset(id)
	s.locksMu.Lock()
	delete(s.locks, id)
	s.locksMu.Unlock()
}

// Snapshot returns counters and per-hook resilience state.
func (s *Service) Snapshot() Snapshot {
	cfg := s.config()
	s.cmu.Lock()
	c := s.counters
	s.cmu.Unlock()

	var w prioritize.Weights
	s.mu.RLock()
	if p, ok := s.ranker.(*prioritize.Prioritizer); ok {
		w = p.Weights()
	}
	s.mu.RUnlock()

	return Snapshot{
		Workers:      cfg.Workers,
		MaxTotal:     cfg.MaxTotal,
		InFlight:     s.inFlight.Load(),
		Counters:     c,
		Cache:        s.cache.Stats(),
		Breakers:     s.res.Snapshot(),
		OpenBreakers: s.res.OpenCount(),
		BreakerTrips: s.res.Trips(),
		Baselines:    s.detector.Baselines(),
		Weights:      w,
	}
}

func (s *Service) count(f func(c *Counters)) {
	s.cmu.Lock()
	f(&s.counters)
	s.cmu.Unlock()
}

// lockHook serializes executions of one hook. It returns false if ctx ends
// while waiting.
func (s *Service) lockHook(ctx context.Context, id string) (func(), bool) {
	s.locksMu.Lock()
	ch := s.locks[id]
	if ch == nil {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	case <-ctx.Done():
		return func() {}, false
	}
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) record(e storage.Execution) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.AppendExecution(ctx, e); err != nil {
		s.log.Debug("history append failed", logx.String("hook", e.HookID), logx.Err(err))
	}
}
